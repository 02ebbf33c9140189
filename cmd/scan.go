package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/JakeFAU/dealscan/internal/config"
	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/progress"
)

// errScanFailed reports a stream that ended with an error message.
var errScanFailed = errors.New("scan failed")

// newScanCmd creates the 'scan' subcommand, which runs one search in-process
// and prints the stream.
func newScanCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		req    deal.SearchRequest
		pretty bool
	)
	cmd := &cobra.Command{
		Use:   "scan [query]",
		Short: "Runs a single search and prints the results",
		Long: `Runs one search without the HTTP server. Messages are printed as
NDJSON, the same shape the streaming API returns. Use --pretty for a table.
Ctrl-C cancels the run and still prints the partial results.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				req.Query = strings.Join(args, " ")
			}
			return withApp(cmd.Context(), load, func(app App) error {
				return runScan(cmd.Context(), app, req, cmd.OutOrStdout(), pretty)
			})
		},
	}
	bindScanFlags(cmd.Flags(), &req)
	cmd.Flags().BoolVar(&pretty, "pretty", false, "render progress and a results table instead of NDJSON")
	return cmd
}

func bindScanFlags(fs *pflag.FlagSet, req *deal.SearchRequest) {
	fs.StringVarP(&req.Query, "query", "q", "", "search query")
	fs.StringVar(&req.ZipCode, "zip", "", "ZIP code to search around")
	fs.IntVar(&req.Radius, "radius", 0, "search radius in miles (default 20)")
	fs.Float64Var(&req.Threshold, "threshold", 0, "minimum deal score (default 20)")
	fs.IntVar(&req.MaxListings, "max-listings", 0, "listings to evaluate (default 20, max 200)")
	fs.BoolVar(&req.ExtractDescriptions, "descriptions", false, "open each listing to read its description")
}

// runScan streams one search to out. A canceled ctx cancels the run rather
// than abandoning the stream, so the partial done message is still printed.
func runScan(ctx context.Context, app App, req deal.SearchRequest, out io.Writer, pretty bool) error {
	if err := ctx.Err(); err != nil {
		return deal.Canceled(err)
	}
	stop := context.AfterFunc(ctx, func() { app.CancelCurrent() })
	defer stop()

	var r scanRenderer = &ndjsonRenderer{out: out}
	if pretty {
		r = newPrettyRenderer(out)
	}
	if err := app.Streamer().Stream(context.WithoutCancel(ctx), req, r.render); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return r.result()
}

type scanRenderer interface {
	render(msg progress.Message) error
	result() error
}

type terminalState struct {
	failure string
}

func (s *terminalState) observe(msg progress.Message) {
	switch msg.Type {
	case progress.TypeError, progress.TypeLocationError:
		s.failure = msg.Text
	case progress.TypeAuthError:
		s.failure = "marketplace session is not logged in"
	}
}

func (s *terminalState) result() error {
	if s.failure != "" {
		return fmt.Errorf("%w: %s", errScanFailed, s.failure)
	}
	return nil
}

type ndjsonRenderer struct {
	terminalState
	out io.Writer
}

func (r *ndjsonRenderer) render(msg progress.Message) error {
	r.observe(msg)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if _, err := r.out.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

type prettyRenderer struct {
	terminalState
	out io.Writer
}

func newPrettyRenderer(out io.Writer) *prettyRenderer {
	return &prettyRenderer{out: out}
}

func (r *prettyRenderer) render(msg progress.Message) error {
	r.observe(msg)
	switch msg.Type {
	case progress.TypePhase:
		pterm.Fprintln(r.out, pterm.Cyan("== "+msg.Phase))
	case progress.TypeFiltered:
		pterm.Info.WithWriter(r.out).Printfln("%d listings skipped by the price filter", msg.FilteredCount)
	case progress.TypeItemResult:
		pterm.Fprintln(r.out, fmt.Sprintf("  %3d  %s  %s  score %s",
			msg.ListingIndex, msg.Listing.Title, formatPrice(msg.Listing.Price), formatScore(msg.Listing.DealScore)))
	case progress.TypeItemSkipped:
		pterm.Fprintln(r.out, fmt.Sprintf("  %3d  skipped", msg.ListingIndex))
	case progress.TypeError, progress.TypeLocationError:
		pterm.Error.WithWriter(r.out).Println(msg.Text)
	case progress.TypeAuthError:
		pterm.Error.WithWriter(r.out).Println("marketplace session is not logged in")
	case progress.TypeDone:
		pterm.Success.WithWriter(r.out).Printfln("scanned %d, filtered %d, evaluated %d",
			msg.ScannedCount, msg.FilteredCount, msg.EvaluatedCount)
		if len(msg.Listings) == 0 {
			return nil
		}
		if err := pterm.DefaultTable.
			WithHasHeader().
			WithBoxed().
			WithWriter(r.out).
			WithData(resultsTable(msg.Listings, msg.Threshold)).
			Render(); err != nil {
			return fmt.Errorf("render results: %w", err)
		}
	}
	return nil
}

// resultsTable lays out finished listings with a header row.
func resultsTable(listings []deal.Result, threshold float64) pterm.TableData {
	data := pterm.TableData{{"#", "Title", "Price", "Sold", "Score", "Deal"}}
	for i, l := range listings {
		comp := "-"
		if l.CompPrice != nil {
			comp = formatPrice(*l.CompPrice)
		}
		isDeal := ""
		if l.DealScore != nil && *l.DealScore >= threshold {
			isDeal = "yes"
		}
		data = append(data, []string{
			strconv.Itoa(i),
			l.Title,
			formatPrice(l.Price),
			comp,
			formatScore(l.DealScore),
			isDeal,
		})
	}
	return data
}

func formatPrice(p float64) string {
	return "$" + strconv.FormatFloat(p, 'f', 2, 64)
}

func formatScore(s *float64) string {
	if s == nil {
		return "-"
	}
	return strconv.FormatFloat(*s, 'f', 0, 64)
}
