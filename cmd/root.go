package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/api"
	"github.com/JakeFAU/dealscan/internal/config"
	"github.com/JakeFAU/dealscan/internal/server"
)

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Streamer() api.Streamer
	CancelCurrent() bool
}

// newApp is the application factory. It's a variable so tests can
// replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// closeTimeout bounds the shutdown of an app built for a command.
const closeTimeout = 20 * time.Second

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "dealscan",
		Short: "Finds underpriced marketplace listings by comparing them to sold prices.",
		Long: `dealscan searches a local marketplace for listings, looks up recently
sold prices for each one, and scores how far below market it is priced.
Run it as an HTTP service with "serve" or for a single search with "scan".`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return &cfg, nil
	}
	cmd.AddCommand(newServeCmd(load), newScanCmd(load))
	return cmd
}

// withApp builds the application, hands it to fn and closes it afterwards.
func withApp(ctx context.Context, load func() (*config.Config, error), fn func(App) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	appInstance, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := appInstance.Close(closeCtx); cerr != nil {
			appInstance.Logger().Warn("Failed to close application", zap.Error(cerr))
		}
	}()
	return fn(appInstance)
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
