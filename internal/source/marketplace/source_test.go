package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dealscan/internal/deal"
)

func card(id int, title, price, location string) string {
	return fmt.Sprintf(`<a href="/marketplace/item/%d/">
  <span data-role="title">%s</span>
  <span data-role="price">%s</span>
  <span data-role="location">%s</span>
  <span data-role="description">desc %d</span>
</a>`, id, title, price, location, id)
}

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func html(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body>%s</body></html>", body)
}

func collect(t *testing.T, src *Source, req deal.SearchRequest, limit int) ([]deal.Listing, error) {
	t.Helper()
	var got []deal.Listing
	err := src.Search(context.Background(), req, func(l deal.Listing) bool {
		got = append(got, l)
		return limit <= 0 || len(got) < limit
	})
	return got, err
}

func TestSearchWalksPages(t *testing.T) {
	t.Parallel()

	var cookie, query, zip, radius atomic.Value
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			cookie.Store(r.Header.Get("Cookie"))
			query.Store(r.URL.Query().Get("q"))
			zip.Store(r.URL.Query().Get("zip"))
			radius.Store(r.URL.Query().Get("radius"))
			html(w, card(1, "Canon AE-1", "$120", "Austin, TX")+
				card(2, "Tripod", "£40", "Austin, TX")+
				`<a rel="next" href="/search/page2">Next</a>`)
		case "/search/page2":
			html(w, card(3, "Nikon FE", "$1,150", "Round Rock, TX"))
		default:
			http.NotFound(w, r)
		}
	})

	src, err := New(Config{SearchURL: srv.URL + "/search", Cookie: "c_user=1", Timeout: time.Second})
	require.NoError(t, err)

	got, err := collect(t, src, deal.SearchRequest{Query: "film camera", ZipCode: "78701", Radius: 40, ExtractDescriptions: true}, 0)
	require.NoError(t, err)
	require.Equal(t, "c_user=1", cookie.Load())
	require.Equal(t, "film camera", query.Load())
	require.Equal(t, "78701", zip.Load())
	require.Equal(t, "40", radius.Load())

	require.Len(t, got, 3)
	require.Equal(t, deal.Listing{
		Title:       "Canon AE-1",
		Price:       120,
		Currency:    "USD",
		Location:    "Austin, TX",
		URL:         srv.URL + "/marketplace/item/1/",
		Description: "desc 1",
	}, got[0])
	require.Equal(t, "GBP", got[1].Currency)
	require.Equal(t, 1150.0, got[2].Price)
}

func TestSearchStopsWhenEmitDeclines(t *testing.T) {
	t.Parallel()

	var pages atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		html(w, card(1, "a", "$10", "")+card(2, "b", "$20", "")+`<a rel="next" href="/search">Next</a>`)
	})
	src, err := New(Config{SearchURL: srv.URL + "/search"})
	require.NoError(t, err)

	got, err := collect(t, src, deal.SearchRequest{Query: "q"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Empty(t, got[0].Description)
	require.Equal(t, int32(1), pages.Load())
}

func TestSearchBoundsPages(t *testing.T) {
	t.Parallel()

	var pages atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		n := pages.Add(1)
		html(w, card(int(n), "item", "$10", "")+`<a rel="next" href="/search">Next</a>`)
	})
	src, err := New(Config{SearchURL: srv.URL + "/search", MaxPages: 3})
	require.NoError(t, err)

	got, err := collect(t, src, deal.SearchRequest{Query: "q"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, int32(3), pages.Load())
}

func TestSearchDetectsLoginRedirect(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login/" {
			html(w, `<form action="/login/submit"><input name="email"></form>`)
			return
		}
		http.Redirect(w, r, "/login/?next=%2Fsearch", http.StatusFound)
	})
	src, err := New(Config{SearchURL: srv.URL + "/search"})
	require.NoError(t, err)

	got, err := collect(t, src, deal.SearchRequest{Query: "q"}, 0)
	require.ErrorIs(t, err, deal.ErrAuthRequired)
	require.Empty(t, got)
}

func TestSearchDetectsLocationError(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		html(w, `<div data-role="location-error">We couldn't find 00000</div>`)
	})
	src, err := New(Config{SearchURL: srv.URL + "/search"})
	require.NoError(t, err)

	_, err = collect(t, src, deal.SearchRequest{Query: "q", ZipCode: "00000"}, 0)
	require.ErrorIs(t, err, deal.ErrLocationNotFound)
	require.ErrorContains(t, err, "We couldn't find 00000")
}

func TestSearchHTTPError(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	src, err := New(Config{SearchURL: srv.URL + "/search"})
	require.NoError(t, err)

	_, err = collect(t, src, deal.SearchRequest{Query: "q"}, 0)
	require.ErrorContains(t, err, "status 502")
}

func TestSearchCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	src, err := New(Config{SearchURL: srv.URL + "/search", Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { cancel(deal.ErrCanceled) })
	err = src.Search(ctx, deal.SearchRequest{Query: "q"}, func(deal.Listing) bool { return true })
	require.True(t, deal.IsCanceled(err))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
