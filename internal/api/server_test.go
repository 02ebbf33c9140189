package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/config"
	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/pipeline"
	"github.com/JakeFAU/dealscan/internal/progress"
	"github.com/JakeFAU/dealscan/internal/session"
)

type fakeStreamer struct {
	mu       sync.Mutex
	messages []progress.Message
	err      error
	// block waits for the request context after the messages are sent.
	block bool
	got   deal.SearchRequest
	ended chan error
}

func (f *fakeStreamer) Stream(ctx context.Context, req deal.SearchRequest, yield func(progress.Message) error) error {
	f.mu.Lock()
	f.got = req
	f.mu.Unlock()
	for _, m := range f.messages {
		if err := yield(m); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		err := deal.Canceled(ctx.Err())
		if f.ended != nil {
			f.ended <- err
		}
		return err
	}
	return f.err
}

func (f *fakeStreamer) request() deal.SearchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

func newTestServer(streamer Streamer) (*Server, *session.Registry) {
	reg := session.NewRegistry(session.Config{})
	return NewServer(streamer, reg, nil, config.Config{}, zap.NewNop()), reg
}

func scoredResult(title string, score float64) deal.Result {
	r := deal.NewResult(deal.Listing{Title: title, Price: 80, URL: "https://marketplace.example/item/1"})
	r.DealScore = &score
	return r
}

func streamMessages() []progress.Message {
	res := scoredResult("Canon AE-1", 25)
	return []progress.Message{
		progress.Phase(progress.PhaseScraping),
		progress.Progress(1),
		progress.Phase(progress.PhaseEvaluating),
		progress.ItemResult(1, 1, res),
		progress.Done(1, 0, 1, []deal.Result{res}, 20),
	}
}

func TestServer_StreamSearch_WritesNDJSON(t *testing.T) {
	t.Parallel()

	streamer := &fakeStreamer{messages: streamMessages()}
	server, _ := newTestServer(streamer)

	body := bytes.NewBufferString(`{"query":"canon ae-1","zipCode":"94107","maxListings":5}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/search/stream", body)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, contentTypeNDJSON, rec.Header().Get("Content-Type"))
	require.True(t, rec.Flushed)
	require.Equal(t, "canon ae-1", streamer.request().Query)
	require.Equal(t, 5, streamer.request().MaxListings)

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 5)
	var types []string
	for _, line := range lines {
		var evt map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &evt))
		types = append(types, evt["type"].(string))
	}
	require.Equal(t, []string{"phase", "progress", "phase", "item_result", "done"}, types)

	var done struct {
		Type      string        `json:"type"`
		Listings  []deal.Result `json:"listings"`
		Threshold float64       `json:"threshold"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[4]), &done))
	require.Len(t, done.Listings, 1)
	require.Equal(t, 25.0, *done.Listings[0].DealScore)
	require.Equal(t, 20.0, done.Threshold)
}

func TestServer_StreamSearch_WritesSSE(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(&fakeStreamer{messages: streamMessages()[:2]})
	req := httptest.NewRequest(http.MethodPost, "/v1/search/stream", bytes.NewBufferString(`{"query":"lens"}`))
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, contentTypeSSE, rec.Header().Get("Content-Type"))
	require.Equal(t,
		"data: {\"phase\":\"scraping\",\"type\":\"phase\"}\n\ndata: {\"scannedCount\":1,\"type\":\"progress\"}\n\n",
		rec.Body.String())
}

func TestServer_StreamSearch_InvalidJSON(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(&fakeStreamer{})
	req := httptest.NewRequest(http.MethodPost, "/v1/search/stream", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_StreamSearch_InvalidRequest(t *testing.T) {
	t.Parallel()

	streamer := &fakeStreamer{err: fmt.Errorf("%w: query is required", pipeline.ErrInvalidRequest)}
	server, _ := newTestServer(streamer)
	req := httptest.NewRequest(http.MethodPost, "/v1/search/stream", bytes.NewBufferString(`{"query":""}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "query is required")
}

func TestServer_StreamSearch_FailureBeforeFirstMessage(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(&fakeStreamer{err: errors.New("start run: boom")})
	req := httptest.NewRequest(http.MethodPost, "/v1/search/stream", bytes.NewBufferString(`{"query":"q"}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_StreamSearch_ClientDisconnectCancels(t *testing.T) {
	t.Parallel()

	streamer := &fakeStreamer{
		messages: streamMessages()[:1],
		block:    true,
		ended:    make(chan error, 1),
	}
	server, _ := newTestServer(streamer)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/v1/search/stream", strings.NewReader(`{"query":"q"}`))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, `"scraping"`)
	cancel()

	select {
	case err := <-streamer.ended:
		require.True(t, deal.IsCanceled(err))
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not observe the disconnect")
	}
}

func TestServer_CancelSearch(t *testing.T) {
	t.Parallel()

	server, reg := newTestServer(&fakeStreamer{})

	req := httptest.NewRequest(http.MethodPost, "/v1/search/cancel", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"cancel_requested","active":false}`, rec.Body.String())

	run, err := reg.StartRun(context.Background())
	require.NoError(t, err)
	defer run.MarkComplete()

	for i := 0; i < 2; i++ {
		rec = httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/search/cancel", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"status":"cancel_requested","active":true}`, rec.Body.String())
	}
	require.True(t, run.Token().Cancelled())
}

func TestServer_HealthAndReady(t *testing.T) {
	t.Parallel()

	server, reg := newTestServer(&fakeStreamer{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"active_run":false`)

	run, err := reg.StartRun(context.Background())
	require.NoError(t, err)
	defer run.MarkComplete()

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["active_run"])
	require.Equal(t, run.ID(), body["run_id"])
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(&fakeStreamer{})
	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	reg := session.NewRegistry(session.Config{})
	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := NewServer(&fakeStreamer{}, reg, nil, cfg, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/search/cancel", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/search/cancel", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(panicStreamer{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/search/stream", bytes.NewBufferString(`{"query":"q"}`)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicStreamer struct{}

func (panicStreamer) Stream(context.Context, deal.SearchRequest, func(progress.Message) error) error {
	panic("boom")
}
