package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/dealscan/internal/storage/memory"
	"github.com/JakeFAU/dealscan/internal/store"
)

// ExampleHistoryHandler_ListRuns shows how to serve the /v1/runs endpoint.
func ExampleHistoryHandler_ListRuns() {
	repo := memory.NewRunStore()
	runID := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	_ = repo.UpsertRunStart(context.Background(), runID, "film camera", time.Unix(0, 0))
	_ = repo.CompleteRun(context.Background(), runID, time.Unix(60, 0), store.RunSuccess, store.Counts{Scanned: 4}, nil)
	handler := NewHistoryHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	var payload struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned runs: %d, status: %s\n", len(payload.Runs), payload.Runs[0]["status"])
	// Output:
	// returned runs: 1, status: success
}
