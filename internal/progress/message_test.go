package progress

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dealscan/internal/deal"
)

func TestMessageWireShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{name: "phase", msg: Phase(PhaseEvaluating), want: `{"phase":"evaluating","type":"phase"}`},
		{name: "progress", msg: Progress(0), want: `{"scannedCount":0,"type":"progress"}`},
		{name: "filtered", msg: Filtered(2), want: `{"filteredCount":2,"type":"filtered"}`},
		{name: "skipped", msg: ItemSkipped(3, 4), want: `{"evaluatedCount":4,"listingIndex":3,"type":"item_skipped"}`},
		{name: "auth", msg: AuthError(), want: `{"type":"auth_error"}`},
		{name: "location", msg: LocationError("no such zip"), want: `{"message":"no such zip","type":"location_error"}`},
		{name: "error", msg: Error("boom"), want: `{"message":"boom","type":"error"}`},
		{
			name: "done",
			msg:  Done(5, 1, 4, nil, 20),
			want: `{"evaluatedCount":4,"filteredCount":1,"listings":[],"scannedCount":5,"threshold":20,"type":"done"}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			raw, err := json.Marshal(tc.msg)
			require.NoError(t, err)
			require.JSONEq(t, tc.want, string(raw))
		})
	}
}

func TestItemResultCarriesNullScore(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(ItemResult(2, 1, deal.Degraded(deal.Listing{Title: "Lamp", Price: 15, URL: "u"})))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "item_result", decoded["type"])
	listing := decoded["listing"].(map[string]any)
	require.Contains(t, listing, "dealScore")
	require.Nil(t, listing["dealScore"])
	require.Equal(t, deal.ReasonUnavailable, listing["noCompReason"])
}

func TestTerminalMessages(t *testing.T) {
	t.Parallel()

	require.True(t, Done(0, 0, 0, nil, 0).Terminal())
	require.True(t, AuthError().Terminal())
	require.True(t, LocationError("x").Terminal())
	require.True(t, Error("x").Terminal())
	require.False(t, Progress(1).Terminal())
	require.False(t, Message{Type: typeCancelSignal}.Terminal())
}
