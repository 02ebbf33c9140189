package publisher

import (
	"encoding/json"
	"fmt"
)

// Message is the encoded form shared by every backend.
type Message struct {
	Data       []byte
	Attributes map[string]string
}

// Encode marshals payload to JSON and derives the routing attributes.
// RunSummary payloads also carry their run ID and status so subscribers can
// filter without decoding.
func Encode(topic string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{"event": "run_finished"}
	if topic != "" {
		attrs["topic"] = topic
	}
	if s, ok := payload.(RunSummary); ok {
		attrs["run_id"] = s.RunID
		attrs["status"] = s.Status
	}
	return Message{Data: data, Attributes: attrs}, nil
}
