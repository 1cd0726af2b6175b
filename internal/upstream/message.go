package upstream

import "encoding/json"

// Message is the JSON shape the core pushes on both channels. RequestID is
// set when the host is expected to answer with SendResponse.
type Message struct {
	Type      string `json:"type"`
	RequestID int64  `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

func Encode(msg Message) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
