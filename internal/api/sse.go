package api

import (
	"encoding/json"
	"fmt"
)

// DoneFrame returns the terminal server-sent-event frame that closes every
// normalized stream.
func DoneFrame() []byte {
	return []byte("data: [DONE]\n\n")
}

// SSEFrame serializes v into one server-sent-event frame
// ("data: <json>\n\n").
func SSEFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
