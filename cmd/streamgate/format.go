package main

import (
	"encoding/json"
	"fmt"
	"io"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// eventLine is one line of tail output.
type eventLine struct {
	Tab     string          `json:"tab,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func writeEventLine(w io.Writer, line *eventLine) error {
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}
