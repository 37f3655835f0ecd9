// Package wire implements the line-oriented event-stream framing shared by the
// streamgate server and its Go client.
//
// A frame is a block of "field: value" lines terminated by a blank line:
//
//	id: 42
//	event: message.delivered
//	data: {"session":"u1:p1","seq":42,"payload":{...}}
//
// The id line is present only for durable events. Ephemeral frames
// (heartbeats, presence, control) omit it so a client never tries to resume
// from a non-numeric token.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Control event types emitted by the server.
const (
	EventHeartbeat      = "heartbeat"
	EventReplaced       = "replaced"
	EventResyncRequired = "resync_required"
	EventShutdown       = "shutdown"

	// DefaultEvent is the type assumed for frames that carry no event field.
	DefaultEvent = "message"
)

// ErrFrameTooLarge is returned for an envelope whose data line the decoder
// would refuse.
var ErrFrameTooLarge = errors.New("frame exceeds line limit")

// Frame is one decoded or to-be-encoded stream frame.
type Frame struct {
	ID    string
	Event string
	Data  []byte
	Retry int
}

// Sequence parses the frame ID as a durable sequence number. ok is false for
// ephemeral frames and for IDs that are not positive integers.
func (f *Frame) Sequence() (seq int64, ok bool) {
	if f.ID == "" {
		return 0, false
	}

	v, err := strconv.ParseInt(f.ID, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}

	return v, true
}

// Durable reports whether the frame belongs to the replayable timeline.
func (f *Frame) Durable() bool {
	_, ok := f.Sequence()
	return ok
}

// Encode renders the frame in wire format, including the terminating blank line.
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer

	if f.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(sanitize(f.ID))
		buf.WriteByte('\n')
	}

	if f.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(sanitize(f.Event))
		buf.WriteByte('\n')
	}

	if f.Retry > 0 {
		buf.WriteString("retry: ")
		buf.WriteString(strconv.Itoa(f.Retry))
		buf.WriteByte('\n')
	}

	for _, line := range bytes.Split(f.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')

	return buf.Bytes()
}

// sanitize strips line breaks so a field value can never terminate a frame early.
func sanitize(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

// Envelope is the JSON document carried in a frame's data field.
// Type may be absent; the frame's event field then supplies it.
type Envelope struct {
	Session string          `json:"session"`
	Type    string          `json:"type,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

// DecodeEnvelope parses the data of f into an Envelope and resolves its type.
func DecodeEnvelope(f *Frame) (*Envelope, error) {
	var env Envelope
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &env); err != nil {
			return nil, fmt.Errorf("decoding envelope: %w", err)
		}
	}

	if env.Type == "" {
		env.Type = f.Event
	}

	if env.Type == "" {
		env.Type = DefaultEvent
	}

	if seq, ok := f.Sequence(); ok && env.Seq == 0 {
		env.Seq = seq
	}

	return &env, nil
}

// NewFrame builds a frame for env. A positive env.Seq makes the frame durable.
func NewFrame(env *Envelope) (*Frame, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	if len("data: ")+len(data) >= maxLineSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	f := &Frame{Event: env.Type, Data: data}
	if env.Seq > 0 {
		f.ID = strconv.FormatInt(env.Seq, 10)
	}

	return f, nil
}

// ControlFrame builds an ephemeral control frame with a small JSON body.
func ControlFrame(event, session, reason string) []byte {
	body, _ := json.Marshal(struct { //nolint:errchkjson // static shape always marshals.
		Session string    `json:"session"`
		Type    string    `json:"type"`
		Reason  string    `json:"reason,omitempty"`
		TS      time.Time `json:"ts"`
	}{Session: session, Type: event, Reason: reason, TS: time.Now().UTC()})

	f := Frame{Event: event, Data: body}

	return f.Encode()
}
