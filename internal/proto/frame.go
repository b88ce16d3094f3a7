// Package proto defines the wire frame model shared by every agent dialect.
//
// Two line-delimited dialects exist behind one Codec interface:
//   - the correlated-RPC dialect, where either peer may send a request
//     carrying an id and expect a matching response;
//   - the event-stream dialect, where each line is a self-describing tagged
//     event with no id and no reply.
//
// A codec is selected once per session from static agent configuration and
// never re-dispatched per message.
package proto

import (
	"encoding/json"
	"strconv"
)

// Kind is the tagged-variant discriminator of a Frame.
type Kind string

const (
	// KindRequest carries a method, params, and an id expecting a reply.
	KindRequest Kind = "request"
	// KindResponse carries a result or wire error for a prior request id.
	KindResponse Kind = "response"
	// KindNotification carries a method and params with no id.
	KindNotification Kind = "notification"
	// KindEvent is a self-describing tagged event from the stream dialect.
	KindEvent Kind = "event"
	// KindParseError reports a malformed line. It is delivered in-band so
	// malformed input is never silently dropped.
	KindParseError Kind = "parse_error"
)

// WireError is the error member of an RPC response.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Frame is one decoded protocol message. Which fields are populated depends
// on Kind.
type Frame struct {
	Kind Kind

	// Correlated-RPC dialect.
	ID      string
	Method  string
	Params  json.RawMessage
	Result  json.RawMessage
	WireErr *WireError

	// Event-stream dialect.
	Role    string
	Payload json.RawMessage

	// Parse errors.
	ParseErr error
	Line     []byte
}

// ParseErrorFrame builds the in-band frame reporting a malformed line. The
// offending bytes are copied so the caller may reuse its buffer.
func ParseErrorFrame(line []byte, err error) Frame {
	dup := make([]byte, len(line))
	copy(dup, line)
	return Frame{Kind: KindParseError, ParseErr: err, Line: dup}
}

// Codec frames raw bytes into Frames and back. Decode never fails: malformed
// input yields a KindParseError frame so the stream keeps flowing.
type Codec interface {
	// Name identifies the dialect ("rpc" or "stream").
	Name() string
	// Decode turns one line (without trailing newline) into a Frame.
	Decode(line []byte) Frame
	// Encode turns a Frame into one line without trailing newline.
	Encode(f Frame) ([]byte, error)
}

// normalizeID maps a raw JSON id value to its correlation key. String ids
// are unquoted; numeric ids keep their literal form, so 7 and "7" collide
// deliberately (vendors are inconsistent about echoing id types back).
func normalizeID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return string(raw)
}
