package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StreamCodec implements the event-stream dialect: each line is a
// self-describing tagged event with a "type" member naming the role. No ids,
// no replies; line order is the only ordering guarantee.
type StreamCodec struct{}

func (StreamCodec) Name() string { return "stream" }

func (StreamCodec) Decode(line []byte) Frame {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &tag); err != nil {
		return ParseErrorFrame(line, fmt.Errorf("proto.StreamCodec.Decode: %w", err))
	}
	if tag.Type == "" {
		return ParseErrorFrame(line, errors.New("proto.StreamCodec.Decode: missing event type"))
	}

	payload := make(json.RawMessage, len(line))
	copy(payload, line)
	return Frame{Kind: KindEvent, Role: tag.Type, Payload: payload}
}

func (StreamCodec) Encode(f Frame) ([]byte, error) {
	if f.Kind != KindEvent {
		return nil, fmt.Errorf("proto.StreamCodec.Encode(%s): %w", f.Kind, ErrNotEncodable)
	}

	// The payload, when present, is already the full event object.
	if len(f.Payload) > 0 {
		if !json.Valid(f.Payload) {
			return nil, errors.New("proto.StreamCodec.Encode: invalid payload JSON")
		}
		return append([]byte(nil), f.Payload...), nil
	}

	out, err := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: f.Role})
	if err != nil {
		return nil, fmt.Errorf("proto.StreamCodec.Encode: %w", err)
	}
	return out, nil
}
