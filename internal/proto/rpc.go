package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotEncodable is returned when a frame kind has no wire representation
// in the dialect asked to encode it.
var ErrNotEncodable = errors.New("proto: frame kind not encodable in this dialect")

// rpcEnvelope is the on-wire shape of the correlated-RPC dialect: one JSON
// object per line carrying a method name, parameters, and an id when a reply
// is expected. Both peers may originate requests.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// RPCCodec implements the correlated-RPC dialect.
type RPCCodec struct{}

func (RPCCodec) Name() string { return "rpc" }

func (RPCCodec) Decode(line []byte) Frame {
	var env rpcEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return ParseErrorFrame(line, fmt.Errorf("proto.RPCCodec.Decode: %w", err))
	}

	id := normalizeID(env.ID)
	switch {
	case env.Method != "" && id != "":
		return Frame{Kind: KindRequest, ID: id, Method: env.Method, Params: env.Params}
	case env.Method != "":
		return Frame{Kind: KindNotification, Method: env.Method, Params: env.Params}
	case id != "":
		return Frame{Kind: KindResponse, ID: id, Result: env.Result, WireErr: env.Error}
	default:
		return ParseErrorFrame(line, errors.New("proto.RPCCodec.Decode: neither method nor id present"))
	}
}

func (RPCCodec) Encode(f Frame) ([]byte, error) {
	env := rpcEnvelope{JSONRPC: "2.0"}

	switch f.Kind {
	case KindRequest:
		env.ID = encodeID(f.ID)
		env.Method = f.Method
		env.Params = f.Params
	case KindNotification:
		env.Method = f.Method
		env.Params = f.Params
	case KindResponse:
		env.ID = encodeID(f.ID)
		env.Result = f.Result
		env.Error = f.WireErr
	default:
		return nil, fmt.Errorf("proto.RPCCodec.Encode(%s): %w", f.Kind, ErrNotEncodable)
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("proto.RPCCodec.Encode: %w", err)
	}
	return out, nil
}

func encodeID(id string) json.RawMessage {
	out, err := json.Marshal(id)
	if err != nil {
		// A string always marshals; kept for completeness.
		return json.RawMessage(`""`)
	}
	return out
}
