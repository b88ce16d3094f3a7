package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCCodec_Decode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want Frame
	}{
		{
			name: "request",
			line: `{"jsonrpc":"2.0","id":"7","method":"permission/request","params":{"question":"ok?"}}`,
			want: Frame{Kind: KindRequest, ID: "7", Method: "permission/request"},
		},
		{
			name: "numeric id is normalized to its decimal string",
			line: `{"jsonrpc":"2.0","id":42,"method":"input/request"}`,
			want: Frame{Kind: KindRequest, ID: "42", Method: "input/request"},
		},
		{
			name: "notification has no id",
			line: `{"jsonrpc":"2.0","method":"message/append","params":{"content":"hi"}}`,
			want: Frame{Kind: KindNotification, Method: "message/append"},
		},
		{
			name: "response",
			line: `{"jsonrpc":"2.0","id":"3","result":{"resume_token":"t"}}`,
			want: Frame{Kind: KindResponse, ID: "3"},
		},
		{
			name: "error response",
			line: `{"jsonrpc":"2.0","id":"4","error":{"code":-32000,"message":"boom"}}`,
			want: Frame{Kind: KindResponse, ID: "4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := RPCCodec{}.Decode([]byte(tt.line))
			assert.Equal(t, tt.want.Kind, f.Kind)
			assert.Equal(t, tt.want.ID, f.ID)
			assert.Equal(t, tt.want.Method, f.Method)
		})
	}
}

func TestRPCCodec_DecodeErrorMember(t *testing.T) {
	t.Parallel()

	f := RPCCodec{}.Decode([]byte(`{"id":"9","error":{"code":-32601,"message":"method not found"}}`))
	require.Equal(t, KindResponse, f.Kind)
	require.NotNil(t, f.WireErr)
	assert.Equal(t, -32601, f.WireErr.Code)
	assert.Equal(t, "method not found", f.WireErr.Message)
}

func TestRPCCodec_MalformedInputYieldsParseError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
	}{
		{"not json", `this is not json`},
		{"neither method nor id", `{"jsonrpc":"2.0","params":{}}`},
		{"empty object", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := RPCCodec{}.Decode([]byte(tt.line))
			require.Equal(t, KindParseError, f.Kind)
			require.Error(t, f.ParseErr)
			// The offending line is carried for in-band reporting.
			assert.Equal(t, tt.line, string(f.Line))
		})
	}
}

func TestRPCCodec_EncodeRoundTrip(t *testing.T) {
	t.Parallel()

	codec := RPCCodec{}
	in := Frame{Kind: KindRequest, ID: "12", Method: "session/new", Params: json.RawMessage(`{"plan_mode":true}`)}

	line, err := codec.Encode(in)
	require.NoError(t, err)

	out := codec.Decode(line)
	assert.Equal(t, KindRequest, out.Kind)
	assert.Equal(t, "12", out.ID)
	assert.Equal(t, "session/new", out.Method)
	assert.JSONEq(t, `{"plan_mode":true}`, string(out.Params))
}

func TestRPCCodec_EncodeResponseWithError(t *testing.T) {
	t.Parallel()

	line, err := RPCCodec{}.Encode(Frame{
		Kind:    KindResponse,
		ID:      "5",
		WireErr: &WireError{Code: -32601, Message: "method not found"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"5","error":{"code":-32601,"message":"method not found"}}`, string(line))
}

func TestRPCCodec_EncodeRejectsForeignKinds(t *testing.T) {
	t.Parallel()

	_, err := RPCCodec{}.Encode(Frame{Kind: KindEvent, Role: "assistant"})
	require.ErrorIs(t, err, ErrNotEncodable)
}
