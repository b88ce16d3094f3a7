package session

import (
	"encoding/json"
	"fmt"

	"github.com/crewline/crewline/internal/proto"
)

// Normalized agent event types. Stream-dialect agents tag lines with these
// directly; RPC-dialect methods are mapped onto them so the machine handles
// both dialects with one switch.
const (
	evReady      = "ready"
	evAssistant  = "assistant"
	evToolCall   = "tool_call"
	evToolResult = "tool_result"
	evTurnEnd    = "turn_end"
	evCompleted  = "completed"
	evError      = "error"
	evPermission = "permission_request"
	evUserInput  = "user_input_request"
	evPlanFile   = "plan_file"
)

// rpcMethods maps RPC-dialect notification methods to normalized event
// types. Permission and input arrive as correlated requests, not
// notifications, and are handled separately.
var rpcMethods = map[string]string{
	"session/ready":    evReady,
	"message/append":   evAssistant,
	"tool/call":        evToolCall,
	"tool/result":      evToolResult,
	"turn/complete":    evTurnEnd,
	"session/complete": evCompleted,
	"session/error":    evError,
	"plan/file":        evPlanFile,
}

const (
	methodPermission = "permission/request"
	methodUserInput  = "input/request"
	methodHandshake  = "session/new"
	methodResume     = "session/load"
	methodPrompt     = "session/prompt"
)

// agentEvent is the union of fields any normalized event may carry. Only a
// subset is meaningful for each event type.
type agentEvent struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"` // tool-call or request correlation
	Content     string          `json:"content,omitempty"`
	Model       string          `json:"model,omitempty"`
	Tokens      int             `json:"tokens,omitempty"`
	Name        string          `json:"name,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	OK          *bool           `json:"ok,omitempty"`
	Continue    *bool           `json:"continue,omitempty"`
	Question    string          `json:"question,omitempty"`
	Options     []string        `json:"options,omitempty"`
	ResumeToken string          `json:"resume_token,omitempty"`
	Path        string          `json:"path,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// decision is the payload relayed back to the agent when a pending
// interactive request resolves. TimedOut distinguishes a deadline expiry
// from an explicit human answer.
type decision struct {
	Type      string `json:"type,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Decision  string `json:"decision"`
	TimedOut  bool   `json:"timed_out"`
}

// handshakeParams opens or resumes a vendor session.
type handshakeParams struct {
	PlanMode    bool   `json:"plan_mode,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// handshakeResult is the RPC handshake acknowledgement.
type handshakeResult struct {
	ResumeToken string `json:"resume_token,omitempty"`
}

// promptParams submits one user prompt.
type promptParams struct {
	Type    string `json:"type,omitempty"`
	Content string `json:"content"`
}

// promptFrame builds the dialect-appropriate frame carrying a user prompt.
func promptFrame(dialect string, text string) (proto.Frame, error) {
	switch dialect {
	case "rpc":
		params, err := json.Marshal(promptParams{Content: text})
		if err != nil {
			return proto.Frame{}, fmt.Errorf("session.promptFrame: %w", err)
		}
		return proto.Frame{Kind: proto.KindNotification, Method: methodPrompt, Params: params}, nil
	case "stream":
		payload, err := json.Marshal(promptParams{Type: "prompt", Content: text})
		if err != nil {
			return proto.Frame{}, fmt.Errorf("session.promptFrame: %w", err)
		}
		return proto.Frame{Kind: proto.KindEvent, Role: "prompt", Payload: payload}, nil
	default:
		return proto.Frame{}, fmt.Errorf("session.promptFrame: unknown dialect %q", dialect)
	}
}

// decisionFrame builds the dialect-appropriate reply to a pending request.
// For RPC the original request id is echoed as the response id; for the
// stream dialect the request id rides inside the payload.
func decisionFrame(dialect, frameID, requestID, answer string, timedOut bool) (proto.Frame, error) {
	switch dialect {
	case "rpc":
		result, err := json.Marshal(decision{Decision: answer, TimedOut: timedOut})
		if err != nil {
			return proto.Frame{}, fmt.Errorf("session.decisionFrame: %w", err)
		}
		return proto.Frame{Kind: proto.KindResponse, ID: frameID, Result: result}, nil
	case "stream":
		payload, err := json.Marshal(decision{Type: "decision", RequestID: requestID, Decision: answer, TimedOut: timedOut})
		if err != nil {
			return proto.Frame{}, fmt.Errorf("session.decisionFrame: %w", err)
		}
		return proto.Frame{Kind: proto.KindEvent, Role: "decision", Payload: payload}, nil
	default:
		return proto.Frame{}, fmt.Errorf("session.decisionFrame: unknown dialect %q", dialect)
	}
}

// handshakeFrame builds the stream-dialect session opener. The RPC dialect
// uses a correlated call instead.
func handshakeFrame(planMode bool, resumeToken string) (proto.Frame, error) {
	body := struct {
		Type string `json:"type"`
		handshakeParams
	}{Type: "session_start", handshakeParams: handshakeParams{PlanMode: planMode, ResumeToken: resumeToken}}
	payload, err := json.Marshal(body)
	if err != nil {
		return proto.Frame{}, fmt.Errorf("session.handshakeFrame: %w", err)
	}
	return proto.Frame{Kind: proto.KindEvent, Role: "session_start", Payload: payload}, nil
}

// normalize converts a decoded transport frame into an agentEvent, or
// reports that the frame needs special handling (peer requests, parse
// errors) via the returned kind.
func normalize(f proto.Frame) (agentEvent, bool) {
	switch f.Kind {
	case proto.KindEvent:
		var ev agentEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return agentEvent{}, false
		}
		if ev.Type == "" {
			ev.Type = f.Role
		}
		return ev, true
	case proto.KindNotification:
		typ, ok := rpcMethods[f.Method]
		if !ok {
			return agentEvent{}, false
		}
		var ev agentEvent
		if len(f.Params) > 0 {
			if err := json.Unmarshal(f.Params, &ev); err != nil {
				return agentEvent{}, false
			}
		}
		ev.Type = typ
		return ev, true
	default:
		return agentEvent{}, false
	}
}
