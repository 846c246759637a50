package agent

import (
	"encoding/json"
	"strings"
)

// engineMessage is one line of the engine's stream-json output. Only the
// fields this orchestrator consumes are modeled; everything else is ignored.
type engineMessage struct {
	Type      string `json:"type"`    // "system", "assistant", "result", "stream_event", "control_request"
	Subtype   string `json:"subtype"` // "init", "success", ...
	SessionID string `json:"session_id,omitempty"`
	Result    string `json:"result,omitempty"`

	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message"`

	// Stream event payload (with partial-message streaming enabled).
	Event *deltaEvent `json:"event,omitempty"`

	// Control request fields (permission checks).
	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`
}

type deltaEvent struct {
	Type  string `json:"type"` // "content_block_delta", ...
	Delta *struct {
		Type string `json:"type"` // "text_delta", "input_json_delta"
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
}

type controlRequest struct {
	Subtype  string          `json:"subtype"` // "can_use_tool"
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// controlResponse answers a control_request on the engine's stdin.
type controlResponse struct {
	Type     string              `json:"type"` // "control_response"
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	RequestID string          `json:"request_id"`
	Subtype   string          `json:"subtype"` // "success" or "error"
	Response  *behaviorResult `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type behaviorResult struct {
	Behavior string `json:"behavior"` // "allow" or "deny"
	Message  string `json:"message,omitempty"`
}

func allowResponse(requestID string) controlResponse {
	return controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			RequestID: requestID,
			Subtype:   "success",
			Response:  &behaviorResult{Behavior: "allow"},
		},
	}
}

func denyResponse(requestID, reason string) controlResponse {
	return controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			RequestID: requestID,
			Subtype:   "success",
			Response:  &behaviorResult{Behavior: "deny", Message: reason},
		},
	}
}

// parseEngineMessage parses one stdout line. Non-JSON lines (the engine may
// print informational text in verbose mode) are skipped, not errors.
func parseEngineMessage(line string) (*engineMessage, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil, false
	}
	var msg engineMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, false
	}
	if msg.Type == "" {
		return nil, false
	}
	return &msg, true
}
