// Package claudecode defines the wire types for the claude CLI stream-json
// protocol: envelope-less JSON lines on stdout with control requests for
// permissions.
package claudecode

import "encoding/json"

// Stream message types.
const (
	MessageTypeSystem    = "system"
	MessageTypeAssistant = "assistant"
	MessageTypeUser      = "user"
	MessageTypeResult    = "result"
)

// Control request subtypes.
const (
	SubtypeCanUseTool = "can_use_tool"
	SubtypeInterrupt  = "interrupt"
	SubtypeInitialize = "initialize"
)

// Permission behaviors in control responses.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// StreamMessage is one line of the claude stream-json output. The type field
// determines which other fields are populated.
type StreamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system messages
	SessionID string `json:"session_id,omitempty"`

	// assistant and user messages
	Message *ChatMessage `json:"message,omitempty"`

	// result messages; Result is a string for errors, an object otherwise
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
}

// ChatMessage carries the content blocks of an assistant or user message.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// ContentBlock is one block within a chat message.
type ContentBlock struct {
	Type string `json:"type"` // "text", "thinking", "tool_use", "tool_result"

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ResultText returns the result payload as text whether the backend sent a
// bare string or an object with a text field.
func (m *StreamMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// ControlRequestBody is the payload of a control_request line from the CLI,
// used for permission asks.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`

	// can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// PermissionResult answers a can_use_tool control request.
type PermissionResult struct {
	Behavior string `json:"behavior"` // "allow" or "deny"
	Message  string `json:"message,omitempty"`
}

// InterruptRequest is the body of an interrupt control request.
type InterruptRequest struct{}

// UserMessage is written to stdin to provide a prompt.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the prompt content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// NewUserMessage builds a prompt message for the stream-json input format.
func NewUserMessage(content string) *UserMessage {
	return &UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	}
}
