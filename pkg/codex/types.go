// Package codex defines the wire types for the codex app-server protocol: a
// JSON-RPC variant over stdio with thread/turn methods and item-level stream
// notifications.
package codex

import "encoding/json"

// Request methods (client → agent).
const (
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodThreadFork    = "thread/fork"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Notification methods (agent → client).
const (
	NotifyThreadStarted              = "thread/started"
	NotifyTurnStarted                = "turn/started"
	NotifyTurnCompleted              = "turn/completed"
	NotifyTurnError                  = "turn/error"
	NotifyItemStarted                = "item/started"
	NotifyItemCompleted              = "item/completed"
	NotifyItemAgentMessageDelta      = "item/agentMessage/delta"
	NotifyItemCmdExecRequestApproval = "item/commandExecution/requestApproval"
	NotifyItemFileChangeApproval     = "item/fileChange/requestApproval"
)

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"` // "untrusted", "on-failure", "on-request", "never"
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID string `json:"threadId"`
	Cwd      string `json:"cwd,omitempty"`
}

// ThreadForkParams for thread/fork.
type ThreadForkParams struct {
	ThreadID string `json:"threadId"`
	Cwd      string `json:"cwd,omitempty"`
}

// Thread is a conversation context owned by the backend.
type Thread struct {
	ID string `json:"id"`
}

// ThreadResult is shared by thread/start, thread/resume, and thread/fork.
type ThreadResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput is one input element to a turn.
type UserInput struct {
	Type string `json:"type"` // "text"
	Text string `json:"text,omitempty"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// Turn is one request/response cycle within a thread.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "inProgress", "completed", "failed"
}

// TurnStartResult from turn/start.
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// Item is one unit of turn output (message, command, file change...).
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`   // "agentMessage", "commandExecution", "fileChange", "reasoning"
	Status string `json:"status"` // "inProgress", "completed", "failed"

	// commandExecution fields
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	// agentMessage fields
	Text string `json:"text,omitempty"`
}

// ThreadStartedParams for thread/started.
type ThreadStartedParams struct {
	ThreadID string `json:"threadId"`
}

// ItemStartedParams for item/started.
type ItemStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// ItemCompletedParams for item/completed.
type ItemCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// AgentMessageDeltaParams for item/agentMessage/delta.
type AgentMessageDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// TurnCompletedParams for turn/completed.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TurnErrorParams for turn/error.
type TurnErrorParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Message  string `json:"message"`
}

// CommandApprovalParams for item/commandExecution/requestApproval.
type CommandApprovalParams struct {
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId"`
	ItemID    string `json:"itemId"`
	Command   string `json:"command"`
	Cwd       string `json:"cwd,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// FileChangeApprovalParams for item/fileChange/requestApproval.
type FileChangeApprovalParams struct {
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId"`
	ItemID    string `json:"itemId"`
	Path      string `json:"path"`
	Diff      string `json:"diff,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ApprovalResponse answers an approval request.
// Decision values: "accept", "acceptForSession", "decline", "cancel".
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

// DecodeParams unmarshals notification params into a typed struct.
func DecodeParams(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}
