// Package events provides event types and utilities for the daemon event system.
package events

// Event types for executions (attempts and subagents)
const (
	ExecutionSpawned   = "execution.spawned"
	ExecutionCompleted = "execution.completed"
	ExecutionPicked    = "execution.picked"
	ExecutionDiscarded = "execution.discarded"
)

// Event types for approvals
const (
	ApprovalRequested = "approval.requested"
	ApprovalAccepted  = "approval.accepted"
	ApprovalDeclined  = "approval.declined"
	ApprovalCancelled = "approval.cancelled"
)

// Event types for turn streaming
const (
	ThreadStarted     = "thread.started"
	TurnCompleted     = "turn.completed"
	TurnErrored       = "turn.errored"
	ItemStarted       = "item.started"
	ItemCompleted     = "item.completed"
	AgentMessageDelta = "item.agent_message.delta"
)

// Subjects group related events for bus subscriptions.
const (
	SubjectExecutions = "agentmux.executions"
	SubjectApprovals  = "agentmux.approvals"
	SubjectStream     = "agentmux.stream"
)
