// Package stream normalizes backend-specific agent event streams into one
// canonical event union consumed by everything downstream.
package stream

// Item is the canonical view of one unit of turn output.
type Item struct {
	ID     string
	Type   string // "agentMessage", "commandExecution", "fileChange", "toolCall", "reasoning"
	Status string // "inProgress", "completed", "failed"

	Command  string
	Cwd      string
	Output   string
	ExitCode *int
	Text     string
}

// Event is the closed union of canonical events. Every variant carries the
// conversation id; turn- and item-scoped variants carry their ids too.
// Consumers switch exhaustively over the concrete types.
type Event interface {
	// Conversation returns the owning conversation id.
	Conversation() string

	isEvent()
}

// ThreadStarted reports that the backend assigned a thread id.
type ThreadStarted struct {
	ConversationID string
	ThreadID       string
}

// ItemStarted reports a new in-progress item within a turn.
type ItemStarted struct {
	ConversationID string
	ThreadID       string
	TurnID         string
	Item           Item
}

// ItemCompleted reports a finished item.
type ItemCompleted struct {
	ConversationID string
	ThreadID       string
	TurnID         string
	Item           Item
}

// AgentMessageDelta carries an incremental chunk of assistant text.
type AgentMessageDelta struct {
	ConversationID string
	ThreadID       string
	TurnID         string
	ItemID         string
	Delta          string
}

// TurnCompleted terminates a turn normally.
type TurnCompleted struct {
	ConversationID string
	ThreadID       string
	TurnID         string
	Result         string
	IsError        bool
}

// TurnError terminates a turn abnormally.
type TurnError struct {
	ConversationID string
	ThreadID       string
	TurnID         string
	Message        string
}

func (e ThreadStarted) Conversation() string     { return e.ConversationID }
func (e ItemStarted) Conversation() string       { return e.ConversationID }
func (e ItemCompleted) Conversation() string     { return e.ConversationID }
func (e AgentMessageDelta) Conversation() string { return e.ConversationID }
func (e TurnCompleted) Conversation() string     { return e.ConversationID }
func (e TurnError) Conversation() string         { return e.ConversationID }

func (ThreadStarted) isEvent()     {}
func (ItemStarted) isEvent()       {}
func (ItemCompleted) isEvent()     {}
func (AgentMessageDelta) isEvent() {}
func (TurnCompleted) isEvent()     {}
func (TurnError) isEvent()         {}
