package stream

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/pkg/claudecode"
	"github.com/agentmux/agentmux/pkg/codex"
	"github.com/agentmux/agentmux/pkg/procrpc"
)

// Normalizer maps one backend's raw event stream onto the canonical union.
// It is stateful per turn: it tracks the current thread/turn ids (needed for
// the envelope-less claude stream, which carries neither) and a counter for
// synthesizing item ids. A Normalizer is owned by a single goroutine chain in
// the runner and is not safe for concurrent use.
type Normalizer struct {
	logger *logger.Logger

	conversationID string
	threadID       string
	turnID         string
	itemSeq        int
	msgItemID      string // synthesized id for the current assistant message item
}

// NewNormalizer creates a normalizer for one conversation.
func NewNormalizer(conversationID string, log *logger.Logger) *Normalizer {
	return &Normalizer{
		logger:         log.WithFields(zap.String("component", "stream-normalizer"), zap.String("conversation_id", conversationID)),
		conversationID: conversationID,
	}
}

// BeginTurn resets per-turn state. For the claude backend the runner assigns
// the turn id; for codex the backend's own ids on each notification take
// precedence.
func (n *Normalizer) BeginTurn(threadID, turnID string) {
	n.threadID = threadID
	n.turnID = turnID
	n.itemSeq = 0
	n.msgItemID = ""
}

// ThreadID returns the backend session id captured from the stream, falling
// back to the id set via BeginTurn.
func (n *Normalizer) ThreadID() string {
	return n.threadID
}

// Normalize maps one raw notification to zero or more canonical events.
// Unknown methods and event types are logged and dropped rather than passed
// through.
func (n *Normalizer) Normalize(method string, params json.RawMessage) []Event {
	if method == procrpc.MethodRawStream {
		return n.normalizeRawStream(params)
	}
	return n.normalizeCodex(method, params)
}

func (n *Normalizer) normalizeCodex(method string, params json.RawMessage) []Event {
	switch method {
	case codex.NotifyThreadStarted:
		var p codex.ThreadStartedParams
		if !n.decode(method, params, &p) {
			return nil
		}
		n.threadID = p.ThreadID
		return []Event{ThreadStarted{ConversationID: n.conversationID, ThreadID: p.ThreadID}}

	case codex.NotifyTurnStarted:
		// Turn ids are recorded by the runner from the turn/start result;
		// the notification itself adds nothing downstream.
		return nil

	case codex.NotifyItemStarted:
		var p codex.ItemStartedParams
		if !n.decode(method, params, &p) || p.Item == nil {
			return nil
		}
		return []Event{ItemStarted{
			ConversationID: n.conversationID,
			ThreadID:       p.ThreadID,
			TurnID:         p.TurnID,
			Item:           canonicalItem(p.Item),
		}}

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if !n.decode(method, params, &p) || p.Item == nil {
			return nil
		}
		return []Event{ItemCompleted{
			ConversationID: n.conversationID,
			ThreadID:       p.ThreadID,
			TurnID:         p.TurnID,
			Item:           canonicalItem(p.Item),
		}}

	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if !n.decode(method, params, &p) {
			return nil
		}
		return []Event{AgentMessageDelta{
			ConversationID: n.conversationID,
			ThreadID:       p.ThreadID,
			TurnID:         p.TurnID,
			ItemID:         p.ItemID,
			Delta:          p.Delta,
		}}

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if !n.decode(method, params, &p) {
			return nil
		}
		if !p.Success && p.Error != "" {
			return []Event{TurnError{
				ConversationID: n.conversationID,
				ThreadID:       p.ThreadID,
				TurnID:         p.TurnID,
				Message:        p.Error,
			}}
		}
		return []Event{TurnCompleted{
			ConversationID: n.conversationID,
			ThreadID:       p.ThreadID,
			TurnID:         p.TurnID,
			Result:         p.Result,
			IsError:        !p.Success,
		}}

	case codex.NotifyTurnError:
		var p codex.TurnErrorParams
		if !n.decode(method, params, &p) {
			return nil
		}
		return []Event{TurnError{
			ConversationID: n.conversationID,
			ThreadID:       p.ThreadID,
			TurnID:         p.TurnID,
			Message:        p.Message,
		}}

	default:
		n.logger.Debug("dropping unknown notification", zap.String("method", method))
		return nil
	}
}

func (n *Normalizer) normalizeRawStream(raw json.RawMessage) []Event {
	var msg claudecode.StreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		n.logger.Warn("failed to parse stream message", zap.Error(err))
		return nil
	}

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.SessionID == "" {
			return nil
		}
		n.threadID = msg.SessionID
		return []Event{ThreadStarted{ConversationID: n.conversationID, ThreadID: msg.SessionID}}

	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return nil
		}
		return n.normalizeAssistantBlocks(msg.Message.Content)

	case claudecode.MessageTypeUser:
		if msg.Message == nil {
			return nil
		}
		return n.normalizeToolResults(msg.Message.Content)

	case claudecode.MessageTypeResult:
		return []Event{TurnCompleted{
			ConversationID: n.conversationID,
			ThreadID:       n.threadID,
			TurnID:         n.turnID,
			Result:         msg.ResultText(),
			IsError:        msg.IsError,
		}}

	default:
		n.logger.Debug("dropping unknown stream message type", zap.String("type", msg.Type))
		return nil
	}
}

func (n *Normalizer) normalizeAssistantBlocks(blocks []claudecode.ContentBlock) []Event {
	var events []Event
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if n.msgItemID == "" {
				n.itemSeq++
				n.msgItemID = fmt.Sprintf("msg_%d", n.itemSeq)
			}
			events = append(events, AgentMessageDelta{
				ConversationID: n.conversationID,
				ThreadID:       n.threadID,
				TurnID:         n.turnID,
				ItemID:         n.msgItemID,
				Delta:          block.Text,
			})
		case "tool_use":
			events = append(events, ItemStarted{
				ConversationID: n.conversationID,
				ThreadID:       n.threadID,
				TurnID:         n.turnID,
				Item:           toolUseItem(block),
			})
		case "thinking":
			// Reasoning is not surfaced downstream.
		default:
			n.logger.Debug("dropping unknown content block", zap.String("type", block.Type))
		}
	}
	return events
}

func (n *Normalizer) normalizeToolResults(blocks []claudecode.ContentBlock) []Event {
	var events []Event
	for _, block := range blocks {
		if block.Type != "tool_result" {
			continue
		}
		status := "completed"
		if block.IsError {
			status = "failed"
		}
		events = append(events, ItemCompleted{
			ConversationID: n.conversationID,
			ThreadID:       n.threadID,
			TurnID:         n.turnID,
			Item: Item{
				ID:     block.ToolUseID,
				Type:   "toolCall",
				Status: status,
				Output: block.Text,
			},
		})
	}
	return events
}

func (n *Normalizer) decode(method string, raw json.RawMessage, v any) bool {
	if err := codex.DecodeParams(raw, v); err != nil {
		n.logger.Warn("failed to decode notification params",
			zap.String("method", method), zap.Error(err))
		return false
	}
	return true
}

func canonicalItem(it *codex.Item) Item {
	return Item{
		ID:       it.ID,
		Type:     it.Type,
		Status:   it.Status,
		Command:  it.Command,
		Cwd:      it.Cwd,
		Output:   it.AggregatedOutput,
		ExitCode: it.ExitCode,
		Text:     it.Text,
	}
}

func toolUseItem(block claudecode.ContentBlock) Item {
	item := Item{
		ID:     block.ID,
		Status: "inProgress",
	}
	switch block.Name {
	case claudecodeToolBash:
		item.Type = "commandExecution"
		if cmd, ok := block.Input["command"].(string); ok {
			item.Command = cmd
		}
		if cwd, ok := block.Input["cwd"].(string); ok {
			item.Cwd = cwd
		}
	case claudecodeToolWrite, claudecodeToolEdit:
		item.Type = "fileChange"
	default:
		item.Type = "toolCall"
	}
	return item
}

// Tool names that map to dedicated canonical item types.
const (
	claudecodeToolBash  = "Bash"
	claudecodeToolWrite = "Write"
	claudecodeToolEdit  = "Edit"
)
