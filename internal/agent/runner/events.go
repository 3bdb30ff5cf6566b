package runner

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/stream"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/pkg/procrpc"
)

// handleNotification runs on the session's read loop: notifications arrive in
// order and the normalizer is only touched here.
func (r *Runner) handleNotification(sess *session, method string, params json.RawMessage) {
	for _, event := range sess.normalizer.Normalize(method, params) {
		r.applyEvent(sess, event)
		r.broadcast(event)
		r.publishStream(event)
	}
}

// applyEvent folds a canonical event into runner state: thread binding and
// run accumulation/termination.
func (r *Runner) applyEvent(sess *session, event stream.Event) {
	sess.mu.Lock()
	active := sess.activeRun
	sess.mu.Unlock()

	switch e := event.(type) {
	case stream.ThreadStarted:
		if err := r.registry.BindThread(sess.exec.ID, e.ThreadID); err != nil {
			r.logger.Warn("failed to bind thread id",
				zap.String("execution_id", sess.exec.ID), zap.Error(err))
		}
		if active != nil {
			active.setThreadID(e.ThreadID)
		}

	case stream.AgentMessageDelta:
		if active != nil {
			active.mu.Lock()
			active.text += e.Delta
			active.mu.Unlock()
		}

	case stream.ItemCompleted:
		if active != nil {
			active.mu.Lock()
			active.items = append(active.items, e.Item)
			active.mu.Unlock()
		}

	case stream.TurnCompleted:
		if active != nil {
			threadID, turnID := active.ids()
			r.finishRun(sess, active, &TurnResult{
				ThreadID: orFallback(e.ThreadID, threadID),
				TurnID:   orFallback(e.TurnID, turnID),
				Result:   e.Result,
				IsError:  e.IsError,
			})
		}

	case stream.TurnError:
		if active != nil {
			threadID, turnID := active.ids()
			r.finishRun(sess, active, &TurnResult{
				ThreadID: orFallback(e.ThreadID, threadID),
				TurnID:   orFallback(e.TurnID, turnID),
				Result:   e.Message,
				IsError:  true,
			})
		}
	}
}

func (r *Runner) broadcast(event stream.Event) {
	r.mu.Lock()
	handlers := make([]EventHandler, 0, len(r.eventSubs))
	for _, h := range r.eventSubs {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		r.invokeEventHandler(h, event)
	}
}

func (r *Runner) invokeEventHandler(h EventHandler, event stream.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked", zap.Any("panic", rec))
		}
	}()
	h(event)
}

func (r *Runner) invokeExitHandler(h ExitHandler, executionID string, info procrpc.ExitInfo) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("exit handler panicked", zap.Any("panic", rec))
		}
	}()
	h(executionID, info)
}

// publishStream mirrors canonical events onto the event bus so out-of-process
// consumers see the same stream as in-process subscribers.
func (r *Runner) publishStream(event stream.Event) {
	if r.eventBus == nil {
		return
	}

	var (
		eventType string
		data      map[string]interface{}
	)
	switch e := event.(type) {
	case stream.ThreadStarted:
		eventType = events.ThreadStarted
		data = map[string]interface{}{
			"conversation_id": e.ConversationID,
			"thread_id":       e.ThreadID,
		}
	case stream.ItemStarted:
		eventType = events.ItemStarted
		data = itemData(e.ConversationID, e.ThreadID, e.TurnID, e.Item)
	case stream.ItemCompleted:
		eventType = events.ItemCompleted
		data = itemData(e.ConversationID, e.ThreadID, e.TurnID, e.Item)
	case stream.AgentMessageDelta:
		eventType = events.AgentMessageDelta
		data = map[string]interface{}{
			"conversation_id": e.ConversationID,
			"thread_id":       e.ThreadID,
			"turn_id":         e.TurnID,
			"item_id":         e.ItemID,
			"delta":           e.Delta,
		}
	case stream.TurnCompleted:
		eventType = events.TurnCompleted
		data = map[string]interface{}{
			"conversation_id": e.ConversationID,
			"thread_id":       e.ThreadID,
			"turn_id":         e.TurnID,
			"result":          e.Result,
			"is_error":        e.IsError,
		}
	case stream.TurnError:
		eventType = events.TurnErrored
		data = map[string]interface{}{
			"conversation_id": e.ConversationID,
			"thread_id":       e.ThreadID,
			"turn_id":         e.TurnID,
			"message":         e.Message,
		}
	default:
		return
	}

	busEvent := bus.NewEvent(eventType, "agent-runner", data)
	if err := r.eventBus.Publish(context.Background(), events.SubjectStream, busEvent); err != nil {
		r.logger.Warn("failed to publish stream event",
			zap.String("type", eventType), zap.Error(err))
	}
}

func itemData(conversationID, threadID, turnID string, item stream.Item) map[string]interface{} {
	data := map[string]interface{}{
		"conversation_id": conversationID,
		"thread_id":       threadID,
		"turn_id":         turnID,
		"item_id":         item.ID,
		"item_type":       item.Type,
		"status":          item.Status,
	}
	if item.Command != "" {
		data["command"] = item.Command
	}
	if item.Output != "" {
		data["output"] = item.Output
	}
	return data
}

func orFallback(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
