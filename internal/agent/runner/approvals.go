package runner

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/approval"
	"github.com/agentmux/agentmux/pkg/claudecode"
	"github.com/agentmux/agentmux/pkg/codex"
	"github.com/agentmux/agentmux/pkg/procrpc"
)

// handleServerRequest answers backend-initiated requests, which in both
// protocols are permission asks. The call blocks until the operator decides
// or the deadline auto-declines; procrpc runs it off the read loop so the
// stream keeps flowing meanwhile.
func (r *Runner) handleServerRequest(sess *session, req *procrpc.ServerRequest) (any, error) {
	switch req.Method {
	case codex.NotifyItemCmdExecRequestApproval:
		var params codex.CommandApprovalParams
		if err := codex.DecodeParams(req.Params, &params); err != nil {
			return nil, fmt.Errorf("decode command approval params: %w", err)
		}
		decision, err := r.ask(sess, &approval.Request{
			ExecutionID:    sess.exec.ID,
			ConversationID: sess.exec.ConversationID,
			Kind:           approval.KindCommandExecution,
			Command:        params.Command,
			Cwd:            params.Cwd,
			Reasoning:      params.Reasoning,
		})
		if err != nil {
			return nil, err
		}
		return &codex.ApprovalResponse{Decision: string(decision)}, nil

	case codex.NotifyItemFileChangeApproval:
		var params codex.FileChangeApprovalParams
		if err := codex.DecodeParams(req.Params, &params); err != nil {
			return nil, fmt.Errorf("decode file change approval params: %w", err)
		}
		decision, err := r.ask(sess, &approval.Request{
			ExecutionID:    sess.exec.ID,
			ConversationID: sess.exec.ConversationID,
			Kind:           approval.KindFileChange,
			Path:           params.Path,
			Reasoning:      params.Reasoning,
		})
		if err != nil {
			return nil, err
		}
		return &codex.ApprovalResponse{Decision: string(decision)}, nil

	case procrpc.MethodControlRequest:
		return r.handleClaudeControlRequest(sess, req)

	default:
		r.logger.Warn("unhandled server request",
			zap.String("execution_id", sess.exec.ID),
			zap.String("method", req.Method))
		return nil, fmt.Errorf("unsupported server request %q", req.Method)
	}
}

func (r *Runner) handleClaudeControlRequest(sess *session, req *procrpc.ServerRequest) (any, error) {
	var body claudecode.ControlRequestBody
	if err := json.Unmarshal(req.Params, &body); err != nil {
		return nil, fmt.Errorf("decode control request: %w", err)
	}
	if body.Subtype != claudecode.SubtypeCanUseTool {
		r.logger.Debug("acknowledging control request",
			zap.String("subtype", body.Subtype))
		return map[string]any{}, nil
	}

	decision, err := r.ask(sess, claudeToolRequest(sess, &body))
	if err != nil {
		return nil, err
	}
	if decision.Accepted() {
		return &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow}, nil
	}
	return &claudecode.PermissionResult{
		Behavior: claudecode.BehaviorDeny,
		Message:  "denied by operator",
	}, nil
}

// claudeToolRequest maps a can_use_tool ask onto the canonical approval
// shape. Bash asks become command executions so the session cache treats an
// identical command+cwd the same across both backends.
func claudeToolRequest(sess *session, body *claudecode.ControlRequestBody) *approval.Request {
	req := &approval.Request{
		ExecutionID:    sess.exec.ID,
		ConversationID: sess.exec.ConversationID,
		Kind:           approval.KindToolUse,
		Command:        body.ToolName,
	}
	switch body.ToolName {
	case "Bash":
		req.Kind = approval.KindCommandExecution
		if cmd, ok := body.Input["command"].(string); ok {
			req.Command = cmd
		}
		if cwd, ok := body.Input["cwd"].(string); ok {
			req.Cwd = cwd
		}
	case "Write", "Edit":
		req.Kind = approval.KindFileChange
		if path, ok := body.Input["file_path"].(string); ok {
			req.Path = path
		}
	}
	return req
}

func (r *Runner) ask(sess *session, req *approval.Request) (approval.Decision, error) {
	decision, err := r.approvals.Ask(sess.ctx, req, sess.cache)
	if err != nil {
		r.logger.Error("approval ask failed",
			zap.String("execution_id", sess.exec.ID), zap.Error(err))
		return approval.DecisionDecline, err
	}
	return decision, nil
}
