package hub

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/bridge"
	"github.com/brainbox/brainbox/internal/channel"
	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/events"
	"github.com/brainbox/brainbox/internal/lifecycle"
	"github.com/brainbox/brainbox/internal/messages"
	"github.com/brainbox/brainbox/internal/registry"
	"github.com/brainbox/brainbox/internal/router"
	"github.com/brainbox/brainbox/pkg/wire"
)

// subscribeKinds attaches one handler per session feedback kind. The
// wildcard subjects cover every session, current and future.
func (h *Hub) subscribeKinds() error {
	kinds := []struct {
		kind    string
		handler channel.Handler
	}{
		{wire.KindQuestions, h.handleQuestion},
		{wire.KindProgress, h.handleProgress},
		{wire.KindResults, h.handleResult},
		{wire.KindErrors, h.handleError},
		{wire.KindCancelled, h.handleCancelled},
	}
	for _, k := range kinds {
		sub, err := h.channel.SubscribeKind(k.kind, k.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", k.kind, err)
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// forwardTaskEvent mirrors router transitions onto the stream.
func (h *Hub) forwardTaskEvent(event string, task *router.Task) {
	h.stream.HubEvent(event, task)
}

// handleResult completes the matching task and streams the payload. Results
// for unknown task ids (one-shot queries answer on this subject too) are
// streamed without touching the task table.
func (h *Hub) handleResult(ctx context.Context, payload map[string]any) error {
	var res wire.Result
	if err := wire.FromMap(payload, &res); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	if task, ok := h.router.Task(res.TaskID); ok && task.Status == router.StatusRunning {
		if _, err := h.router.Complete(ctx, res.TaskID, payload); err != nil {
			h.logger.Warn("Completion from channel rejected",
				zap.String("task_id", res.TaskID), zap.Error(err))
		}
	}
	h.stream.Typed(events.TypeTaskResult, payload)
	return nil
}

// handleError fails the matching task and streams the payload.
func (h *Hub) handleError(ctx context.Context, payload map[string]any) error {
	var rep wire.ErrorReport
	if err := wire.FromMap(payload, &rep); err != nil {
		return fmt.Errorf("decode error report: %w", err)
	}
	reason := rep.Error
	if reason == "" {
		reason = rep.Message
	}
	if _, ok := h.router.Task(rep.TaskID); ok {
		if _, err := h.router.Fail(ctx, rep.TaskID, reason); err != nil {
			h.logger.Debug("Failure from channel rejected",
				zap.String("task_id", rep.TaskID), zap.Error(err))
		}
	}
	h.stream.Typed(events.TypeTaskError, payload)
	return nil
}

// handleCancelled streams the acknowledgement. The task already moved to
// CANCELLED when the cancel command went out, so the table stays untouched.
func (h *Hub) handleCancelled(_ context.Context, payload map[string]any) error {
	var ack wire.CancelAck
	if err := wire.FromMap(payload, &ack); err != nil {
		return fmt.Errorf("decode cancel ack: %w", err)
	}
	h.logger.Info("Cancel acknowledged", zap.String("task_id", ack.TaskID))
	h.stream.Typed(events.TypeTaskCancelled, payload)
	return nil
}

func (h *Hub) handleProgress(_ context.Context, payload map[string]any) error {
	var p wire.Progress
	if err := wire.FromMap(payload, &p); err != nil {
		return fmt.Errorf("decode progress: %w", err)
	}
	h.logger.Debug("Task progress",
		zap.String("task_id", p.TaskID),
		zap.Float64("progress", p.Progress),
		zap.String("message", p.Message))
	h.stream.Typed(events.TypeProgressUpdate, payload)
	return nil
}

func (h *Hub) handleQuestion(_ context.Context, payload map[string]any) error {
	var q wire.Question
	if err := wire.FromMap(payload, &q); err != nil {
		return fmt.Errorf("decode question: %w", err)
	}
	h.logger.Info("Agent question",
		zap.String("task_id", q.TaskID),
		zap.String("question", q.Question))
	h.stream.Typed(events.TypeAgentQuestion, payload)
	return nil
}

// RouteMessage validates and delivers an envelope between agents. A
// task.completed event in the payload also completes the sender's task;
// delivery wins over a completion hiccup, so those errors are only logged.
func (h *Hub) RouteMessage(ctx context.Context, env messages.Envelope) (*messages.RouteResult, error) {
	res, err := h.fabric.Route(env)
	if err != nil {
		return nil, err
	}
	if event, _ := env.Payload["event"].(string); event == router.EventTaskCompleted {
		if token, ok := h.registry.ValidateToken(env.SenderTokenID); ok && token.TaskID != "" {
			if _, cerr := h.router.Complete(ctx, token.TaskID, env.Payload["result"]); cerr != nil {
				h.logger.Debug("Completion via message skipped",
					zap.String("task_id", token.TaskID), zap.Error(cerr))
			}
		}
	}
	return res, nil
}

// Query is a one-shot prompt for a session's resident agent.
type Query struct {
	Prompt     string
	WorkingDir string        // defaults to the session's workspace directory
	Timeout    time.Duration // defaults to channel.commandTimeout
}

// QueryResult carries the agent's answer plus transport-level detail.
// Response is the cleaned final answer, Output the full transcript.
type QueryResult struct {
	TaskID   string
	Success  bool
	Response string
	Output   string
	Error    string
	ExitCode int
	Duration time.Duration
}

// SessionQuery sends a prompt to the session's agent and waits for the
// reply. The command channel is preferred; with the broker down the
// terminal bridge takes over so the answer still comes back.
func (h *Hub) SessionQuery(ctx context.Context, sessionName string, q Query) (*QueryResult, error) {
	if q.Prompt == "" {
		return nil, errdefs.Validationf("prompt is required")
	}
	if _, err := h.engine.Session(sessionName); err != nil {
		return nil, err
	}
	if h.channel.IsConnected() {
		return h.queryViaChannel(ctx, sessionName, q)
	}
	return h.queryViaBridge(ctx, sessionName, q)
}

// DispatchQuery publishes the prompt as a fire-and-forget command and
// returns the synthetic task id; the answer arrives on the results subject
// like any other task result.
func (h *Hub) DispatchQuery(ctx context.Context, sessionName string, q Query) (string, error) {
	if q.Prompt == "" {
		return "", errdefs.Validationf("prompt is required")
	}
	if !h.channel.IsConnected() {
		return "", fmt.Errorf("command channel disconnected: %w", errdefs.ErrBackendUnavailable)
	}
	if _, err := h.engine.Session(sessionName); err != nil {
		return "", err
	}
	cmd := h.queryCommand(sessionName, q)
	payload, err := wire.ToMap(cmd)
	if err != nil {
		return "", err
	}
	if err := h.channel.PublishCommand(ctx, sessionName, payload); err != nil {
		return "", err
	}
	h.logger.Info("Query dispatched",
		zap.String("session", sessionName), zap.String("task_id", cmd.TaskID))
	return cmd.TaskID, nil
}

func (h *Hub) queryViaChannel(ctx context.Context, sessionName string, q Query) (*QueryResult, error) {
	cmd := h.queryCommand(sessionName, q)
	payload, err := wire.ToMap(cmd)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	reply, err := h.channel.SendCommand(ctx, sessionName, payload, time.Duration(cmd.Timeout)*time.Second)
	if err != nil {
		return nil, err
	}
	var res wire.Result
	if err := wire.FromMap(reply, &res); err != nil {
		return nil, fmt.Errorf("decode query reply: %w", err)
	}
	return &QueryResult{
		TaskID:   cmd.TaskID,
		Success:  res.Success,
		Response: bridge.ParseResponse(res.Output),
		Output:   res.Output,
		Error:    res.Error,
		ExitCode: res.ExitCode,
		Duration: time.Since(started),
	}, nil
}

func (h *Hub) queryViaBridge(ctx context.Context, sessionName string, q Query) (*QueryResult, error) {
	res, err := h.bridge.Query(ctx, bridge.QueryRequest{
		SessionName: sessionName,
		Prompt:      q.Prompt,
		WorkingDir:  h.queryWorkingDir(sessionName, q.WorkingDir),
		Timeout:     q.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &QueryResult{
		Success:  true,
		Response: res.Response,
		Output:   res.Raw,
		Duration: res.Duration,
	}, nil
}

func (h *Hub) queryCommand(sessionName string, q Query) wire.Command {
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = h.cfg.Channel.CommandTimeoutDuration()
	}
	return wire.Command{
		Command:    wire.CommandExecuteTask,
		TaskID:     fmt.Sprintf("query-%d", time.Now().UnixMilli()),
		Prompt:     q.Prompt,
		WorkingDir: h.queryWorkingDir(sessionName, q.WorkingDir),
		Timeout:    int(timeout.Seconds()),
	}
}

// queryWorkingDir resolves the guest-side working directory. Guests run
// Linux, so this is path, not filepath, territory.
func (h *Hub) queryWorkingDir(sessionName, dir string) string {
	if dir != "" {
		return dir
	}
	return path.Join(h.cfg.Session.WorkspaceRoot, sessionName)
}

// The remaining methods are the composed control-plane surface: thin
// passthroughs to the owning component, collected here so callers hold one
// handle instead of eight.

func (h *Hub) SubmitTask(ctx context.Context, description, agentName string) (*router.Task, error) {
	return h.router.Submit(ctx, description, agentName)
}

func (h *Hub) Task(taskID string) (*router.Task, bool) {
	return h.router.Task(taskID)
}

func (h *Hub) Tasks(status router.TaskStatus, agentName string) []*router.Task {
	return h.router.Tasks(status, agentName)
}

func (h *Hub) CompleteTask(ctx context.Context, taskID string, result any) (*router.Task, error) {
	return h.router.Complete(ctx, taskID, result)
}

func (h *Hub) FailTask(ctx context.Context, taskID, reason string) (*router.Task, error) {
	return h.router.Fail(ctx, taskID, reason)
}

func (h *Hub) CancelTask(ctx context.Context, taskID string) (*router.Task, error) {
	return h.router.Cancel(ctx, taskID)
}

func (h *Hub) DrainMessages(tokenID string) []*messages.Message {
	return h.fabric.Drain(tokenID)
}

func (h *Hub) MessageLog(filter messages.LogFilter) []*messages.LogEntry {
	return h.fabric.Log(filter)
}

func (h *Hub) Agents() []*registry.AgentDefinition {
	return h.registry.Agents()
}

func (h *Hub) Tokens() []*registry.Token {
	return h.registry.ListTokens()
}

func (h *Hub) LaunchSession(ctx context.Context, spec lifecycle.LaunchSpec) (*lifecycle.Session, error) {
	return h.engine.RunPipeline(ctx, spec)
}

func (h *Hub) RecycleSession(ctx context.Context, name, reason string) error {
	return h.engine.RecycleByName(ctx, name, reason)
}

func (h *Hub) Sessions() []*lifecycle.Session {
	return h.engine.Sessions()
}

func (h *Hub) Session(name string) (*lifecycle.Session, error) {
	return h.engine.Session(name)
}

func (h *Hub) SessionsInfo(ctx context.Context) ([]lifecycle.SessionInfo, error) {
	return h.engine.SessionsInfo(ctx)
}

func (h *Hub) ExecInSession(ctx context.Context, name string, cmd []string, opts lifecycle.ExecOptions) (*lifecycle.ExecResult, error) {
	return h.engine.Exec(ctx, name, cmd, opts)
}
