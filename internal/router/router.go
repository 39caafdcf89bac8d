// Package router owns the task table and drives every task transition: a
// submitted task gets a scoped token and a fresh session, a finished one
// gets its session recycled and its token revoked.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/events/bus"
	"github.com/brainbox/brainbox/internal/lifecycle"
	"github.com/brainbox/brainbox/internal/registry"
	"github.com/brainbox/brainbox/pkg/wire"
)

// TaskStatus tracks a task through its state machine.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one unit of work bound to an agent, a session, and a token.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	AgentName   string     `json:"agent_name"`
	Status      TaskStatus `json:"status"`
	SessionName string     `json:"session_name,omitempty"`
	TokenID     string     `json:"token_id,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   int64      `json:"created_at"` // epoch ms
	UpdatedAt   int64      `json:"updated_at"` // epoch ms
}

// Clone returns a copy safe to hand to listeners and callers.
func (t *Task) Clone() *Task {
	out := *t
	return &out
}

// Transition events delivered to listeners and the event bus.
const (
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskCancelled = "task.cancelled"
)

// Listener receives task transition events. Callbacks run synchronously on
// the transitioning goroutine; panics are swallowed.
type Listener func(event string, task *Task)

// Lifecycle is the slice of the session engine the router drives.
type Lifecycle interface {
	RunPipeline(ctx context.Context, spec lifecycle.LaunchSpec) (*lifecycle.Session, error)
	RecycleByName(ctx context.Context, name, reason string) error
	Session(name string) (*lifecycle.Session, error)
}

// Commander delivers commands to a session's command subject. A nil
// commander means cancels are not signalled to the guest.
type Commander interface {
	PublishCommand(ctx context.Context, sessionName string, payload map[string]any) error
}

// Router owns the task table. All transitions go through it.
type Router struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	listeners []Listener
	commander Commander

	registry  *registry.Registry
	policy    *registry.Policy
	lifecycle Lifecycle
	events    bus.Bus
	tokenTTL  time.Duration
	logger    *logger.Logger

	now func() time.Time
}

// New creates a router. The event bus may be nil when transition events are
// not wanted on the bus.
func New(reg *registry.Registry, pol *registry.Policy, lc Lifecycle, events bus.Bus, cfg config.HubConfig, log *logger.Logger) *Router {
	return &Router{
		tasks:     make(map[string]*Task),
		registry:  reg,
		policy:    pol,
		lifecycle: lc,
		events:    events,
		tokenTTL:  cfg.TokenTTLDuration(),
		logger:    log.WithFields(zap.String("component", "router")),
		now:       time.Now,
	}
}

// SetCommander wires the command channel used to signal cancels to guests.
func (r *Router) SetCommander(c Commander) {
	r.mu.Lock()
	r.commander = c
	r.mu.Unlock()
}

// OnEvent registers a transition listener.
func (r *Router) OnEvent(fn Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Submit creates a task for the named agent and launches its session. The
// task is observable as RUNNING while the launch is still in flight; a
// launch failure flips it to FAILED and revokes its token.
func (r *Router) Submit(ctx context.Context, description, agentName string) (*Task, error) {
	if description == "" {
		return nil, errdefs.Validationf("task description is required")
	}
	if agentName == "" {
		return nil, errdefs.Validationf("agent name is required")
	}
	agent, ok := r.registry.Agent(agentName)
	if !ok {
		return nil, errdefs.Validationf("agent %q not found", agentName)
	}
	if check := r.policy.EvaluateTaskAssignment(agent, description); !check.Allowed {
		return nil, errdefs.PolicyDenied(check.Reason)
	}

	taskID := uuid.NewString()
	token, err := r.registry.IssueToken(agentName, taskID, r.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}

	now := r.now().UnixMilli()
	task := &Task{
		ID:          taskID,
		Description: description,
		AgentName:   agentName,
		Status:      StatusRunning,
		SessionName: "task-" + taskID[:8],
		TokenID:     token.TokenID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.mu.Lock()
	r.tasks[taskID] = task
	r.mu.Unlock()

	spec := lifecycle.LaunchSpec{
		SessionName: task.SessionName,
		Hardened:    agent.Hardened,
		TokenJSON:   string(tokenJSON),
	}
	if agent.Template != "" {
		spec.Backend = "utm"
		spec.VMTemplate = agent.Template
	}

	tlog := r.logger.WithTask(taskID)
	if _, err := r.lifecycle.RunPipeline(ctx, spec); err != nil {
		r.mu.Lock()
		task.Status = StatusFailed
		task.Error = err.Error()
		task.UpdatedAt = r.now().UnixMilli()
		snapshot := task.Clone()
		r.mu.Unlock()

		r.registry.RevokeToken(token.TokenID)
		tlog.Error("Task launch failed", zap.Error(err))
		r.emit(EventTaskFailed, snapshot)
		return nil, fmt.Errorf("launch task %s: %w", taskID, err)
	}

	r.mu.Lock()
	snapshot := task.Clone()
	r.mu.Unlock()

	tlog.Info("Task started",
		zap.String("session", snapshot.SessionName),
		zap.String("agent", agentName))
	r.emit(EventTaskStarted, snapshot)
	return snapshot, nil
}

// Task returns a copy of the task with the given id.
func (r *Router) Task(taskID string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns task copies, newest first. Empty filter values match
// everything.
func (r *Router) Tasks(status TaskStatus, agentName string) []*Task {
	r.mu.Lock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if status != "" && t.Status != status {
			continue
		}
		if agentName != "" && t.AgentName != agentName {
			continue
		}
		out = append(out, t.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Complete moves a RUNNING task to COMPLETED, then recycles its session and
// revokes its token.
func (r *Router) Complete(ctx context.Context, taskID string, result any) (*Task, error) {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("complete task %q: %w", taskID, errdefs.ErrTaskNotFound)
	}
	if task.Status != StatusRunning {
		r.mu.Unlock()
		return nil, errdefs.Validationf("task %q is not running (status: %s)", taskID, task.Status)
	}
	task.Status = StatusCompleted
	task.Result = result
	task.UpdatedAt = r.now().UnixMilli()
	snapshot := task.Clone()
	r.mu.Unlock()

	r.release(ctx, snapshot, "task completed")
	r.logger.WithTask(taskID).Info("Task completed")
	r.emit(EventTaskCompleted, snapshot)
	return snapshot, nil
}

// Fail moves a task to FAILED from any non-terminal status.
func (r *Router) Fail(ctx context.Context, taskID, reason string) (*Task, error) {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("fail task %q: %w", taskID, errdefs.ErrTaskNotFound)
	}
	if task.Status.Terminal() {
		r.mu.Unlock()
		return nil, errdefs.Validationf("task %q already finished (status: %s)", taskID, task.Status)
	}
	if reason == "" {
		reason = "unknown error"
	}
	task.Status = StatusFailed
	task.Error = reason
	task.UpdatedAt = r.now().UnixMilli()
	snapshot := task.Clone()
	r.mu.Unlock()

	r.release(ctx, snapshot, "task failed")
	r.logger.WithTask(taskID).Info("Task failed", zap.String("error", snapshot.Error))
	r.emit(EventTaskFailed, snapshot)
	return snapshot, nil
}

// Cancel moves a PENDING or RUNNING task to CANCELLED. A cancel_task
// command goes out on the session's command subject before the session is
// recycled, so the agent has a chance to stop cleanly; the transition does
// not wait for an acknowledgement.
func (r *Router) Cancel(ctx context.Context, taskID string) (*Task, error) {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("cancel task %q: %w", taskID, errdefs.ErrTaskNotFound)
	}
	if task.Status != StatusRunning && task.Status != StatusPending {
		r.mu.Unlock()
		return nil, errdefs.Validationf("task %q cannot be cancelled (status: %s)", taskID, task.Status)
	}
	commander := r.commander
	task.Status = StatusCancelled
	task.UpdatedAt = r.now().UnixMilli()
	snapshot := task.Clone()
	r.mu.Unlock()

	tlog := r.logger.WithTask(taskID)
	if commander != nil && snapshot.SessionName != "" {
		payload, err := wire.ToMap(wire.Command{Command: wire.CommandCancelTask, TaskID: taskID})
		if err == nil {
			if perr := commander.PublishCommand(ctx, snapshot.SessionName, payload); perr != nil {
				tlog.Warn("Cancel signal not delivered", zap.Error(perr))
			}
		}
	}

	r.release(ctx, snapshot, "task cancelled")
	tlog.Info("Task cancelled")
	r.emit(EventTaskCancelled, snapshot)
	return snapshot, nil
}

// CheckRunningTasks fails RUNNING tasks whose session disappeared or was
// recycled outside the router, and reports how many were failed.
func (r *Router) CheckRunningTasks(ctx context.Context) int {
	failed := 0
	for _, task := range r.Tasks(StatusRunning, "") {
		sess, err := r.lifecycle.Session(task.SessionName)
		var reason string
		switch {
		case errdefs.IsNotFound(err):
			reason = "container no longer exists"
		case err != nil:
			r.logger.WithTask(task.ID).Warn("Session lookup failed", zap.Error(err))
			continue
		case sess.State == lifecycle.StateRecycled:
			reason = "container was recycled externally"
		default:
			continue
		}
		if _, err := r.Fail(ctx, task.ID, reason); err == nil {
			failed++
		}
	}
	return failed
}

// ExportTasks returns copies of every task, terminal included, oldest
// first. The hub serializes these into the state snapshot.
func (r *Router) ExportTasks() []*Task {
	r.mu.Lock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RestoreTasks reinstates tasks from a snapshot, skipping terminal ones,
// and reports how many were restored.
func (r *Router) RestoreTasks(tasks []*Task) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for _, t := range tasks {
		if t == nil || t.ID == "" || t.Status.Terminal() {
			continue
		}
		r.tasks[t.ID] = t.Clone()
		restored++
	}
	return restored
}

// release tears down a finished task's session and token. Recycle errors
// are logged; the terminal status stands.
func (r *Router) release(ctx context.Context, task *Task, reason string) {
	if task.SessionName != "" {
		if err := r.lifecycle.RecycleByName(ctx, task.SessionName, reason); err != nil {
			r.logger.WithTask(task.ID).Warn("Session recycle failed", zap.Error(err))
		}
	}
	if task.TokenID != "" {
		r.registry.RevokeToken(task.TokenID)
	}
}

// emit notifies listeners synchronously and mirrors the event on the bus.
// A panicking listener cannot block the transition.
func (r *Router) emit(event string, task *Task) {
	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		r.invoke(fn, event, task)
	}

	if r.events == nil {
		return
	}
	data := map[string]any{
		"task_id": task.ID,
		"agent":   task.AgentName,
		"status":  string(task.Status),
	}
	if task.SessionName != "" {
		data["session"] = task.SessionName
	}
	if task.Error != "" {
		data["error"] = task.Error
	}
	if err := r.events.Publish(context.Background(), event, bus.NewEvent(event, "router", data)); err != nil {
		r.logger.Debug("Task event not published", zap.String("event", event), zap.Error(err))
	}
}

func (r *Router) invoke(fn Listener, event string, task *Task) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Warn("Task listener panicked",
				zap.String("event", event), zap.Any("panic", v))
		}
	}()
	fn(event, task)
}
