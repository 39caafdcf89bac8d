// Package events provides the event vocabulary shared by the hub and its
// subscribers, and the provider that selects the bus implementation.
package events

// Frame types delivered to fan-out subscribers as {type, data} documents.
// Task transition events travel as {hub: true, event, data} frames instead
// and reuse the router's event names.
const (
	TypeAgentQuestion  = "agent_question"
	TypeProgressUpdate = "progress_update"
	TypeTaskResult     = "task_result"
	TypeTaskError      = "task_error"
	TypeTaskCancelled  = "task_cancelled"
	TypeContainerEvent = "container_event"
)

// TaskEventWildcard matches every task transition subject on the bus.
const TaskEventWildcard = "task.*"

// Container actions the backend watcher forwards to subscribers.
const (
	ContainerCreate  = "create"
	ContainerStart   = "start"
	ContainerStop    = "stop"
	ContainerDie     = "die"
	ContainerDestroy = "destroy"
)

// WatchedContainerAction reports whether a backend event action is one the
// hub forwards.
func WatchedContainerAction(action string) bool {
	switch action {
	case ContainerCreate, ContainerStart, ContainerStop, ContainerDie, ContainerDestroy:
		return true
	default:
		return false
	}
}
