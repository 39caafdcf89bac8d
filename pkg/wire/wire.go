// Package wire defines the JSON payloads exchanged between the orchestrator
// and in-session agents over the command channel. Both sides of the channel
// import this package; it has no dependencies on the orchestrator internals.
package wire

import "encoding/json"

// Subject kinds under <prefix>.<session>.<kind>.
const (
	KindCommands  = "commands"  // orchestrator -> session work items
	KindQuestions = "questions" // session asks for a decision
	KindProgress  = "progress"  // incremental updates
	KindResults   = "results"   // final result for a task
	KindErrors    = "errors"    // fatal failure for a task
	KindCancelled = "cancelled" // acknowledgement of cancel
)

// Command names carried in Command.Command.
const (
	CommandExecuteTask = "execute_task"
	CommandCancelTask  = "cancel_task"
)

// Command is a work item published to a session's commands subject.
type Command struct {
	Command    string `json:"command"`
	TaskID     string `json:"task_id"`
	Prompt     string `json:"prompt,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
	Timeout    int    `json:"timeout,omitempty"` // seconds
}

// Result is the final outcome for a task, published on results.
type Result struct {
	TaskID          string   `json:"task_id"`
	Success         bool     `json:"success"`
	Output          string   `json:"output"`
	ExitCode        int      `json:"exit_code"`
	Error           string   `json:"error,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
	FilesModified   []string `json:"files_modified,omitempty"`
}

// Progress is an incremental update published on progress.
type Progress struct {
	TaskID   string  `json:"task_id"`
	Progress float64 `json:"progress,omitempty"` // 0..100
	Message  string  `json:"message,omitempty"`
}

// ErrorReport is a fatal failure published on errors.
type ErrorReport struct {
	TaskID  string `json:"task_id"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Question is a decision request published on questions.
type Question struct {
	TaskID   string   `json:"task_id"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// CancelAck acknowledges a cancel_task command, published on cancelled.
type CancelAck struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message,omitempty"`
}

// ToMap converts a payload struct to the generic map shape bus events carry.
func ToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// FromMap decodes the generic map shape back into a payload struct.
func FromMap(m map[string]any, dst any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
