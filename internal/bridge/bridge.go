// Package bridge emulates the command channel by scripting a terminal
// multiplexer inside the guest. It is the fallback when the broker is
// disabled: stateful and lossy, but it needs nothing beyond the agent CLI
// running in a tmux window.
package bridge

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/lifecycle"
)

// tmuxWindow is the long-lived window the agent CLI runs in.
const tmuxWindow = "main"

const defaultQueryTimeout = 300 * time.Second

// Markers the agent CLI prints when it finishes a turn.
var completionMarkers = []string{"● Done", "● Complete", "● Error", "● Failed"}

var (
	webSearchRe   = regexp.MustCompile(`Web Search\([^)]+\)\n`)
	searchTimerRe = regexp.MustCompile(`⎿\s*Did \d+ search[^\n]*\n`)
	spinnerRe     = regexp.MustCompile(`✻\s*(?:Brewed|Churned|Percolated|Simmered)[^\n]*\n`)
	separatorRe   = regexp.MustCompile(`─{10,}`)
	permissionRe  = regexp.MustCompile(`(?i)⏵[^\n]*bypass permissions[^\n]*\n`)
	blankRunsRe   = regexp.MustCompile(`\n{3,}`)
)

// Executor runs commands inside a session's guest.
type Executor interface {
	Exec(ctx context.Context, sessionName string, cmd []string, opts lifecycle.ExecOptions) (*lifecycle.ExecResult, error)
}

// QueryRequest describes one prompt for the in-guest agent CLI.
type QueryRequest struct {
	SessionName string
	Prompt      string
	WorkingDir  string
	Timeout     time.Duration // completion budget, zero selects the default
}

// QueryResult carries the scraped response.
type QueryResult struct {
	Response string // assistant output with terminal chrome stripped
	Raw      string // pane content the response was extracted from
	Duration time.Duration
}

// Bridge drives the guest's tmux session over the exec port, so it works
// unchanged against containers and VMs.
type Bridge struct {
	exec   Executor
	logger *logger.Logger

	pollInterval time.Duration // pane poll period
	settleDelay  time.Duration // wait after interrupt and cd
	promptDelay  time.Duration // wait before acking the permission prompt
}

// New creates a bridge over the given executor.
func New(exec Executor, log *logger.Logger) *Bridge {
	return &Bridge{
		exec:         exec,
		logger:       log.WithFields(zap.String("component", "bridge")),
		pollInterval: 500 * time.Millisecond,
		settleDelay:  500 * time.Millisecond,
		promptDelay:  2 * time.Second,
	}
}

// Query sends a prompt to the agent CLI in the guest's tmux window and
// waits for the pane to settle on a completed response. An exhausted budget
// surfaces as errdefs.ErrTimeout.
func (b *Bridge) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if req.Prompt == "" {
		return nil, errdefs.Validationf("prompt is required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	start := time.Now()
	blog := b.logger.WithSession(req.SessionName)

	probe, err := b.tmux(ctx, req.SessionName, "has-session", "-t", tmuxWindow)
	if err != nil {
		return nil, fmt.Errorf("probe tmux session: %w", err)
	}
	if !probe.Success() {
		return nil, fmt.Errorf("tmux session %q not found in guest, is the agent CLI running", tmuxWindow)
	}

	// Interrupt whatever the CLI is doing so the prompt accepts input.
	if _, err := b.tmux(ctx, req.SessionName, "send-keys", "-t", tmuxWindow, "C-c"); err != nil {
		return nil, fmt.Errorf("interrupt agent: %w", err)
	}
	if err := b.sleep(ctx, b.settleDelay); err != nil {
		return nil, err
	}

	if req.WorkingDir != "" {
		if _, err := b.tmux(ctx, req.SessionName, "send-keys", "-t", tmuxWindow, "cd "+req.WorkingDir, "Enter"); err != nil {
			return nil, fmt.Errorf("change directory: %w", err)
		}
		if err := b.sleep(ctx, b.settleDelay); err != nil {
			return nil, err
		}
	}

	if before, err := b.tmux(ctx, req.SessionName, "capture-pane", "-t", tmuxWindow, "-p"); err == nil {
		blog.Debug("Pane before prompt", zap.Int("bytes", len(before.Output)))
	}

	if _, err := b.tmux(ctx, req.SessionName, "send-keys", "-t", tmuxWindow, req.Prompt, "Enter"); err != nil {
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	// The CLI may raise a permission prompt first; a bare Enter accepts it
	// and is harmless otherwise.
	if err := b.sleep(ctx, b.promptDelay); err != nil {
		return nil, err
	}
	if _, err := b.tmux(ctx, req.SessionName, "send-keys", "-t", tmuxWindow, "Enter"); err != nil {
		return nil, fmt.Errorf("ack permission prompt: %w", err)
	}

	if err := b.waitForCompletion(ctx, req.SessionName, timeout); err != nil {
		return nil, err
	}

	final, err := b.tmux(ctx, req.SessionName, "capture-pane", "-t", tmuxWindow, "-p", "-S", "-100")
	if err != nil {
		return nil, fmt.Errorf("capture final pane: %w", err)
	}

	raw := extractAfterPrompt(final.Output, req.Prompt)
	result := &QueryResult{
		Response: ParseResponse(raw),
		Raw:      raw,
		Duration: time.Since(start),
	}
	blog.Info("Terminal query finished", zap.Duration("duration", result.Duration))
	return result, nil
}

// waitForCompletion polls the pane until it is stable for two consecutive
// polls while showing a completion marker or a returned prompt.
func (b *Bridge) waitForCompletion(ctx context.Context, sessionName string, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	last := ""
	stable := 0
	for time.Now().Before(deadline) {
		if err := b.sleep(ctx, b.pollInterval); err != nil {
			return err
		}
		pane, err := b.tmux(ctx, sessionName, "capture-pane", "-t", tmuxWindow, "-p")
		if err != nil {
			return fmt.Errorf("capture pane: %w", err)
		}
		output := pane.Output
		if output == last {
			if hasCompletionMarker(output) || promptReturned(output) {
				stable++
				if stable >= 2 {
					return nil
				}
			}
		} else {
			stable = 0
		}
		last = output
	}
	return fmt.Errorf("query did not complete within %s: %w", budget, errdefs.ErrTimeout)
}

// tmux runs one tmux command inside the guest. Non-zero exits are left to
// the caller to inspect.
func (b *Bridge) tmux(ctx context.Context, sessionName string, args ...string) (*lifecycle.ExecResult, error) {
	cmd := append([]string{"tmux"}, args...)
	return b.exec.Exec(ctx, sessionName, cmd, lifecycle.ExecOptions{Timeout: 30 * time.Second})
}

func (b *Bridge) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func hasCompletionMarker(pane string) bool {
	for _, marker := range completionMarkers {
		if strings.Contains(pane, marker) {
			return true
		}
	}
	return false
}

// promptReturned reports whether the pane shows a bare prompt line that is
// not part of the permission UI. A prompt on the very last pane line does
// not count; a settled pane always has trailing output below it.
func promptReturned(pane string) bool {
	lines := strings.Split(pane, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) != "❯" || i+1 >= len(lines) {
			continue
		}
		next := lines[i+1]
		if !strings.Contains(next, "bypass permissions") && !strings.Contains(next, "⏵") {
			return true
		}
	}
	return false
}

// extractAfterPrompt keeps the pane lines after the echoed prompt, dropping
// every line that repeats the echo. An empty extraction falls back to the
// whole pane.
func extractAfterPrompt(pane, prompt string) string {
	lines := strings.Split(pane, "\n")
	var kept []string
	found := false
	for _, line := range lines {
		if strings.Contains(line, prompt) && strings.Contains(line, "❯") {
			found = true
			continue
		}
		if found {
			kept = append(kept, line)
		}
	}
	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	if cleaned == "" {
		return pane
	}
	return cleaned
}

// ParseResponse reduces raw agent CLI output to the assistant's last
// response: the text after the final ● bullet in the last prompt section,
// with tool chatter and animation leftovers stripped. The hub applies it to
// channel results as well, so both transports present the same text.
func ParseResponse(raw string) string {
	if idx := strings.Index(raw, "❯"); idx >= 0 {
		raw = raw[idx:]
	}

	sections := strings.Split(raw, "❯")
	var response string
	for i := len(sections) - 1; i >= 0 && response == ""; i-- {
		section := sections[i]
		trimmed := strings.TrimSpace(section)
		if trimmed == "" {
			continue
		}
		lines := strings.Split(trimmed, "\n")
		if strings.HasPrefix(strings.TrimSpace(lines[0]), "cd /") {
			continue
		}
		if !strings.Contains(section, "●") {
			continue
		}
		parts := strings.Split(section, "●")
		for j := len(parts) - 1; j >= 0; j-- {
			if part := strings.TrimSpace(parts[j]); part != "" {
				response = part
				break
			}
		}
	}
	if response == "" {
		return strings.TrimSpace(raw)
	}

	response = webSearchRe.ReplaceAllString(response, "")
	response = searchTimerRe.ReplaceAllString(response, "")
	response = spinnerRe.ReplaceAllString(response, "")
	response = separatorRe.ReplaceAllString(response, "")
	response = permissionRe.ReplaceAllString(response, "")
	response = blankRunsRe.ReplaceAllString(response, "\n\n")
	return strings.TrimSpace(response)
}
