// Package daemon supervises a background orchestrator process through a
// pid file: start detached, probe liveness, stop with escalation.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/logger"
)

var (
	// ErrAlreadyRunning is returned by Start when a live daemon exists.
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrNotRunning is returned by Stop when no live daemon exists.
	ErrNotRunning = errors.New("daemon not running")
)

// Status describes the supervised process.
type Status struct {
	Running       bool   `json:"running"`
	PID           int    `json:"pid,omitempty"`
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	StartedAt     string `json:"started_at,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	LogFile       string `json:"log_file,omitempty"`
}

// URL returns the daemon's base URL, empty when not running.
func (s *Status) URL() string {
	if !s.Running {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

// Manager owns the pid file and the daemon log.
type Manager struct {
	// Command is the argv prefix launched as the daemon; Start appends
	// --host and --port. Empty means re-exec this binary with "serve".
	Command []string

	pidFile     string
	logDir      string
	logFile     string
	settleDelay time.Duration
	logger      *logger.Logger
}

// New creates a manager rooted at configDir.
func New(configDir string, log *logger.Logger) *Manager {
	return &Manager{
		pidFile:     filepath.Join(configDir, "brainbox.pid"),
		logDir:      filepath.Join(configDir, "logs"),
		logFile:     filepath.Join(configDir, "logs", "brainbox.log"),
		settleDelay: 500 * time.Millisecond,
		logger:      log.WithFields(zap.String("component", "daemon")),
	}
}

// LogFile returns the daemon log path.
func (m *Manager) LogFile() string {
	return m.logFile
}

// Start launches the daemon detached from the caller's session, verifies it
// survives its first moments, and records the pid file.
func (m *Manager) Start(host string, port int) (*Status, error) {
	if st := m.Status(); st.Running {
		return nil, fmt.Errorf("pid %d at %s: %w", st.PID, st.URL(), ErrAlreadyRunning)
	}
	_ = os.Remove(m.pidFile)

	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	argv, err := m.argv(host, port)
	if err != nil {
		return nil, err
	}

	logf, err := os.OpenFile(m.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	banner := strings.Repeat("=", 80)
	fmt.Fprintf(logf, "\n%s\nStarting daemon at %s\nCommand: %s\n%s\n\n",
		banner, time.Now().UTC().Format(time.RFC3339), strings.Join(argv, " "), banner)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logf.Close()
		return nil, fmt.Errorf("start daemon: %w", err)
	}
	logf.Close()

	// Reap the child if it exits while this process is still around.
	go func() { _ = cmd.Wait() }()

	time.Sleep(m.settleDelay)
	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("daemon exited immediately, check logs at %s", m.logFile)
	}

	startedAt := time.Now().UTC().Format(time.RFC3339)
	content := fmt.Sprintf("%d\n%d\n%s\n%s\n", cmd.Process.Pid, port, host, startedAt)
	if err := os.WriteFile(m.pidFile, []byte(content), 0o644); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("write pid file: %w", err)
	}

	st := &Status{
		Running:   true,
		PID:       cmd.Process.Pid,
		Host:      host,
		Port:      port,
		StartedAt: startedAt,
		LogFile:   m.logFile,
	}
	m.logger.Info("Daemon started",
		zap.Int("pid", st.PID),
		zap.String("url", st.URL()),
		zap.String("log_file", m.logFile))
	return st, nil
}

// Stop terminates the daemon: SIGTERM, a bounded wait, then SIGKILL.
func (m *Manager) Stop(timeout time.Duration) error {
	st := m.Status()
	if !st.Running {
		return ErrNotRunning
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return fmt.Errorf("find daemon %d: %w", st.PID, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if processGone(err) {
			m.cleanupPidFile()
			m.logger.Info("Daemon stopped", zap.Int("pid", st.PID))
			return nil
		}
		return fmt.Errorf("signal daemon %d: %w", st.PID, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if !processAlive(st.PID) {
			m.cleanupPidFile()
			m.logger.Info("Daemon stopped", zap.Int("pid", st.PID), zap.Bool("forced", false))
			return nil
		}
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil && !processGone(err) {
		return fmt.Errorf("kill daemon %d: %w", st.PID, err)
	}
	killDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(killDeadline) && processAlive(st.PID) {
		time.Sleep(100 * time.Millisecond)
	}

	m.cleanupPidFile()
	m.logger.Info("Daemon stopped", zap.Int("pid", st.PID), zap.Bool("forced", true))
	return nil
}

// Status reads the pid file and probes the recorded process. Stale or
// malformed pid files are removed.
func (m *Manager) Status() *Status {
	st := &Status{}
	if _, err := os.Stat(m.logFile); err == nil {
		st.LogFile = m.logFile
	}

	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return st
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 4 {
		m.logger.Debug("Pid file malformed", zap.String("path", m.pidFile))
		m.cleanupPidFile()
		return st
	}
	pid, pidErr := strconv.Atoi(strings.TrimSpace(lines[0]))
	port, portErr := strconv.Atoi(strings.TrimSpace(lines[1]))
	if pidErr != nil || portErr != nil {
		m.logger.Debug("Pid file malformed", zap.String("path", m.pidFile))
		m.cleanupPidFile()
		return st
	}

	if !processAlive(pid) {
		m.cleanupPidFile()
		return st
	}

	st.Running = true
	st.PID = pid
	st.Port = port
	st.Host = strings.TrimSpace(lines[2])
	st.StartedAt = strings.TrimSpace(lines[3])
	if started, err := time.Parse(time.RFC3339, st.StartedAt); err == nil {
		st.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	return st
}

// Restart stops any live daemon, then starts a fresh one.
func (m *Manager) Restart(host string, port int, stopTimeout time.Duration) (*Status, error) {
	if err := m.Stop(stopTimeout); err != nil && !errors.Is(err, ErrNotRunning) {
		return nil, err
	}
	time.Sleep(m.settleDelay)
	return m.Start(host, port)
}

func (m *Manager) argv(host string, port int) ([]string, error) {
	base := m.Command
	if len(base) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		base = []string{exe, "serve"}
	}
	argv := append(append([]string(nil), base...), "--host", host, "--port", strconv.Itoa(port))
	return argv, nil
}

func (m *Manager) cleanupPidFile() {
	if err := os.Remove(m.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Debug("Pid file cleanup failed", zap.Error(err))
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if processGone(err) {
		return false
	}
	// Permission errors mean the pid exists under another user.
	return true
}

func processGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
