// Package state persists the hub's durable tables as a single JSON
// snapshot and reloads them on startup.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/messages"
	"github.com/brainbox/brainbox/internal/registry"
	"github.com/brainbox/brainbox/internal/router"
)

// TokenTable is the registry surface the store snapshots.
type TokenTable interface {
	ExportTokens() []*registry.Token
	RestoreTokens(tokens []*registry.Token) int
}

// TaskTable is the router surface the store snapshots.
type TaskTable interface {
	ExportTasks() []*router.Task
	RestoreTasks(tasks []*router.Task) int
}

// MessageTable is the fabric surface the store snapshots.
type MessageTable interface {
	Export() (map[string][]*messages.Message, []*messages.LogEntry)
	Restore(pending map[string][]*messages.Message) int
}

// RestoreStats counts what a restore brought back.
type RestoreStats struct {
	Tokens   int
	Tasks    int
	Messages int
}

// Store owns the snapshot file. Table entries are serialized as
// [id, value] pairs so the document stays stable across runs.
type Store struct {
	path     string
	tokens   TokenTable
	tasks    TaskTable
	messages MessageTable
	logger   *logger.Logger
}

// NewStore creates a store writing to path.
func NewStore(path string, tokens TokenTable, tasks TaskTable, msgs MessageTable, log *logger.Logger) *Store {
	return &Store{
		path:     path,
		tokens:   tokens,
		tasks:    tasks,
		messages: msgs,
		logger:   log.WithFields(zap.String("component", "state")),
	}
}

// Path returns the snapshot location.
func (s *Store) Path() string {
	return s.path
}

// Flush gathers the durable tables and writes the snapshot atomically:
// first to a sibling temp file, then renamed over the target. The file is
// owner-only because it carries live tokens.
func (s *Store) Flush() error {
	pending, auditLog := s.messages.Export()
	snap := snapshot{
		FlushedAt: time.Now().UnixMilli(),
		Registry: registryState{
			Tokens: toPairs(s.tokens.ExportTokens(), func(t *registry.Token) string { return t.TokenID }),
		},
		Router: routerState{
			Tasks: toPairs(s.tasks.ExportTasks(), func(t *router.Task) string { return t.ID }),
		},
		Messages: messagesState{
			Pending: pendingPairs(pending),
			Log:     auditLog,
		},
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state snapshot: %w", err)
	}

	s.logger.Debug("State flushed",
		zap.String("path", s.path),
		zap.Int("tokens", len(snap.Registry.Tokens)),
		zap.Int("tasks", len(snap.Router.Tasks)))
	return nil
}

// Restore reads the snapshot and reinstates tokens, then tasks, then
// pending messages, so later tables can validate against earlier ones. A
// missing file is a clean first start. An undecodable file wraps
// errdefs.ErrIntegrityViolation; the caller decides whether to continue
// with empty state.
func (s *Store) Restore() (RestoreStats, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return RestoreStats{}, nil
	}
	if err != nil {
		return RestoreStats{}, fmt.Errorf("read state snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return RestoreStats{}, fmt.Errorf("decode state snapshot %s: %v: %w", s.path, err, errdefs.ErrIntegrityViolation)
	}

	stats := RestoreStats{}
	stats.Tokens = s.tokens.RestoreTokens(fromPairs(snap.Registry.Tokens))
	stats.Tasks = s.tasks.RestoreTasks(fromPairs(snap.Router.Tasks))
	stats.Messages = s.messages.Restore(pendingMap(snap.Messages.Pending))
	return stats, nil
}

type snapshot struct {
	FlushedAt int64         `json:"flushed_at"`
	Registry  registryState `json:"registry"`
	Router    routerState   `json:"router"`
	Messages  messagesState `json:"messages"`
}

type registryState struct {
	Tokens []pair[*registry.Token] `json:"tokens"`
}

type routerState struct {
	Tasks []pair[*router.Task] `json:"tasks"`
}

type messagesState struct {
	Pending []pair[[]*messages.Message] `json:"pending"`
	Log     []*messages.LogEntry        `json:"log"`
}

// pair serializes as the [id, value] array the snapshot format uses for
// table entries.
type pair[T any] struct {
	ID    string
	Value T
}

func (p pair[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.Value})
}

func (p *pair[T]) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Value)
}

func toPairs[T any](items []T, id func(T) string) []pair[T] {
	out := make([]pair[T], len(items))
	for i, item := range items {
		out[i] = pair[T]{ID: id(item), Value: item}
	}
	return out
}

func fromPairs[T any](pairs []pair[T]) []T {
	out := make([]T, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.Value)
	}
	return out
}

// pendingPairs orders the queue map by token id so repeated flushes of the
// same state produce the same document.
func pendingPairs(pending map[string][]*messages.Message) []pair[[]*messages.Message] {
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]pair[[]*messages.Message], len(ids))
	for i, id := range ids {
		out[i] = pair[[]*messages.Message]{ID: id, Value: pending[id]}
	}
	return out
}

func pendingMap(pairs []pair[[]*messages.Message]) map[string][]*messages.Message {
	out := make(map[string][]*messages.Message, len(pairs))
	for _, p := range pairs {
		out[p.ID] = append(out[p.ID], p.Value...)
	}
	return out
}
