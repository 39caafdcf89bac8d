// Package registry holds the agent catalog and the bearer tokens issued for
// tasks. Definitions load once from a directory at startup; tokens are
// issued per task with the agent's capability set and a fixed expiry.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
)

// AgentDefinition is the declarative record describing an agent: which image
// (or VM template) it runs in and what it is allowed to do.
type AgentDefinition struct {
	Name         string         `json:"name" yaml:"name"`
	Image        string         `json:"image" yaml:"image"`
	Template     string         `json:"template,omitempty" yaml:"template,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Hardened     bool           `json:"hardened,omitempty" yaml:"hardened,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Token is a bearer credential scoped to one task.
type Token struct {
	TokenID      string   `json:"token_id"`
	AgentName    string   `json:"agent_name"`
	TaskID       string   `json:"task_id"`
	Capabilities []string `json:"capabilities"`
	Issued       int64    `json:"issued"` // epoch ms
	Expiry       int64    `json:"expiry"` // epoch ms
}

// HasCapability reports whether the token carries the named capability.
func (t *Token) HasCapability(cap string) bool {
	for _, c := range t.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

const (
	sweepInterval  = 60 * time.Second
	sweepThreshold = 100
)

// Registry owns the agent and token tables.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*AgentDefinition
	tokens    map[string]*Token
	lastSweep time.Time
	logger    *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*AgentDefinition),
		tokens: make(map[string]*Token),
		logger: log.WithFields(zap.String("component", "registry")),
	}
}

// LoadAgents replaces the agent table with the definitions found in dir.
// Files are processed in name order; JSON and YAML are both accepted.
// World-writable files are logged and have the world-write bit stripped
// before reading. Malformed files are skipped, not fatal.
func (r *Registry) LoadAgents(dir string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make(map[string]*AgentDefinition)

	entries, err := os.ReadDir(dir)
	if err != nil {
		r.logger.Warn("Agents directory not readable",
			zap.String("dir", dir),
			zap.Error(err))
		return 0
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)

		info, err := os.Stat(path)
		if err != nil {
			r.logger.Warn("Failed to stat agent file", zap.String("file", name), zap.Error(err))
			continue
		}
		if mode := info.Mode().Perm(); mode&0o002 != 0 {
			r.logger.Warn("Agent file is world-writable, stripping",
				zap.String("file", name),
				zap.String("mode", fmt.Sprintf("%#o", mode)))
			if err := os.Chmod(path, mode&^0o002); err != nil {
				r.logger.Warn("Failed to restrict agent file", zap.String("file", name), zap.Error(err))
			}
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("Failed to read agent file", zap.String("file", name), zap.Error(err))
			continue
		}

		var def AgentDefinition
		if strings.ToLower(filepath.Ext(name)) == ".json" {
			err = json.Unmarshal(raw, &def)
		} else {
			err = yaml.Unmarshal(raw, &def)
		}
		if err != nil {
			r.logger.Warn("Failed to parse agent file", zap.String("file", name), zap.Error(err))
			continue
		}

		if def.Name == "" || def.Image == "" {
			r.logger.Warn("Agent file missing required fields",
				zap.String("file", name),
				zap.Bool("has_name", def.Name != ""),
				zap.Bool("has_image", def.Image != ""))
			continue
		}

		r.agents[def.Name] = &def
		r.logger.Info("Loaded agent definition",
			zap.String("agent", def.Name),
			zap.String("file", name))
	}

	return len(r.agents)
}

// Agent returns the definition for name, if registered.
func (r *Registry) Agent(name string) (*AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	return def, ok
}

// Agents returns all definitions sorted by name.
func (r *Registry) Agents() []*AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentDefinition, 0, len(r.agents))
	for _, def := range r.agents {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IssueToken mints a token for a task, copying the agent's capability set.
func (r *Registry) IssueToken(agentName, taskID string, ttl time.Duration) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentName]
	if !ok {
		return nil, errdefs.Validationf("agent %q not registered", agentName)
	}

	now := time.Now().UnixMilli()
	token := &Token{
		TokenID:      uuid.New().String(),
		AgentName:    agentName,
		TaskID:       taskID,
		Capabilities: append([]string(nil), agent.Capabilities...),
		Issued:       now,
		Expiry:       now + ttl.Milliseconds(),
	}
	r.tokens[token.TokenID] = token

	r.logger.Info("Issued token",
		zap.String("token_id", token.TokenID),
		zap.String("agent", agentName),
		zap.String("task_id", taskID),
		zap.Duration("ttl", ttl))

	r.maybeSweepLocked()
	return token, nil
}

// ValidateToken returns the token iff it exists and has not expired.
// Expired entries are evicted on lookup.
func (r *Registry) ValidateToken(tokenID string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[tokenID]
	if !ok {
		return nil, false
	}
	if time.Now().UnixMilli() > token.Expiry {
		delete(r.tokens, tokenID)
		return nil, false
	}
	return token, true
}

// RevokeToken removes a token. Revoking an absent token is a no-op; the
// return value reports whether it existed.
func (r *Registry) RevokeToken(tokenID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.tokens[tokenID]
	delete(r.tokens, tokenID)
	if existed {
		r.logger.Info("Revoked token", zap.String("token_id", tokenID))
	}
	return existed
}

// TokensForAgent returns the live tokens currently held by an agent.
func (r *Registry) TokensForAgent(agentName string) []*Token {
	now := time.Now().UnixMilli()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Token
	for _, t := range r.tokens {
		if t.AgentName == agentName && now <= t.Expiry {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Issued < out[j].Issued })
	return out
}

// ListTokens returns all tokens, sweeping expired entries first when the
// table is large or the last sweep is stale.
func (r *Registry) ListTokens() []*Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.maybeSweepLocked()

	out := make([]*Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	return out
}

func (r *Registry) maybeSweepLocked() {
	if time.Since(r.lastSweep) <= sweepInterval && len(r.tokens) <= sweepThreshold {
		return
	}
	now := time.Now().UnixMilli()
	removed := 0
	for id, t := range r.tokens {
		if now > t.Expiry {
			delete(r.tokens, id)
			removed++
		}
	}
	r.lastSweep = time.Now()
	if removed > 0 {
		r.logger.Debug("Swept expired tokens", zap.Int("removed", removed))
	}
}

// ExportTokens returns the token table for the durable snapshot.
func (r *Registry) ExportTokens() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// RestoreTokens loads tokens from a snapshot, dropping any already expired.
func (r *Registry) RestoreTokens(tokens []*Token) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixMilli()
	restored := 0
	for _, t := range tokens {
		if t == nil || t.TokenID == "" {
			continue
		}
		if now > t.Expiry {
			continue
		}
		r.tokens[t.TokenID] = t
		restored++
	}
	return restored
}
