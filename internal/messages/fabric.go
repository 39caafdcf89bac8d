// Package messages routes agent-to-agent envelopes through policy checks,
// holds undelivered messages per token, and keeps a capped audit log.
package messages

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/registry"
)

// Envelope is a routing request from a sender agent.
type Envelope struct {
	SenderTokenID string         `json:"sender_token_id"`
	Recipient     string         `json:"recipient"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Message is a routed envelope as delivered to recipients.
type Message struct {
	ID            string         `json:"id"`
	Timestamp     int64          `json:"timestamp"`
	Sender        string         `json:"sender"`
	SenderTokenID string         `json:"sender_token_id"`
	TaskID        string         `json:"task_id"`
	Recipient     string         `json:"recipient"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// LogEntry is one audit record. Rejections carry a reason; deliveries do not.
type LogEntry struct {
	ID            string `json:"id"`
	Timestamp     int64  `json:"timestamp"`
	Sender        string `json:"sender,omitempty"`
	SenderTokenID string `json:"sender_token_id,omitempty"`
	Recipient     string `json:"recipient,omitempty"`
	Type          string `json:"type,omitempty"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// RouteResult is returned on successful delivery.
type RouteResult struct {
	Delivered bool     `json:"delivered"`
	MessageID string   `json:"message_id"`
	Message   *Message `json:"message"`
}

// LogFilter narrows Log output. Zero values match everything.
type LogFilter struct {
	Sender    string
	Recipient string
	Status    string
	Since     int64 // epoch ms, inclusive
}

const (
	statusDelivered = "delivered"
	statusRejected  = "rejected"
)

// Fabric is the message router.
type Fabric struct {
	mu        sync.Mutex
	pending   map[string][]*Message
	log       []*LogEntry
	retention int
	registry  *registry.Registry
	policy    *registry.Policy
	logger    *logger.Logger
}

// New creates a fabric. retention caps the audit log length.
func New(reg *registry.Registry, pol *registry.Policy, retention int, log *logger.Logger) *Fabric {
	if retention <= 0 {
		retention = 1000
	}
	return &Fabric{
		pending:   make(map[string][]*Message),
		retention: retention,
		registry:  reg,
		policy:    pol,
		logger:    log.WithFields(zap.String("component", "messages")),
	}
}

// Route validates the sender token and policy, then enqueues the message for
// every live token of the recipient agent. A recipient of "hub" (or none)
// is audited but not enqueued anywhere.
func (f *Fabric) Route(env Envelope) (*RouteResult, error) {
	var token *registry.Token
	if env.SenderTokenID != "" {
		token, _ = f.registry.ValidateToken(env.SenderTokenID)
	}

	if token == nil {
		f.append(&LogEntry{
			ID:            uuid.New().String(),
			Timestamp:     time.Now().UnixMilli(),
			SenderTokenID: env.SenderTokenID,
			Recipient:     env.Recipient,
			Type:          env.Type,
			Status:        statusRejected,
			Reason:        "invalid_token",
		})
		f.logger.Warn("Message rejected",
			zap.String("reason", "invalid_token"),
			zap.String("recipient", env.Recipient))
		return nil, fmt.Errorf("route message: %w", errdefs.ErrTokenInvalid)
	}

	recipient := env.Recipient
	if recipient == "" {
		recipient = "hub"
	}

	payload := map[string]any{}
	if env.Type != "" {
		payload["type"] = env.Type
	}
	check := f.policy.EvaluateMessage(token.TokenID, recipient, payload)
	if !check.Allowed {
		f.append(&LogEntry{
			ID:            uuid.New().String(),
			Timestamp:     time.Now().UnixMilli(),
			Sender:        token.AgentName,
			SenderTokenID: token.TokenID,
			Recipient:     env.Recipient,
			Type:          env.Type,
			Status:        statusRejected,
			Reason:        check.Reason,
		})
		f.logger.Warn("Message rejected",
			zap.String("reason", check.Reason),
			zap.String("sender", token.AgentName),
			zap.String("recipient", env.Recipient))
		return nil, errdefs.PolicyDenied(check.Reason)
	}

	msg := &Message{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UnixMilli(),
		Sender:        token.AgentName,
		SenderTokenID: token.TokenID,
		TaskID:        token.TaskID,
		Recipient:     recipient,
		Type:          env.Type,
		Payload:       env.Payload,
	}

	if env.Recipient != "" && env.Recipient != "hub" {
		f.mu.Lock()
		for _, rt := range f.registry.TokensForAgent(env.Recipient) {
			f.pending[rt.TokenID] = append(f.pending[rt.TokenID], msg)
		}
		f.mu.Unlock()
	}

	f.append(&LogEntry{
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		Sender:    token.AgentName,
		Recipient: msg.Recipient,
		Type:      env.Type,
		Status:    statusDelivered,
	})
	f.logger.Info("Message routed",
		zap.String("message_id", msg.ID),
		zap.String("sender", token.AgentName),
		zap.String("recipient", msg.Recipient),
		zap.String("type", env.Type))

	return &RouteResult{Delivered: true, MessageID: msg.ID, Message: msg}, nil
}

// Drain returns and removes all pending messages for a token.
func (f *Fabric) Drain(tokenID string) []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs := f.pending[tokenID]
	delete(f.pending, tokenID)
	return msgs
}

// PendingCount reports how many messages are queued for a token.
func (f *Fabric) PendingCount(tokenID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending[tokenID])
}

// Log returns audit entries, oldest first, matching the filter.
func (f *Fabric) Log(filter LogFilter) []*LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*LogEntry, 0, len(f.log))
	for _, e := range f.log {
		if filter.Sender != "" && e.Sender != filter.Sender {
			continue
		}
		if filter.Recipient != "" && e.Recipient != filter.Recipient {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Since > 0 && e.Timestamp < filter.Since {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (f *Fabric) append(entry *LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log = append(f.log, entry)
	if len(f.log) > f.retention {
		trimmed := make([]*LogEntry, f.retention)
		copy(trimmed, f.log[len(f.log)-f.retention:])
		f.log = trimmed
	}
}

// Export returns the pending queues and audit log for the durable snapshot.
func (f *Fabric) Export() (map[string][]*Message, []*LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending := make(map[string][]*Message, len(f.pending))
	for id, msgs := range f.pending {
		pending[id] = append([]*Message(nil), msgs...)
	}
	log := append([]*LogEntry(nil), f.log...)
	return pending, log
}

// Restore loads pending queues from a snapshot. Queues whose token no longer
// validates are dropped. The audit log is never restored; entries from a
// previous run are not actionable and the log rebuilds as traffic flows.
func (f *Fabric) Restore(pending map[string][]*Message) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	restored := 0
	for tokenID, msgs := range pending {
		if len(msgs) == 0 {
			continue
		}
		if _, ok := f.registry.ValidateToken(tokenID); !ok {
			continue
		}
		f.pending[tokenID] = msgs
		restored += len(msgs)
	}
	return restored
}
