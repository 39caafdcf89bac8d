// Package channel carries work items and agent feedback between the
// orchestrator and in-session agents. Each session owns a family of bus
// subjects named <prefix>.<session>.<kind>; the kinds are defined in
// pkg/wire.
package channel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/events/bus"
	"github.com/brainbox/brainbox/pkg/wire"
)

const defaultPrefix = "brainbox"

// Handler processes one payload received from a session subject. Session
// identity travels inside the payload (task_id), not the subject.
type Handler func(ctx context.Context, payload map[string]any) error

// Channel is the session messaging layer on top of the event bus. It works
// identically over NATS and the in-memory bus.
type Channel struct {
	bus     bus.Bus
	prefix  string
	timeout time.Duration
	logger  *logger.Logger
}

// New creates a channel over the given bus.
func New(b bus.Bus, cfg config.ChannelConfig, log *logger.Logger) *Channel {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Channel{
		bus:     b,
		prefix:  prefix,
		timeout: cfg.CommandTimeoutDuration(),
		logger:  log.WithFields(zap.String("component", "channel")),
	}
}

// Subject returns the full subject for one session and kind.
func (c *Channel) Subject(sessionName, kind string) string {
	return c.prefix + "." + sessionName + "." + kind
}

// PublishCommand delivers a command to a session's command subject,
// fire-and-forget.
func (c *Channel) PublishCommand(ctx context.Context, sessionName string, payload map[string]any) error {
	subject := c.Subject(sessionName, wire.KindCommands)
	if err := c.bus.Publish(ctx, subject, bus.NewEvent("command", "hub", payload)); err != nil {
		return fmt.Errorf("publish command to %s: %w", sessionName, err)
	}
	c.logger.Debug("Command published",
		zap.String("subject", subject),
		zap.Any("command", payload["command"]))
	return nil
}

// SendCommand delivers a command and waits for the session's reply. A zero
// timeout falls back to the configured default; expiry surfaces as
// errdefs.ErrTimeout.
func (c *Channel) SendCommand(ctx context.Context, sessionName string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	subject := c.Subject(sessionName, wire.KindCommands)
	reply, err := c.bus.Request(ctx, subject, bus.NewEvent("command", "hub", payload), timeout)
	if err != nil {
		return nil, fmt.Errorf("command to %s: %w", sessionName, err)
	}
	return reply.Data, nil
}

// SubscribeKind registers a handler for one payload kind across every
// session, on <prefix>.*.<kind>. Handler errors are logged by the bus.
func (c *Channel) SubscribeKind(kind string, handler Handler) (bus.Subscription, error) {
	subject := c.prefix + ".*." + kind
	sub, err := c.bus.Subscribe(subject, func(ctx context.Context, evt *bus.Event) error {
		return handler(ctx, evt.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	c.logger.Debug("Listening for session payloads", zap.String("subject", subject))
	return sub, nil
}

// IsConnected reports whether the underlying bus can deliver.
func (c *Channel) IsConnected() bool {
	return c.bus.IsConnected()
}
