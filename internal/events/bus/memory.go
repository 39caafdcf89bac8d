package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
)

// MemoryBus implements Bus in-process. Dispatch is synchronous, so events
// reach each handler in publish order.
type MemoryBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler Handler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// IsValid reports whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) matchesSubject(subject string) bool {
	if s.pattern == nil {
		return subject == s.subject
	}
	return s.pattern.MatchString(subject)
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish delivers the event to every matching subscription, in order.
func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}

	var targets []*memorySubscription
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if sub.matchesSubject(subject) && sub.IsValid() {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.RUnlock()

	// Handlers run outside the bus lock so they can subscribe or publish.
	for _, sub := range targets {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Request emulates NATS request/reply: subscribe a throwaway inbox, stamp
// its subject into the event data, publish, and wait.
func (b *MemoryBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_INBOX.%s", event.ID)
	responseChan := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		select {
		case responseChan <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create reply subscription: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if event.Data == nil {
		event.Data = make(map[string]any)
	}
	event.Data[replyKey] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request to %s after %v: %w", subject, timeout, errdefs.ErrTimeout)
	}
}

// Close deactivates every subscription.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)

	b.logger.Info("Memory bus closed")
}

// IsConnected reports whether the bus accepts traffic.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// compilePattern converts a NATS-style pattern to an anchored regexp.
// * matches a single atom, a trailing > matches one or more atoms.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	atoms := strings.Split(pattern, ".")
	parts := make([]string, 0, len(atoms))
	for i, atom := range atoms {
		switch {
		case atom == "*":
			parts = append(parts, `[^.]+`)
		case atom == ">" && i == len(atoms)-1:
			parts = append(parts, `.+`)
		default:
			parts = append(parts, regexp.QuoteMeta(atom))
		}
	}

	regex, err := regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
	if err != nil {
		return nil
	}
	return regex
}
