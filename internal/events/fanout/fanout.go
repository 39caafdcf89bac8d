// Package fanout delivers serialized event frames to a dynamic set of
// subscribers over bounded queues. A slow subscriber loses frames rather
// than stalling the emitters.
package fanout

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/logger"
)

const defaultQueueSize = 50

// Subscriber is one attached frame consumer.
type Subscriber struct {
	frames chan []byte
	fanout *Fanout
	closed bool
}

// Frames is the subscriber's queue. It is closed when the subscriber
// detaches or the fanout shuts down.
func (s *Subscriber) Frames() <-chan []byte {
	return s.frames
}

// Close detaches the subscriber and closes its queue.
func (s *Subscriber) Close() {
	s.fanout.detach(s)
}

// Fanout broadcasts frames to every subscriber without blocking.
type Fanout struct {
	mu        sync.Mutex
	subs      map[*Subscriber]struct{}
	drops     int
	queueSize int
	logger    *logger.Logger
}

// New creates a fanout. size caps each subscriber queue; zero or negative
// selects the default.
func New(size int, log *logger.Logger) *Fanout {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Fanout{
		subs:      make(map[*Subscriber]struct{}),
		queueSize: size,
		logger:    log.WithFields(zap.String("component", "fanout")),
	}
}

// Subscribe attaches a new consumer.
func (f *Fanout) Subscribe() *Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &Subscriber{frames: make(chan []byte, f.queueSize), fanout: f}
	f.subs[sub] = struct{}{}
	return sub
}

// Count reports how many subscribers are attached.
func (f *Fanout) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Broadcast queues the frame for every subscriber. Full queues drop the
// frame; drops are counted and logged once per fifty.
func (f *Fanout) Broadcast(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs {
		select {
		case sub.frames <- frame:
		default:
			f.drops++
			if f.drops%50 == 1 {
				f.logger.Warn("Subscriber queue full, dropping frames",
					zap.Int("total_drops", f.drops),
					zap.Int("subscribers", len(f.subs)))
			}
		}
	}
}

// HubEvent broadcasts a task transition as a {hub: true, event, data} frame.
func (f *Fanout) HubEvent(event string, data any) {
	f.broadcastJSON(hubFrame{Hub: true, Event: event, Data: data})
}

// Typed broadcasts a notification as a {type, data} frame.
func (f *Fanout) Typed(frameType string, data any) {
	f.broadcastJSON(typedFrame{Type: frameType, Data: data})
}

// Close detaches every subscriber and closes their queues.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs {
		sub.closed = true
		close(sub.frames)
	}
	f.subs = make(map[*Subscriber]struct{})
}

func (f *Fanout) broadcastJSON(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		f.logger.Warn("Frame not serializable", zap.Error(err))
		return
	}
	f.Broadcast(data)
}

func (f *Fanout) detach(sub *Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	delete(f.subs, sub)
	close(sub.frames)
}

type hubFrame struct {
	Hub   bool   `json:"hub"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type typedFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
