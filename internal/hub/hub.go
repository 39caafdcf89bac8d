// Package hub is the orchestrator's composition root. It owns the wiring
// between the lifecycle engine, task router, message fabric, command
// channel, and persistence, runs their shared background work (periodic
// state flushes, orphan sweeps, the container event watcher), and exposes
// the operations outer surfaces call.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brainbox/brainbox/internal/bridge"
	"github.com/brainbox/brainbox/internal/channel"
	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/docker"
	"github.com/brainbox/brainbox/internal/events"
	"github.com/brainbox/brainbox/internal/events/bus"
	"github.com/brainbox/brainbox/internal/events/fanout"
	"github.com/brainbox/brainbox/internal/lifecycle"
	"github.com/brainbox/brainbox/internal/messages"
	"github.com/brainbox/brainbox/internal/monitor"
	"github.com/brainbox/brainbox/internal/registry"
	"github.com/brainbox/brainbox/internal/router"
	"github.com/brainbox/brainbox/internal/state"
)

// eventRestartDelay spaces out container event stream reconnects.
const eventRestartDelay = time.Second

// Deps carries the hub's collaborators, all constructed by the caller.
// Docker may be nil; the container event watcher then stays off.
type Deps struct {
	Config   *config.Config
	Logger   *logger.Logger
	Bus      bus.Bus
	Docker   *docker.Client
	Engine   *lifecycle.Engine
	Monitor  *monitor.Monitor
	Registry *registry.Registry
	Fabric   *messages.Fabric
	Router   *router.Router
	Channel  *channel.Channel
	Bridge   *bridge.Bridge
	Store    *state.Store
	Stream   *fanout.Fanout
}

// Hub ties the orchestrator's components together. Components stay usable
// on their own; the hub only adds the cross-component wiring and the
// background loops that keep the tables consistent and durable.
type Hub struct {
	cfg      *config.Config
	logger   *logger.Logger
	bus      bus.Bus
	docker   *docker.Client
	engine   *lifecycle.Engine
	monitor  *monitor.Monitor
	registry *registry.Registry
	fabric   *messages.Fabric
	router   *router.Router
	channel  *channel.Channel
	bridge   *bridge.Bridge
	store    *state.Store
	stream   *fanout.Fanout

	mu          sync.Mutex
	initialized bool
	closed      bool
	cancel      context.CancelFunc
	loops       *errgroup.Group
	subs        []bus.Subscription
}

// New creates a hub from already-wired components. Call Init before use.
func New(deps Deps) *Hub {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		cfg:      deps.Config,
		logger:   log.WithFields(zap.String("component", "hub")),
		bus:      deps.Bus,
		docker:   deps.Docker,
		engine:   deps.Engine,
		monitor:  deps.Monitor,
		registry: deps.Registry,
		fabric:   deps.Fabric,
		router:   deps.Router,
		channel:  deps.Channel,
		bridge:   deps.Bridge,
		store:    deps.Store,
		stream:   deps.Stream,
	}
}

// Init loads the agent catalog, restores durable state, wires task events
// and channel subjects, and starts the background loops under ctx. Calling
// Init on an initialized hub is a no-op.
func (h *Hub) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("hub is shut down")
	}
	if h.initialized {
		return nil
	}

	agents := h.registry.LoadAgents(config.ExpandPath(h.cfg.Hub.AgentsDir))

	stats, err := h.store.Restore()
	switch {
	case err != nil:
		// A corrupt snapshot must not keep the orchestrator down. The
		// tables start empty and the next flush replaces the file.
		h.logger.Error("State restore failed, starting empty", zap.Error(err))
	case stats.Tokens+stats.Tasks+stats.Messages > 0:
		h.logger.Info("State restored",
			zap.Int("tokens", stats.Tokens),
			zap.Int("tasks", stats.Tasks),
			zap.Int("messages", stats.Messages))
	}

	h.router.SetCommander(h.channel)
	h.router.OnEvent(h.forwardTaskEvent)

	if err := h.subscribeKinds(); err != nil {
		for _, sub := range h.subs {
			sub.Unsubscribe()
		}
		h.subs = nil
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.loops = new(errgroup.Group)
	h.loops.Go(func() error {
		h.flushLoop(loopCtx)
		return nil
	})
	h.loops.Go(func() error {
		h.orphanLoop(loopCtx)
		return nil
	})
	if h.docker != nil {
		h.loops.Go(func() error {
			h.watchContainerEvents(loopCtx)
			return nil
		})
	}

	h.initialized = true
	h.logger.Info("Hub initialized",
		zap.Int("agents", agents),
		zap.String("state_file", h.store.Path()))
	return nil
}

// Shutdown stops the background loops, detaches from the channel, flushes
// state one last time, and closes the monitor, stream, and bus. Safe to
// call repeatedly; ctx bounds the wait for the loops.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if !h.initialized {
		return nil
	}

	h.cancel()
	done := make(chan struct{})
	go func() {
		h.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("Background loops did not stop in time")
	}

	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Debug("Channel unsubscribe failed", zap.Error(err))
		}
	}
	h.subs = nil

	var err error
	if ferr := h.store.Flush(); ferr != nil {
		err = fmt.Errorf("final state flush: %w", ferr)
		h.logger.Error("Final state flush failed", zap.Error(ferr))
	}

	h.monitor.Close()
	h.stream.Close()
	h.bus.Close()

	h.logger.Info("Hub shut down")
	return err
}

// Flush writes the state snapshot now, outside the periodic schedule.
func (h *Hub) Flush() error {
	return h.store.Flush()
}

// Subscribe attaches a stream subscriber receiving every hub frame.
func (h *Hub) Subscribe() *fanout.Subscriber {
	return h.stream.Subscribe()
}

// flushLoop persists the durable tables on the configured interval.
func (h *Hub) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Hub.FlushIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.store.Flush(); err != nil {
				h.logger.Warn("Periodic state flush failed", zap.Error(err))
			}
		}
	}
}

// orphanLoop reconciles the tables with the guests that actually exist:
// running tasks whose session vanished are failed, and sessions flagged
// for recycling are torn down.
func (h *Hub) orphanLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Hub.OrphanIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Hub) sweep(ctx context.Context) {
	if failed := h.router.CheckRunningTasks(ctx); failed > 0 {
		h.logger.Info("Orphaned tasks failed", zap.Int("count", failed))
	}
	if recycled := h.engine.RecycleMarked(ctx); recycled > 0 {
		h.logger.Info("Flagged sessions recycled", zap.Int("count", recycled))
	}
}

// watchContainerEvents streams daemon events for managed containers into
// the stream, restarting the watch when the daemon stream dies.
func (h *Hub) watchContainerEvents(ctx context.Context) {
	labels := map[string]string{"brainbox.managed": "true"}
	for {
		stream, errs := h.docker.WatchEvents(ctx, labels)
		h.consumeContainerEvents(ctx, stream, errs)

		select {
		case <-ctx.Done():
			return
		case <-time.After(eventRestartDelay):
		}
	}
}

func (h *Hub) consumeContainerEvents(ctx context.Context, stream <-chan docker.ContainerEvent, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if err != nil {
				h.logger.Warn("Container event stream failed", zap.Error(err))
			}
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if !events.WatchedContainerAction(ev.Action) {
				continue
			}
			h.stream.Typed(events.TypeContainerEvent, map[string]any{
				"action": ev.Action,
				"name":   ev.Name,
				"labels": ev.Attributes,
			})
		}
	}
}
