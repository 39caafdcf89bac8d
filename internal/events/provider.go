package events

import (
	"fmt"
	"strings"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.Bus
	Memory *bus.MemoryBus
	NATS   *bus.NATSBus
}

// Provide builds the configured event bus: NATS when a broker URL is set,
// the in-process bus otherwise.
func Provide(cfg config.NATSConfig, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := bus.NewNATSBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error {
		memBus.Close()
		return nil
	}, nil
}
