package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
)

// ContainerEvent is one daemon lifecycle event for a managed container.
type ContainerEvent struct {
	Action      string
	ContainerID string
	Name        string
	Attributes  map[string]string
	TimeNano    int64
}

// WatchEvents streams daemon events for containers carrying the given
// labels until the context is cancelled or the daemon stream errors. The
// error channel receives at most one error; callers restart the watch.
func (c *Client) WatchEvents(ctx context.Context, labels map[string]string) (<-chan ContainerEvent, <-chan error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("type", "container")
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	out := make(chan ContainerEvent)
	errs := make(chan error, 1)

	msgCh, errCh := c.cli.Events(ctx, events.ListOptions{Filters: filterArgs})

	go func() {
		defer close(out)
		for {
			select {
			case msg := <-msgCh:
				ev := ContainerEvent{
					Action:      string(msg.Action),
					ContainerID: msg.Actor.ID,
					Attributes:  msg.Actor.Attributes,
					TimeNano:    msg.TimeNano,
				}
				if msg.Actor.Attributes != nil {
					ev.Name = msg.Actor.Attributes["name"]
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case err := <-errCh:
				if err != nil {
					errs <- fmt.Errorf("docker event stream: %w", err)
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errs
}
