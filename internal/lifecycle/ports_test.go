package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func portSource(ports ...int) UsedPortFunc {
	return func(context.Context) (map[int]bool, error) {
		used := make(map[int]bool, len(ports))
		for _, p := range ports {
			used[p] = true
		}
		return used, nil
	}
}

func failingPortSource() UsedPortFunc {
	return func(context.Context) (map[int]bool, error) {
		return nil, errors.New("daemon unreachable")
	}
}

func TestAllocatePort(t *testing.T) {
	ctx := context.Background()

	t.Run("returns start when free", func(t *testing.T) {
		assert.Equal(t, 7681, AllocatePort(ctx, 7681, portSource()))
	})

	t.Run("skips used ports", func(t *testing.T) {
		assert.Equal(t, 7684, AllocatePort(ctx, 7681, portSource(7681, 7682, 7683)))
	})

	t.Run("gap in the range is taken", func(t *testing.T) {
		assert.Equal(t, 7682, AllocatePort(ctx, 7681, portSource(7681, 7683)))
	})

	t.Run("source failure falls back to start", func(t *testing.T) {
		assert.Equal(t, 7681, AllocatePort(ctx, 7681, failingPortSource()))
	})

	t.Run("nil source falls back to start", func(t *testing.T) {
		assert.Equal(t, 7681, AllocatePort(ctx, 7681, nil))
	})
}

func TestAllocatePortAcross(t *testing.T) {
	ctx := context.Background()

	t.Run("merges sources", func(t *testing.T) {
		got := AllocatePortAcross(ctx, 2200, portSource(2200), portSource(2201))
		assert.Equal(t, 2202, got)
	})

	t.Run("failed source is skipped, not fatal", func(t *testing.T) {
		got := AllocatePortAcross(ctx, 2200, failingPortSource(), portSource(2200))
		assert.Equal(t, 2201, got)
	})

	t.Run("nil sources are skipped", func(t *testing.T) {
		got := AllocatePortAcross(ctx, 2200, nil, portSource(2200))
		assert.Equal(t, 2201, got)
	})

	t.Run("no sources returns start", func(t *testing.T) {
		assert.Equal(t, 2200, AllocatePortAcross(ctx, 2200))
	})
}
