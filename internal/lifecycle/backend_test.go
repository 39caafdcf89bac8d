package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/errdefs"
)

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "abc-123./", shellQuote("abc-123./"))
	assert.Equal(t, "user@host", shellQuote("user@host"))
	assert.Equal(t, "'hello world'", shellQuote("hello world"))
	assert.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
	assert.Equal(t, "'a;rm -rf /'", shellQuote("a;rm -rf /"))
	assert.Equal(t, "'$HOME'", shellQuote("$HOME"))
}

func TestShellJoin(t *testing.T) {
	assert.Equal(t, "echo 'hello world'", shellJoin([]string{"echo", "hello world"}))
	assert.Equal(t, "ls -la /tmp", shellJoin([]string{"ls", "-la", "/tmp"}))
	assert.Empty(t, shellJoin(nil))
}

func TestNewBackend(t *testing.T) {
	deps := BackendDeps{Config: &config.Config{}, Logger: newTestLogger(t)}

	t.Run("docker", func(t *testing.T) {
		b, err := NewBackend("docker", deps)
		require.NoError(t, err)
		assert.IsType(t, &DockerBackend{}, b)
	})

	t.Run("utm", func(t *testing.T) {
		b, err := NewBackend("utm", deps)
		require.NoError(t, err)
		assert.IsType(t, &VMBackend{}, b)
	})

	t.Run("unknown kind is rejected", func(t *testing.T) {
		_, err := NewBackend("firecracker", deps)
		require.Error(t, err)
		assert.True(t, errdefs.IsValidation(err))
		assert.Contains(t, err.Error(), "unsupported backend type: firecracker")
	})
}
