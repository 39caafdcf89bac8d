package lifecycle

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/docker"
)

// ConfigurePayload carries the material the configure phase injects into a
// guest.
type ConfigurePayload struct {
	Secrets      map[string]string
	EnvContent   string
	OAuthAccount map[string]any
}

// ExecOptions control command execution inside a guest.
type ExecOptions struct {
	User    string
	Detach  bool
	Timeout time.Duration // SSH execs only, zero selects the backend default
}

// Backend runs sessions on one isolation technology. Backends fill in the
// session fields they own (allocated ports, VM paths, discovered addresses)
// but never change State; transitions belong to the engine.
type Backend interface {
	// Provision creates the guest: a container from an image, or a VM cloned
	// from a template.
	Provision(ctx context.Context, sess *Session, image string, mounts []VolumeMount) error

	// Configure injects secrets and configuration into the guest.
	Configure(ctx context.Context, sess *Session, payload ConfigurePayload) error

	// Start boots the guest and brings up its access path.
	Start(ctx context.Context, sess *Session) error

	// Stop halts the guest without removing it.
	Stop(ctx context.Context, sess *Session) error

	// Remove deletes the guest.
	Remove(ctx context.Context, sess *Session) error

	// Health checks guest liveness and collects metrics.
	Health(ctx context.Context, sess *Session) (*HealthReport, error)

	// Exec runs a command inside the guest.
	Exec(ctx context.Context, sess *Session, cmd []string, opts ExecOptions) (*ExecResult, error)

	// SessionsInfo scans the host for every session this process or a
	// predecessor created.
	SessionsInfo(ctx context.Context) ([]SessionInfo, error)
}

// BackendDeps holds the shared dependencies backend adapters draw from.
type BackendDeps struct {
	Config   *config.Config
	Logger   *logger.Logger
	Docker   *docker.Client
	Profiles *ProfileResolver
	Runner   CommandRunner
}

// NewBackend builds the adapter for a backend kind.
func NewBackend(kind string, deps BackendDeps) (Backend, error) {
	switch kind {
	case "docker":
		return NewDockerBackend(deps.Docker, deps.Config, deps.Profiles, deps.Logger), nil
	case "utm":
		return NewVMBackend(deps.Config, deps.Docker, deps.Runner, deps.Logger), nil
	default:
		return nil, errdefs.Validationf("unsupported backend type: %s (supported backends: docker, utm)", kind)
	}
}

var shellSafeRe = regexp.MustCompile(`^[a-zA-Z0-9_@%+=:,./-]+$`)

// shellQuote returns a string safe to embed in an sh -c command line.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafeRe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// shellJoin quotes and joins an argv for execution through a shell.
func shellJoin(args []string) string {
	quoted := make([]string, 0, len(args))
	for _, arg := range args {
		quoted = append(quoted, shellQuote(arg))
	}
	return strings.Join(quoted, " ")
}
