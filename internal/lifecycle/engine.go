package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/cosign"
	"github.com/brainbox/brainbox/internal/docker"
)

// Watcher receives session registrations for background health checking.
// The monitor package provides the production implementation.
type Watcher interface {
	Track(name string)
	Untrack(name string)
}

// EngineDeps carries the engine's collaborators. Docker may be nil on hosts
// without a container runtime; provisioning container sessions then fails
// with ErrBackendUnavailable. Nil Secrets and Profiles get sensible
// defaults built from Config. Backends and Images override the standard
// wiring; leave them nil for the built-in docker/utm pair.
type EngineDeps struct {
	Config   *config.Config
	Logger   *logger.Logger
	Docker   *docker.Client
	Verifier *cosign.Verifier
	Secrets  SecretResolver
	Profiles *ProfileResolver
	Runner   CommandRunner
	Backends map[string]Backend
	Images   ImageSource
}

// ImageSource is the slice of the docker client the engine touches
// directly during provision; the container backend owns everything else.
type ImageSource interface {
	UsedPortSource
	ImageDigests(ctx context.Context, ref string) ([]string, error)
}

// Engine owns the session table and drives sessions through their
// lifecycle phases. All state transitions happen here, under the engine
// lock; backends only touch the guest.
type Engine struct {
	cfg      *config.Config
	logger   *logger.Logger
	images   ImageSource
	verifier *cosign.Verifier
	profiles *ProfileResolver
	secrets  SecretResolver

	watcher Watcher

	backends map[string]Backend

	mu       sync.RWMutex
	sessions map[string]*Session
	reserved map[string]bool // names mid-provision, not yet in sessions
}

// NewEngine builds the engine and its backends. The docker backend is only
// available when a docker client is supplied.
func NewEngine(deps EngineDeps) *Engine {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}

	profiles := deps.Profiles
	if profiles == nil {
		profiles = &ProfileResolver{
			Profile:   deps.Config.Profile,
			GuestHome: deps.Config.Session.GuestHome,
			Logger:    log,
		}
	}

	secrets := deps.Secrets
	if secrets == nil {
		secrets = ChainResolver{
			&FileSecretResolver{Path: config.ExpandPath(deps.Config.Session.SecretsFile), Logger: log},
			&EnvSecretResolver{},
		}
	}

	e := &Engine{
		cfg:      deps.Config,
		logger:   log,
		verifier: deps.Verifier,
		profiles: profiles,
		secrets:  secrets,
		backends: make(map[string]Backend),
		sessions: make(map[string]*Session),
		reserved: make(map[string]bool),
	}
	switch {
	case deps.Images != nil:
		e.images = deps.Images
	case deps.Docker != nil:
		e.images = deps.Docker
	}

	if deps.Backends != nil {
		for kind, b := range deps.Backends {
			e.backends[kind] = b
		}
		return e
	}

	bdeps := BackendDeps{
		Config:   deps.Config,
		Logger:   log,
		Docker:   deps.Docker,
		Profiles: profiles,
		Runner:   deps.Runner,
	}
	for _, kind := range []string{"docker", "utm"} {
		if kind == "docker" && deps.Docker == nil {
			continue
		}
		if b, err := NewBackend(kind, bdeps); err == nil {
			e.backends[kind] = b
		}
	}

	return e
}

// SetWatcher installs the monitor registration hook. Install before any
// session reaches the monitoring phase.
func (e *Engine) SetWatcher(w Watcher) {
	e.watcher = w
}

func (e *Engine) backend(kind string) (Backend, error) {
	if b, ok := e.backends[kind]; ok {
		return b, nil
	}
	if kind == "docker" {
		return nil, fmt.Errorf("container runtime not configured: %w", errdefs.ErrBackendUnavailable)
	}
	return nil, errdefs.Validationf("unsupported backend type: %s (supported backends: docker, utm)", kind)
}

func (e *Engine) setState(sess *Session, next SessionState) {
	e.mu.Lock()
	prev := sess.State
	sess.State = next
	e.mu.Unlock()
	e.logger.WithSession(sess.Name).Debug("session state changed",
		zap.String("from", string(prev)), zap.String("to", string(next)))
}

func (e *Engine) sessionsDir() string {
	return filepath.Join(config.ExpandPath(e.cfg.Hub.DataDir), "sessions")
}

// Provision validates the launch spec, allocates ports and mounts, runs the
// image verification gate, and creates the guest. The session enters the
// table only once the backend call succeeds.
func (e *Engine) Provision(ctx context.Context, spec LaunchSpec) (*Session, error) {
	name := spec.SessionName
	if name == "" {
		name = "default"
	}
	if err := ValidateSessionName(name); err != nil {
		return nil, err
	}

	role := spec.Role
	if role == "" {
		role = "developer"
	}
	if err := ValidateRole(role); err != nil {
		return nil, err
	}

	if spec.Port != 0 {
		if err := ValidatePort(spec.Port); err != nil {
			return nil, err
		}
	}

	userMounts, err := ParseVolumeMounts(spec.VolumeMounts)
	if err != nil {
		return nil, err
	}

	backendKind := spec.Backend
	if backendKind == "" {
		backendKind = "docker"
	}
	backend, err := e.backend(backendKind)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, exists := e.sessions[name]; exists || e.reserved[name] {
		e.mu.Unlock()
		return nil, errdefs.Validationf("session %q already exists", name)
	}
	e.reserved[name] = true
	e.mu.Unlock()

	released := false
	release := func() {
		if !released {
			released = true
			e.mu.Lock()
			delete(e.reserved, name)
			e.mu.Unlock()
		}
	}
	defer release()

	ttl := spec.TTL
	if ttl == 0 {
		ttl = e.cfg.Session.DefaultTTLDuration()
	}

	llmProvider := spec.LLMProvider
	if llmProvider == "" {
		llmProvider = e.cfg.LLM.DefaultProvider
	}

	profile := spec.WorkspaceProfile
	if profile == "" {
		profile = e.profiles.getenv("WORKSPACE_PROFILE")
	}

	sess := &Session{
		Name:             name,
		Backend:          backendKind,
		State:            StateProvisioning,
		Role:             role,
		Port:             spec.Port,
		ExtraPorts:       spec.ExtraPorts,
		CreatedAt:        time.Now().UnixMilli(),
		TTL:              int64(ttl.Seconds()),
		Hardened:         spec.Hardened,
		VolumeMounts:     spec.VolumeMounts,
		LLMProvider:      llmProvider,
		LLMModel:         spec.LLMModel,
		OllamaHost:       spec.OllamaHost,
		WorkspaceProfile: profile,
		WorkspaceHome:    spec.WorkspaceHome,
		TokenJSON:        spec.TokenJSON,
		ProfileMounts:    make(map[string]bool),
	}

	var image string
	switch backendKind {
	case "docker":
		sess.ContainerName = e.containerName(role, name)
		image = e.cfg.Docker.Image
		if image == "" {
			image = "brainbox-" + role
		}
		if sess.Port == 0 {
			sess.Port = AllocatePort(ctx, e.cfg.Docker.PortRangeStart, e.images)
		}
		digests, err := e.images.ImageDigests(ctx, image)
		if err != nil {
			return nil, err
		}
		if e.verifier != nil {
			if err := e.verifier.Check(ctx, image, digests); err != nil {
				return nil, err
			}
		}
	case "utm":
		image = spec.VMTemplate
		if image == "" {
			image = e.cfg.VM.DefaultTemplate
		}
		sess.VMTemplate = image
	}

	mounts, err := e.assembleMounts(sess, userMounts)
	if err != nil {
		return nil, err
	}

	if err := backend.Provision(ctx, sess, image, mounts); err != nil {
		return nil, err
	}

	e.mu.Lock()
	delete(e.reserved, name)
	released = true
	e.sessions[name] = sess
	e.mu.Unlock()

	e.logger.WithSession(name).Info("session provisioned",
		zap.String("backend", backendKind),
		zap.String("role", role),
		zap.String("image", image))
	return sess, nil
}

// containerName applies the configured prefix, falling back to the role.
func (e *Engine) containerName(role, name string) string {
	prefix := e.cfg.Docker.ContainerPrefix
	if prefix == "" {
		prefix = role + "-"
	}
	return prefix + name
}

// assembleMounts builds the full mount list: the per-session data directory
// first, then user mounts, then profile credential mounts (container
// sessions only; VM guests receive credentials over SSH instead).
func (e *Engine) assembleMounts(sess *Session, userMounts []VolumeMount) ([]VolumeMount, error) {
	dataDir := filepath.Join(e.sessionsDir(), sess.Name)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session data dir: %w", err)
	}

	guestHome := e.cfg.Session.GuestHome
	if guestHome == "" {
		guestHome = "/home/developer"
	}

	mounts := make([]VolumeMount, 0, len(userMounts)+8)
	mounts = append(mounts, VolumeMount{
		Host:  dataDir,
		Guest: guestHome + "/.claude/projects",
	})
	mounts = append(mounts, userMounts...)

	if sess.Backend == "docker" {
		for _, cm := range e.profiles.CredentialMounts(sess.WorkspaceProfile, sess.WorkspaceHome) {
			mounts = append(mounts, cm.VolumeMount)
			sess.ProfileMounts[cm.Tool] = true
		}
	}
	return mounts, nil
}

// Configure resolves secrets, applies the LLM provider overrides, binds the
// agent token, and delegates guest-side injection to the backend.
func (e *Engine) Configure(ctx context.Context, sess *Session) error {
	backend, err := e.backend(sess.Backend)
	if err != nil {
		return err
	}
	e.setState(sess, StateConfiguring)

	resolved, err := e.secrets.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}

	secrets := make(map[string]string, len(resolved)+5)
	for k, v := range resolved {
		secrets[k] = v
	}

	if sess.LLMProvider == "ollama" {
		host := sess.OllamaHost
		if host == "" {
			host = e.cfg.LLM.OllamaBaseURL
		}
		model := sess.LLMModel
		if model == "" {
			model = e.cfg.LLM.OllamaModel
		}
		secrets["ANTHROPIC_AUTH_TOKEN"] = "ollama"
		secrets["ANTHROPIC_API_KEY"] = ""
		secrets["ANTHROPIC_BASE_URL"] = host
		secrets["CLAUDE_MODEL"] = model
	}

	// The env file is rendered before the agent token joins the secret set:
	// the token is a JSON document and goes into its own file.
	envContent := renderEnvContent(secrets)

	token := sess.TokenJSON
	if token == "" {
		stub, _ := json.Marshal(map[string]any{
			"stub":   true,
			"issued": time.Now().UTC().Format(time.RFC3339),
			"note":   "Use hub API to get a real token",
		})
		token = string(stub)
	}
	secrets["agent-token"] = token

	e.mu.Lock()
	sess.Secrets = secrets
	sess.EnvContent = envContent
	e.mu.Unlock()

	payload := ConfigurePayload{
		Secrets:      secrets,
		EnvContent:   envContent,
		OAuthAccount: e.profiles.OAuthAccount(),
	}

	working := e.cloneLocked(sess)
	if err := backend.Configure(ctx, working, payload); err != nil {
		return err
	}
	e.mu.Lock()
	sess.VMIP = working.VMIP
	e.mu.Unlock()

	e.logger.WithSession(sess.Name).Info("session configured",
		zap.Int("secrets", len(secrets)), zap.Bool("hardened", sess.Hardened))
	return nil
}

// renderEnvContent turns the secret map into export lines in stable order.
func renderEnvContent(secrets map[string]string) string {
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, "export "+k+"="+secrets[k])
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) cloneLocked(sess *Session) *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sess.Clone()
}

// Start brings the guest up and transitions the session to RUNNING.
func (e *Engine) Start(ctx context.Context, sess *Session) error {
	backend, err := e.backend(sess.Backend)
	if err != nil {
		return err
	}
	e.setState(sess, StateStarting)

	working := e.cloneLocked(sess)
	if err := backend.Start(ctx, working); err != nil {
		return err
	}
	e.mu.Lock()
	sess.VMIP = working.VMIP
	e.mu.Unlock()

	e.setState(sess, StateRunning)
	return nil
}

// Monitor registers the session for background health checks.
func (e *Engine) Monitor(ctx context.Context, sess *Session) error {
	e.setState(sess, StateMonitoring)
	if e.watcher != nil {
		e.watcher.Track(sess.Name)
	}
	return nil
}

// Recycle stops and removes the guest, then drops the session from the
// table. Recycling an unknown or already-recycled session is a no-op. If
// guest removal fails the session stays in RECYCLING so a later sweep can
// retry.
func (e *Engine) Recycle(ctx context.Context, sess *Session, reason string) error {
	if sess == nil {
		return nil
	}

	e.mu.Lock()
	current, ok := e.sessions[sess.Name]
	if !ok || current.State == StateRecycled {
		e.mu.Unlock()
		return nil
	}
	current.State = StateRecycling
	e.mu.Unlock()

	slog := e.logger.WithSession(sess.Name)
	slog.Info("recycling session", zap.String("reason", reason))

	if e.watcher != nil {
		e.watcher.Untrack(sess.Name)
	}

	backend, berr := e.backend(current.Backend)
	if berr == nil {
		backend.Stop(ctx, current)
		if err := backend.Remove(ctx, current); err != nil {
			slog.Error("guest removal failed, session stays marked for recycling", zap.Error(err))
			return err
		}
	}

	e.mu.Lock()
	current.State = StateRecycled
	delete(e.sessions, sess.Name)
	e.mu.Unlock()

	slog.Info("session recycled")
	return nil
}

// RecycleByName recycles the named session; unknown names are a no-op.
func (e *Engine) RecycleByName(ctx context.Context, name, reason string) error {
	e.mu.RLock()
	sess, ok := e.sessions[name]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.Recycle(ctx, sess, reason)
}

// MarkRecycling flags a session for teardown without performing it; the
// next sweep completes the recycle. Used by the monitor on TTL expiry.
func (e *Engine) MarkRecycling(name, reason string) {
	e.mu.Lock()
	sess, ok := e.sessions[name]
	if ok && sess.State != StateRecycled {
		sess.State = StateRecycling
	}
	e.mu.Unlock()
	if ok {
		e.logger.WithSession(name).Info("session marked for recycling", zap.String("reason", reason))
	}
}

// RecycleMarked completes the teardown of every session flagged RECYCLING
// and reports how many were recycled.
func (e *Engine) RecycleMarked(ctx context.Context) int {
	e.mu.RLock()
	marked := make([]*Session, 0)
	for _, s := range e.sessions {
		if s.State == StateRecycling {
			marked = append(marked, s)
		}
	}
	e.mu.RUnlock()

	recycled := 0
	for _, s := range marked {
		if err := e.Recycle(ctx, s, "marked for recycling"); err == nil {
			recycled++
		}
	}
	return recycled
}

// RunPipeline takes a session through provision, configure, start, and
// monitor registration. Any phase failure recycles the session best-effort
// and surfaces the phase error.
func (e *Engine) RunPipeline(ctx context.Context, spec LaunchSpec) (*Session, error) {
	sess, err := e.Provision(ctx, spec)
	if err != nil {
		return nil, err
	}

	phases := []struct {
		name string
		fn   func(context.Context, *Session) error
	}{
		{"configure", e.Configure},
		{"start", e.Start},
		{"monitor", e.Monitor},
	}
	for _, phase := range phases {
		if err := phase.fn(ctx, sess); err != nil {
			e.logger.WithSession(sess.Name).Error("session pipeline failed",
				zap.String("phase", phase.name), zap.Error(err))
			if rerr := e.Recycle(ctx, sess, "pipeline failed during "+phase.name); rerr != nil {
				e.logger.WithSession(sess.Name).Warn("pipeline cleanup failed", zap.Error(rerr))
			}
			return nil, fmt.Errorf("%s: %w", phase.name, err)
		}
	}
	return sess, nil
}

// Session returns a copy of the named session.
func (e *Engine) Session(name string) (*Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sess, ok := e.sessions[name]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", name, errdefs.ErrSessionNotFound)
	}
	return sess.Clone(), nil
}

// Sessions returns copies of every tracked session, sorted by name.
func (e *Engine) Sessions() []*Session {
	e.mu.RLock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.Clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SessionState reports the named session's current state, if it exists.
func (e *Engine) SessionState(name string) (SessionState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[name]
	if !ok {
		return "", false
	}
	return s.State, true
}

// Health runs a backend health check for a tracked session. A missing
// session returns ErrSessionNotFound so the monitor can drop it.
func (e *Engine) Health(ctx context.Context, name string) (*HealthReport, error) {
	e.mu.RLock()
	sess, ok := e.sessions[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %q: %w", name, errdefs.ErrSessionNotFound)
	}
	backend, err := e.backend(sess.Backend)
	if err != nil {
		return nil, err
	}
	return backend.Health(ctx, sess)
}

// RecordHealthFailure increments a session's failure counter and returns
// the new count.
func (e *Engine) RecordHealthFailure(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[name]
	if !ok {
		return 0
	}
	sess.HealthFailures++
	return sess.HealthFailures
}

// Expired reports whether the named session has outlived its TTL.
func (e *Engine) Expired(name string, now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sess, ok := e.sessions[name]
	return ok && sess.Expired(now)
}

// Exec runs a command inside a session's guest.
func (e *Engine) Exec(ctx context.Context, name string, cmd []string, opts ExecOptions) (*ExecResult, error) {
	e.mu.RLock()
	sess, ok := e.sessions[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %q: %w", name, errdefs.ErrSessionNotFound)
	}
	backend, err := e.backend(sess.Backend)
	if err != nil {
		return nil, err
	}
	return backend.Exec(ctx, sess, cmd, opts)
}

// SessionsInfo scans every live backend for sessions, including ones
// created by a predecessor process. Per-backend scan failures are logged
// and skipped so one dead backend cannot hide the other's sessions.
func (e *Engine) SessionsInfo(ctx context.Context) ([]SessionInfo, error) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var infos []SessionInfo
	for kind, b := range e.backends {
		g.Go(func() error {
			list, err := b.SessionsInfo(gctx)
			if err != nil {
				e.logger.Warn("session scan failed", zap.String("backend", kind), zap.Error(err))
				return nil
			}
			mu.Lock()
			infos = append(infos, list...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Backend != infos[j].Backend {
			return infos[i].Backend < infos[j].Backend
		}
		return infos[i].Name < infos[j].Name
	})
	return infos, nil
}
