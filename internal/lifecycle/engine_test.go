package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/cosign"
)

// fakeBackend records every call and answers from canned values. The on*
// hooks let tests mutate the session the way real backends do.
type fakeBackend struct {
	mu sync.Mutex

	provisioned     []string
	provisionImage  string
	provisionMounts []VolumeMount
	provisionState  SessionState
	provisionErr    error
	onProvision     func(sess *Session)

	configured       []string
	configurePayload ConfigurePayload
	configureState   SessionState
	configureErr     error
	onConfigure      func(sess *Session)

	started    []string
	startState SessionState
	startErr   error

	stopped []string

	removed   []string
	removeErr error

	healthReport *HealthReport
	healthErr    error

	execResult *ExecResult
	execErr    error

	infos    []SessionInfo
	infosErr error
}

func (f *fakeBackend) Provision(ctx context.Context, sess *Session, image string, mounts []VolumeMount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisioned = append(f.provisioned, sess.Name)
	f.provisionImage = image
	f.provisionMounts = mounts
	f.provisionState = sess.State
	if f.onProvision != nil {
		f.onProvision(sess)
	}
	return f.provisionErr
}

func (f *fakeBackend) Configure(ctx context.Context, sess *Session, payload ConfigurePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = append(f.configured, sess.Name)
	f.configurePayload = payload
	f.configureState = sess.State
	if f.onConfigure != nil {
		f.onConfigure(sess)
	}
	return f.configureErr
}

func (f *fakeBackend) Start(ctx context.Context, sess *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sess.Name)
	f.startState = sess.State
	return f.startErr
}

func (f *fakeBackend) Stop(ctx context.Context, sess *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sess.Name)
	return nil
}

func (f *fakeBackend) Remove(ctx context.Context, sess *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, sess.Name)
	return nil
}

func (f *fakeBackend) Health(ctx context.Context, sess *Session) (*HealthReport, error) {
	return f.healthReport, f.healthErr
}

func (f *fakeBackend) Exec(ctx context.Context, sess *Session, cmd []string, opts ExecOptions) (*ExecResult, error) {
	return f.execResult, f.execErr
}

func (f *fakeBackend) SessionsInfo(ctx context.Context) ([]SessionInfo, error) {
	return f.infos, f.infosErr
}

type fakeImages struct {
	mu         sync.Mutex
	digests    []string
	digestsErr error
	usedPorts  map[int]bool
	requested  string
}

func (f *fakeImages) UsedHostPorts(ctx context.Context) (map[int]bool, error) {
	return f.usedPorts, nil
}

func (f *fakeImages) ImageDigests(ctx context.Context, ref string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = ref
	return f.digests, f.digestsErr
}

type fakeWatcher struct {
	mu        sync.Mutex
	tracked   []string
	untracked []string
}

func (w *fakeWatcher) Track(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked = append(w.tracked, name)
}

func (w *fakeWatcher) Untrack(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.untracked = append(w.untracked, name)
}

func engineTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Hub.DataDir = t.TempDir()
	cfg.Docker.ContainerPrefix = "brainbox-"
	cfg.Docker.PortRangeStart = 7681
	cfg.VM.DefaultTemplate = "brainbox-template"
	cfg.LLM.DefaultProvider = "claude"
	cfg.LLM.OllamaBaseURL = "http://host.docker.internal:11434"
	cfg.LLM.OllamaModel = "qwen2.5-coder"
	cfg.Session.DefaultTTL = 3600
	cfg.Session.GuestHome = "/home/developer"
	return cfg
}

// newTestEngine wires an engine whose backends and image source are fakes.
func newTestEngine(t *testing.T, cfg *config.Config, secrets map[string]string) (*Engine, *fakeBackend, *fakeImages) {
	t.Helper()
	if cfg == nil {
		cfg = engineTestConfig(t)
	}

	fb := &fakeBackend{healthReport: &HealthReport{Backend: "docker", Healthy: true}}
	fi := &fakeImages{digests: []string{"ghcr.io/acme/img@sha256:abc"}, usedPorts: map[int]bool{}}

	e := NewEngine(EngineDeps{
		Config: cfg,
		Logger: newTestLogger(t),
		Secrets: ResolverFunc(func(ctx context.Context) (map[string]string, error) {
			out := make(map[string]string, len(secrets))
			for k, v := range secrets {
				out[k] = v
			}
			return out, nil
		}),
		Profiles: &ProfileResolver{
			Profile:   cfg.Profile,
			GuestHome: cfg.Session.GuestHome,
			HomeDir:   t.TempDir(),
			Environ:   map[string]string{},
			Logger:    newTestLogger(t),
		},
		Backends: map[string]Backend{"docker": fb, "utm": fb},
		Images:   fi,
	})
	return e, fb, fi
}

func TestEngineProvision(t *testing.T) {
	ctx := context.Background()

	t.Run("docker session", func(t *testing.T) {
		cfg := engineTestConfig(t)
		e, fb, fi := newTestEngine(t, cfg, nil)

		sess, err := e.Provision(ctx, LaunchSpec{SessionName: "dev", Backend: "docker"})
		require.NoError(t, err)

		assert.Equal(t, "dev", sess.Name)
		assert.Equal(t, "developer", sess.Role, "role defaults")
		assert.Equal(t, "brainbox-dev", sess.ContainerName)
		assert.Equal(t, 7681, sess.Port)
		assert.Equal(t, int64(3600), sess.TTL)
		assert.Equal(t, StateProvisioning, fb.provisionState)
		assert.Equal(t, "brainbox-developer", fb.provisionImage, "image derives from the role")
		assert.Equal(t, "brainbox-developer", fi.requested)

		require.NotEmpty(t, fb.provisionMounts)
		dataMount := fb.provisionMounts[0]
		assert.Equal(t, filepath.Join(cfg.Hub.DataDir, "sessions", "dev"), dataMount.Host)
		assert.Equal(t, "/home/developer/.claude/projects", dataMount.Guest)
		assert.DirExists(t, dataMount.Host)

		got, err := e.Session("dev")
		require.NoError(t, err)
		assert.Equal(t, StateProvisioning, got.State)
	})

	t.Run("configured image override", func(t *testing.T) {
		cfg := engineTestConfig(t)
		cfg.Docker.Image = "ghcr.io/acme/sandbox:1"
		e, fb, _ := newTestEngine(t, cfg, nil)

		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)
		assert.Equal(t, "ghcr.io/acme/sandbox:1", fb.provisionImage)
	})

	t.Run("allocated port skips used ones", func(t *testing.T) {
		e, _, fi := newTestEngine(t, nil, nil)
		fi.usedPorts = map[int]bool{7681: true, 7682: true}

		sess, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)
		assert.Equal(t, 7683, sess.Port)
	})

	t.Run("explicit port is kept", func(t *testing.T) {
		e, _, _ := newTestEngine(t, nil, nil)

		sess, err := e.Provision(ctx, LaunchSpec{SessionName: "dev", Port: 8100})
		require.NoError(t, err)
		assert.Equal(t, 8100, sess.Port)
	})

	t.Run("user mounts follow the data mount", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)

		_, err := e.Provision(ctx, LaunchSpec{
			SessionName:  "dev",
			VolumeMounts: []string{"/srv/data:/home/developer/data:ro"},
		})
		require.NoError(t, err)
		require.Len(t, fb.provisionMounts, 2)
		assert.Equal(t, VolumeMount{Host: "/srv/data", Guest: "/home/developer/data", ReadOnly: true}, fb.provisionMounts[1])
	})

	t.Run("credential mounts only reach container sessions", func(t *testing.T) {
		cfg := engineTestConfig(t)
		cfg.Profile = config.ProfileConfig{MountAWS: true}
		e, fb, _ := newTestEngine(t, cfg, nil)
		require.NoError(t, os.MkdirAll(filepath.Join(e.profiles.HomeDir, ".aws"), 0o755))

		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev", Backend: "docker"})
		require.NoError(t, err)
		require.Len(t, fb.provisionMounts, 2)
		assert.Equal(t, "/home/developer/.aws", fb.provisionMounts[1].Guest)

		sess, err := e.Session("dev")
		require.NoError(t, err)
		assert.True(t, sess.ProfileMounts["aws"])

		_, err = e.Provision(ctx, LaunchSpec{SessionName: "vm1", Backend: "utm"})
		require.NoError(t, err)
		require.Len(t, fb.provisionMounts, 1, "VM guests receive credentials over SSH, not mounts")
	})

	t.Run("vm template defaults", func(t *testing.T) {
		e, fb, fi := newTestEngine(t, nil, nil)

		sess, err := e.Provision(ctx, LaunchSpec{SessionName: "vm1", Backend: "utm"})
		require.NoError(t, err)
		assert.Equal(t, "brainbox-template", fb.provisionImage)
		assert.Equal(t, "brainbox-template", sess.VMTemplate)
		assert.Empty(t, fi.requested, "VM sessions never hit the image store")
	})

	t.Run("duplicate name", func(t *testing.T) {
		e, _, _ := newTestEngine(t, nil, nil)

		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)
		_, err = e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.Error(t, err)
		assert.True(t, errdefs.IsValidation(err))
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("invalid input", func(t *testing.T) {
		e, _, _ := newTestEngine(t, nil, nil)

		cases := []LaunchSpec{
			{SessionName: "bad.name"},
			{SessionName: "dev", Role: "admin"},
			{SessionName: "dev", Port: 80},
			{SessionName: "dev", VolumeMounts: []string{"relative:/data"}},
			{SessionName: "dev", Backend: "qemu"},
		}
		for _, spec := range cases {
			_, err := e.Provision(ctx, spec)
			assert.True(t, errdefs.IsValidation(err), "spec %+v must be rejected", spec)
		}
	})

	t.Run("failed provision releases the name", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		fb.provisionErr = errors.New("no space left")

		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.Error(t, err)
		_, err = e.Session("dev")
		assert.True(t, errdefs.IsNotFound(err))

		fb.provisionErr = nil
		_, err = e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		assert.NoError(t, err, "the name must be reusable after a failed provision")
	})

	t.Run("image digest failure aborts", func(t *testing.T) {
		e, fb, fi := newTestEngine(t, nil, nil)
		fi.digestsErr = errors.New("no such image")

		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.Error(t, err)
		assert.Empty(t, fb.provisioned)
	})

	t.Run("enforced verification gates provisioning", func(t *testing.T) {
		cfg := engineTestConfig(t)
		cfg.Cosign = config.CosignConfig{Mode: "enforce", Identity: "release@acme", Issuer: "https://accounts.acme.com"}

		e, fb, _ := newTestEngine(t, cfg, nil)
		e.verifier = cosign.NewWithRunner(cfg.Cosign, newTestLogger(t),
			func(ctx context.Context, args []string) (string, string, int, error) {
				return "", "no matching signatures", 1, nil
			})

		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.Error(t, err)
		var verr *errdefs.CosignVerificationError
		assert.ErrorAs(t, err, &verr)
		assert.Empty(t, fb.provisioned)
	})

	t.Run("docker backend unavailable", func(t *testing.T) {
		e, _, _ := newTestEngine(t, nil, nil)
		delete(e.backends, "docker")

		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		assert.ErrorIs(t, err, errdefs.ErrBackendUnavailable)
	})
}

func TestEngineConfigure(t *testing.T) {
	ctx := context.Background()

	t.Run("resolved secrets and token stub", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, map[string]string{"GITHUB_TOKEN": "gh-1"})
		sess, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)

		require.NoError(t, e.Configure(ctx, sess))

		assert.Equal(t, StateConfiguring, fb.configureState)
		payload := fb.configurePayload
		assert.Equal(t, "gh-1", payload.Secrets["GITHUB_TOKEN"])
		assert.Contains(t, payload.Secrets["agent-token"], `"stub":true`)
		assert.Equal(t, "export GITHUB_TOKEN=gh-1", payload.EnvContent,
			"the token never lands in the env file")
	})

	t.Run("supplied token is used verbatim", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		sess, err := e.Provision(ctx, LaunchSpec{SessionName: "dev", TokenJSON: `{"token_id":"t1"}`})
		require.NoError(t, err)

		require.NoError(t, e.Configure(ctx, sess))
		assert.Equal(t, `{"token_id":"t1"}`, fb.configurePayload.Secrets["agent-token"])
	})

	t.Run("ollama provider overlay", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		sess, err := e.Provision(ctx, LaunchSpec{SessionName: "dev", LLMProvider: "ollama"})
		require.NoError(t, err)

		require.NoError(t, e.Configure(ctx, sess))

		p := fb.configurePayload.Secrets
		assert.Equal(t, "ollama", p["ANTHROPIC_AUTH_TOKEN"])
		assert.Equal(t, "http://host.docker.internal:11434", p["ANTHROPIC_BASE_URL"])
		assert.Equal(t, "qwen2.5-coder", p["CLAUDE_MODEL"])
		assert.Contains(t, fb.configurePayload.EnvContent, "export ANTHROPIC_BASE_URL=http://host.docker.internal:11434")
	})

	t.Run("explicit ollama endpoint wins", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		sess, err := e.Provision(ctx, LaunchSpec{
			SessionName: "dev",
			LLMProvider: "ollama",
			LLMModel:    "llama3",
			OllamaHost:  "http://10.0.0.2:11434",
		})
		require.NoError(t, err)

		require.NoError(t, e.Configure(ctx, sess))
		assert.Equal(t, "http://10.0.0.2:11434", fb.configurePayload.Secrets["ANTHROPIC_BASE_URL"])
		assert.Equal(t, "llama3", fb.configurePayload.Secrets["CLAUDE_MODEL"])
	})

	t.Run("resolver failure", func(t *testing.T) {
		e, _, _ := newTestEngine(t, nil, nil)
		e.secrets = ResolverFunc(func(ctx context.Context) (map[string]string, error) {
			return nil, errors.New("vault sealed")
		})
		sess, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)

		err = e.Configure(ctx, sess)
		assert.ErrorContains(t, err, "resolve secrets")
	})

	t.Run("backend discoveries are kept", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		fb.onConfigure = func(sess *Session) { sess.VMIP = "192.168.64.9" }
		sess, err := e.Provision(ctx, LaunchSpec{SessionName: "vm1", Backend: "utm"})
		require.NoError(t, err)

		require.NoError(t, e.Configure(ctx, sess))

		got, err := e.Session("vm1")
		require.NoError(t, err)
		assert.Equal(t, "192.168.64.9", got.VMIP)
	})
}

func TestEngineStartAndMonitor(t *testing.T) {
	ctx := context.Background()
	e, fb, _ := newTestEngine(t, nil, nil)
	w := &fakeWatcher{}
	e.SetWatcher(w)

	sess, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
	require.NoError(t, err)

	require.NoError(t, e.Start(ctx, sess))
	assert.Equal(t, StateStarting, fb.startState)
	state, ok := e.SessionState("dev")
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)

	require.NoError(t, e.Monitor(ctx, sess))
	state, _ = e.SessionState("dev")
	assert.Equal(t, StateMonitoring, state)
	assert.Equal(t, []string{"dev"}, w.tracked)
}

func TestEngineRecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("stops, removes, and drops the session", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		w := &fakeWatcher{}
		e.SetWatcher(w)

		sess, err := e.RunPipeline(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)

		require.NoError(t, e.Recycle(ctx, sess, "user request"))

		assert.Equal(t, []string{"dev"}, fb.stopped)
		assert.Equal(t, []string{"dev"}, fb.removed)
		assert.Equal(t, []string{"dev"}, w.untracked)
		_, err = e.Session("dev")
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("recycling twice is a no-op", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		sess, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)

		require.NoError(t, e.Recycle(ctx, sess, "first"))
		require.NoError(t, e.Recycle(ctx, sess, "second"))
		assert.Len(t, fb.removed, 1)
	})

	t.Run("failed removal leaves the session marked", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		fb.removeErr = errors.New("daemon busy")
		sess, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)

		require.Error(t, e.Recycle(ctx, sess, "ttl"))
		state, ok := e.SessionState("dev")
		require.True(t, ok, "the session must stay tracked for a retry")
		assert.Equal(t, StateRecycling, state)

		fb.removeErr = nil
		assert.Equal(t, 1, e.RecycleMarked(ctx))
		_, err = e.Session("dev")
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("by name", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)

		require.NoError(t, e.RecycleByName(ctx, "dev", "api"))
		assert.Equal(t, []string{"dev"}, fb.removed)
		require.NoError(t, e.RecycleByName(ctx, "ghost", "api"), "unknown names are a no-op")
	})

	t.Run("mark without sweep keeps the guest", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)

		e.MarkRecycling("dev", "ttl expired")
		state, _ := e.SessionState("dev")
		assert.Equal(t, StateRecycling, state)
		assert.Empty(t, fb.removed)

		assert.Equal(t, 1, e.RecycleMarked(ctx))
		assert.Equal(t, []string{"dev"}, fb.removed)
	})
}

func TestEngineRunPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("runs every phase in order", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		w := &fakeWatcher{}
		e.SetWatcher(w)

		sess, err := e.RunPipeline(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)

		assert.Equal(t, StateProvisioning, fb.provisionState)
		assert.Equal(t, StateConfiguring, fb.configureState)
		assert.Equal(t, StateStarting, fb.startState)

		state, _ := e.SessionState(sess.Name)
		assert.Equal(t, StateMonitoring, state)
		assert.Equal(t, []string{"dev"}, w.tracked)
	})

	t.Run("phase failure recycles the session", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		fb.startErr = errors.New("boot loop")

		_, err := e.RunPipeline(ctx, LaunchSpec{SessionName: "dev"})
		require.Error(t, err)
		assert.ErrorContains(t, err, "start")

		assert.Equal(t, []string{"dev"}, fb.removed, "a half-built session must not linger")
		_, serr := e.Session("dev")
		assert.True(t, errdefs.IsNotFound(serr))
	})
}

func TestEngineHealthHelpers(t *testing.T) {
	ctx := context.Background()

	t.Run("health of unknown session", func(t *testing.T) {
		e, _, _ := newTestEngine(t, nil, nil)
		_, err := e.Health(ctx, "ghost")
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("health delegates to the backend", func(t *testing.T) {
		e, fb, _ := newTestEngine(t, nil, nil)
		fb.healthReport = &HealthReport{Backend: "docker", Healthy: true, CPUPercent: 1.5}
		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)

		report, err := e.Health(ctx, "dev")
		require.NoError(t, err)
		assert.True(t, report.Healthy)
		assert.Equal(t, 1.5, report.CPUPercent)
	})

	t.Run("failure counter", func(t *testing.T) {
		e, _, _ := newTestEngine(t, nil, nil)
		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
		require.NoError(t, err)

		assert.Equal(t, 1, e.RecordHealthFailure("dev"))
		assert.Equal(t, 2, e.RecordHealthFailure("dev"))
		assert.Equal(t, 0, e.RecordHealthFailure("ghost"))
	})

	t.Run("ttl expiry", func(t *testing.T) {
		e, _, _ := newTestEngine(t, nil, nil)
		_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev", TTL: time.Second})
		require.NoError(t, err)

		assert.False(t, e.Expired("dev", time.Now()))
		assert.True(t, e.Expired("dev", time.Now().Add(2*time.Second)))
		assert.False(t, e.Expired("ghost", time.Now().Add(time.Hour)))
	})
}

func TestEngineExec(t *testing.T) {
	ctx := context.Background()
	e, fb, _ := newTestEngine(t, nil, nil)
	fb.execResult = &ExecResult{ExitCode: 0, Output: "ok\n"}
	_, err := e.Provision(ctx, LaunchSpec{SessionName: "dev"})
	require.NoError(t, err)

	res, err := e.Exec(ctx, "dev", []string{"echo", "ok"}, ExecOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "ok\n", res.Output)

	_, err = e.Exec(ctx, "ghost", []string{"true"}, ExecOptions{})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestEngineSessions(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, nil, nil)
	_, err := e.Provision(ctx, LaunchSpec{SessionName: "beta"})
	require.NoError(t, err)
	_, err = e.Provision(ctx, LaunchSpec{SessionName: "alpha"})
	require.NoError(t, err)

	sessions := e.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "alpha", sessions[0].Name)
	assert.Equal(t, "beta", sessions[1].Name)

	// Returned sessions are copies; mutating one must not touch the table.
	sessions[0].Role = "performer"
	got, err := e.Session("alpha")
	require.NoError(t, err)
	assert.Equal(t, "developer", got.Role)
}

func TestEngineSessionsInfo(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, nil, nil)

	dockerScan := &fakeBackend{infos: []SessionInfo{{Backend: "docker", Name: "brainbox-b"}, {Backend: "docker", Name: "brainbox-a"}}}
	vmScan := &fakeBackend{infos: []SessionInfo{{Backend: "utm", Name: "brainbox-vm"}}}
	e.backends = map[string]Backend{"docker": dockerScan, "utm": vmScan}

	infos, err := e.SessionsInfo(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "brainbox-a", infos[0].Name)
	assert.Equal(t, "brainbox-b", infos[1].Name)
	assert.Equal(t, "brainbox-vm", infos[2].Name)

	t.Run("one failing backend does not hide the other", func(t *testing.T) {
		dockerScan.infosErr = errors.New("daemon down")
		infos, err := e.SessionsInfo(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "utm", infos[0].Backend)
	})
}
