package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/docker"
)

// DockerBackend runs sessions as Docker containers.
type DockerBackend struct {
	client   *docker.Client
	cfg      *config.Config
	profiles *ProfileResolver
	logger   *logger.Logger
}

// NewDockerBackend wires the container backend.
func NewDockerBackend(client *docker.Client, cfg *config.Config, profiles *ProfileResolver, log *logger.Logger) *DockerBackend {
	return &DockerBackend{client: client, cfg: cfg, profiles: profiles, logger: log}
}

func (b *DockerBackend) slog(sess *Session) *logger.Logger {
	return b.logger.WithSession(sess.Name).WithFields(zap.String("container", sess.ContainerName))
}

func (b *DockerBackend) guestHome() string {
	if b.cfg.Session.GuestHome != "" {
		return b.cfg.Session.GuestHome
	}
	return "/home/developer"
}

// containerPrefix is prepended to session names to form container names.
// With no configured prefix the role stands in, so a developer session
// "default" becomes "developer-default".
func (b *DockerBackend) containerPrefix(role string) string {
	if b.cfg.Docker.ContainerPrefix != "" {
		return b.cfg.Docker.ContainerPrefix
	}
	return role + "-"
}

// hardeningOptions returns the reduced-privilege settings applied to
// hardened session containers. /run stays writable so secret files and the
// profile env can land there.
func hardeningOptions() *docker.HardeningOptions {
	return &docker.HardeningOptions{
		ReadOnlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=512m",
			"/run": "rw,nosuid,size=64m",
		},
		PidsLimit: 512,
	}
}

// Provision creates the session container. The image must already exist
// locally; pulling is the operator's job.
func (b *DockerBackend) Provision(ctx context.Context, sess *Session, image string, mounts []VolumeMount) error {
	slog := b.slog(sess)

	if _, err := b.client.ImageDigests(ctx, image); err != nil {
		slog.Error("session provision failed", zap.Error(err))
		return err
	}

	// Remove a stale container left behind by a previous run of this session.
	if err := b.client.RemoveContainer(ctx, sess.ContainerName, true); err != nil && !errdefs.IsNotFound(err) {
		return err
	}

	mountSpecs := make([]docker.MountSpec, 0, len(mounts))
	for _, m := range mounts {
		mountSpecs = append(mountSpecs, docker.MountSpec{
			Source:   m.Host,
			Target:   m.Guest,
			ReadOnly: m.ReadOnly,
		})
	}

	opts := docker.CreateOptions{
		Name:  sess.ContainerName,
		Image: image,
		Cmd:   []string{"sleep", "infinity"},
		Labels: map[string]string{
			"brainbox.managed":           "true",
			"brainbox.role":              sess.Role,
			"brainbox.llm_provider":      sess.LLMProvider,
			"brainbox.llm_model":         sess.LLMModel,
			"brainbox.workspace_profile": strings.ToUpper(sess.WorkspaceProfile),
		},
		Ports: []docker.PortBinding{{
			GuestPort: b.cfg.Docker.TerminalPort,
			HostIP:    "127.0.0.1",
			HostPort:  sess.Port,
		}},
		Mounts: mountSpecs,
	}
	if sess.Hardened {
		opts.Hardening = hardeningOptions()
	}

	if _, err := b.client.CreateContainer(ctx, opts); err != nil {
		slog.Error("session provision failed", zap.Error(err))
		return err
	}

	slog.Info("session container provisioned",
		zap.String("image", image),
		zap.String("role", sess.Role),
		zap.Int("port", sess.Port),
		zap.Bool("hardened", sess.Hardened))
	return nil
}

// Configure writes secrets and agent configuration into the container via
// short-lived exec invocations.
func (b *DockerBackend) Configure(ctx context.Context, sess *Session, payload ConfigurePayload) error {
	slog := b.slog(sess)

	detail, err := b.client.InspectContainer(ctx, sess.ContainerName)
	if err != nil {
		return err
	}
	// Exec needs a running container; provision leaves it created but
	// stopped.
	if !detail.Running {
		if err := b.client.StartContainer(ctx, sess.ContainerName); err != nil {
			return err
		}
	}

	home := b.guestHome()

	if sess.Hardened {
		// Hardened sessions get one read-only file per secret instead of an
		// env file.
		for name, value := range payload.Secrets {
			cmd := fmt.Sprintf("echo %s > /run/secrets/%s && chmod 400 /run/secrets/%s",
				shellQuote(value), name, name)
			if _, err := b.client.Exec(ctx, sess.ContainerName, []string{"sh", "-c", cmd}, docker.ExecOptions{}); err != nil {
				slog.Warn("secret write failed", zap.String("secret", name), zap.Error(err))
			}
		}
	} else {
		reset := fmt.Sprintf("rm -f %s/.env && umask 077 && touch %s/.env", home, home)
		if _, err := b.client.Exec(ctx, sess.ContainerName, []string{"sh", "-c", reset}, docker.ExecOptions{}); err != nil {
			slog.Error("env file write failed", zap.Error(err))
			return err
		}
		for _, line := range strings.Split(payload.EnvContent, "\n") {
			if line == "" {
				continue
			}
			appendCmd := fmt.Sprintf("echo %s >> %s/.env", shellQuote(line), home)
			if _, err := b.client.Exec(ctx, sess.ContainerName, []string{"sh", "-c", appendCmd}, docker.ExecOptions{}); err != nil {
				slog.Error("env file write failed", zap.Error(err))
				return err
			}
		}

		if token, ok := payload.Secrets["agent-token"]; ok {
			tokenCmd := fmt.Sprintf("umask 077 && echo %s > %s/.agent-token && chmod 400 %s/.agent-token",
				shellQuote(token), home, home)
			if _, err := b.client.Exec(ctx, sess.ContainerName, []string{"sh", "-c", tokenCmd}, docker.ExecOptions{}); err != nil {
				slog.Error("agent token write failed", zap.Error(err))
				return err
			}
		}

		b.patchAgentConfig(ctx, sess, payload.OAuthAccount, slog)
	}

	// Tag guest telemetry with the session name.
	langfuse := fmt.Sprintf("echo %s >> %s/.env",
		shellQuote("export LANGFUSE_SESSION_ID="+sess.Name), home)
	if _, err := b.client.Exec(ctx, sess.ContainerName, []string{"sh", "-c", langfuse}, docker.ExecOptions{}); err != nil {
		slog.Warn("langfuse session id write failed", zap.Error(err))
	}

	slog.Info("session container configured", zap.Bool("hardened", sess.Hardened))
	return nil
}

// patchAgentConfig pre-seeds the in-guest agent config so the session runs
// unattended: onboarding completed, permission prompts bypassed, and the
// operator's oauth account when available.
func (b *DockerBackend) patchAgentConfig(ctx context.Context, sess *Session, oauthAccount map[string]any, slog *logger.Logger) {
	home := b.guestHome()

	patch := map[string]any{
		"hasCompletedOnboarding":        true,
		"bypassPermissionsModeAccepted": true,
	}
	if oauthAccount != nil {
		patch["oauthAccount"] = oauthAccount
	}
	if patchJSON, err := json.Marshal(patch); err == nil {
		script := fmt.Sprintf(
			`echo %s | python3 -c "import json, pathlib, sys; `+
				`p = pathlib.Path('%s/.claude.json'); `+
				`d = json.loads(p.read_text()) if p.exists() else {}; `+
				`d.update(json.load(sys.stdin)); `+
				`p.write_text(json.dumps(d, indent=2))"`,
			shellQuote(string(patchJSON)), home)
		if _, err := b.client.Exec(ctx, sess.ContainerName, []string{"sh", "-c", script}, docker.ExecOptions{}); err != nil {
			slog.Warn("onboarding patch failed", zap.Error(err))
		}
	}

	settings := fmt.Sprintf(
		`python3 -c "import json, pathlib; `+
			`p = pathlib.Path('%s/.claude/settings.json'); `+
			`d = json.loads(p.read_text()) if p.exists() else {}; `+
			`d['bypassPermissions'] = True; `+
			`p.write_text(json.dumps(d, indent=2))"`,
		home)
	if _, err := b.client.Exec(ctx, sess.ContainerName, []string{"sh", "-c", settings}, docker.ExecOptions{}); err != nil {
		slog.Warn("settings patch failed", zap.Error(err))
	}
}

// Start brings the container up, launches the web terminal for non-hardened
// sessions, and lands the workspace profile env.
func (b *DockerBackend) Start(ctx context.Context, sess *Session) error {
	slog := b.slog(sess)

	detail, err := b.client.InspectContainer(ctx, sess.ContainerName)
	if err != nil {
		return err
	}
	if !detail.Running {
		if err := b.client.StartContainer(ctx, sess.ContainerName); err != nil {
			return err
		}
	}

	// Hardened images manage their own terminal; everything else gets ttyd
	// on the bound port.
	if !sess.Hardened {
		title := fmt.Sprintf("titleFixed=%s - %s", capitalize(sess.Role), sess.Name)
		ttyd := []string{
			"ttyd", "-W",
			"-t", title,
			"-p", strconv.Itoa(b.cfg.Docker.TerminalPort),
			b.guestHome() + "/ttyd-wrapper.sh",
		}
		if _, err := b.client.Exec(ctx, sess.ContainerName, ttyd, docker.ExecOptions{Detach: true}); err != nil {
			slog.Warn("terminal bridge start failed", zap.Error(err))
		}
	}

	if env := b.profiles.EnvContent(sess.WorkspaceProfile); env != "" {
		b.writeProfileEnv(ctx, sess, env, slog)
	}

	slog.Info("session container started", zap.Int("port", sess.Port))
	return nil
}

// writeProfileEnv lands the profile environment at /run/profile/.env and
// hooks it into the shell startup files.
func (b *DockerBackend) writeProfileEnv(ctx context.Context, sess *Session, env string, slog *logger.Logger) {
	home := b.guestHome()

	mkdir := "mkdir -p /run/profile && chmod 777 /run/profile"
	if _, err := b.client.Exec(ctx, sess.ContainerName, []string{"sh", "-c", mkdir}, docker.ExecOptions{User: "root"}); err != nil {
		slog.Warn("profile env write failed", zap.Error(err))
		return
	}

	write := fmt.Sprintf("echo %s > /run/profile/.env && chmod 644 /run/profile/.env", shellQuote(env))
	if _, err := b.client.Exec(ctx, sess.ContainerName, []string{"sh", "-c", write}, docker.ExecOptions{}); err != nil {
		slog.Warn("profile env write failed", zap.Error(err))
		return
	}

	for _, rcFile := range []string{home + "/.bashrc", home + "/.env"} {
		guard := fmt.Sprintf(
			"grep -q /run/profile/.env %s 2>/dev/null"+
				" || echo '[ -f /run/profile/.env ] && set -a && . /run/profile/.env && set +a' >> %s",
			rcFile, rcFile)
		if _, err := b.client.Exec(ctx, sess.ContainerName, []string{"sh", "-c", guard}, docker.ExecOptions{}); err != nil {
			slog.Warn("profile env write failed", zap.Error(err))
			return
		}
	}
}

// Stop halts the container. A session already gone is not an error.
func (b *DockerBackend) Stop(ctx context.Context, sess *Session) error {
	if err := b.client.StopContainer(ctx, sess.ContainerName, 5*time.Second); err != nil {
		b.slog(sess).Debug("container stop skipped", zap.Error(err))
	}
	return nil
}

// Remove deletes the stopped container.
func (b *DockerBackend) Remove(ctx context.Context, sess *Session) error {
	slog := b.slog(sess)
	if err := b.client.RemoveContainer(ctx, sess.ContainerName, false); err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Debug("container remove skipped", zap.Error(err))
		}
		return nil
	}
	slog.Info("session container removed")
	return nil
}

// Health reports whether the container is running plus CPU and memory
// metrics. A missing container surfaces ErrSessionNotFound so the monitor
// can drop it.
func (b *DockerBackend) Health(ctx context.Context, sess *Session) (*HealthReport, error) {
	detail, err := b.client.InspectContainer(ctx, sess.ContainerName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, err
		}
		return &HealthReport{Backend: "docker", Reason: err.Error()}, nil
	}

	if !detail.Running {
		return &HealthReport{Backend: "docker", Reason: "container not running"}, nil
	}

	stats, err := b.client.Stats(ctx, sess.ContainerName)
	if err != nil {
		return &HealthReport{Backend: "docker", Reason: err.Error()}, nil
	}

	return &HealthReport{
		Backend:          "docker",
		Healthy:          true,
		CPUPercent:       math.Round(stats.CPUPercent*100) / 100,
		MemoryUsage:      stats.MemoryUsage,
		MemoryLimit:      stats.MemoryLimit,
		MemoryUsageHuman: docker.HumanBytes(stats.MemoryUsage),
		MemoryLimitHuman: docker.HumanBytes(stats.MemoryLimit),
	}, nil
}

// Exec runs a command inside the container.
func (b *DockerBackend) Exec(ctx context.Context, sess *Session, cmd []string, opts ExecOptions) (*ExecResult, error) {
	outcome, err := b.client.Exec(ctx, sess.ContainerName, cmd, docker.ExecOptions{
		User:   opts.User,
		Detach: opts.Detach,
	})
	if err != nil {
		return nil, err
	}
	return &ExecResult{ExitCode: outcome.ExitCode, Output: string(outcome.Output)}, nil
}

// SessionsInfo lists every managed container on the host, whether or not
// this process created it.
func (b *DockerBackend) SessionsInfo(ctx context.Context) ([]SessionInfo, error) {
	details, err := b.client.ListManaged(ctx, map[string]string{"brainbox.managed": "true"})
	if err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(details))
	for _, d := range details {
		role := d.Labels["brainbox.role"]
		info := SessionInfo{
			Backend:     "docker",
			Name:        d.Name,
			SessionName: strings.TrimPrefix(d.Name, b.containerPrefix(role)),
			Volume:      "-",
			Active:      d.Running,
		}
		if d.Running && len(d.HostPorts) > 0 {
			info.Port = d.HostPorts[0]
			info.URL = fmt.Sprintf("http://localhost:%d", info.Port)
		}

		// The per-session data mount is implementation detail, not a
		// user-visible volume.
		var binds []string
		for _, bind := range d.BindMounts {
			if strings.HasSuffix(bind, "/.claude/projects") {
				continue
			}
			binds = append(binds, bind)
		}
		if len(binds) > 0 {
			info.Volume = strings.Join(binds, ", ")
		}

		info.LLMProvider = d.Labels["brainbox.llm_provider"]
		if info.LLMProvider == "" {
			info.LLMProvider = "claude"
		}
		info.LLMModel = d.Labels["brainbox.llm_model"]
		info.WorkspaceProfile = d.Labels["brainbox.workspace_profile"]

		infos = append(infos, info)
	}
	return infos, nil
}

// capitalize upper-cases the first byte and lower-cases the rest, matching
// how session titles are rendered.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
