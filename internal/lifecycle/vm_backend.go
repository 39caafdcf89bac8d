package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/docker"
)

// CommandRunner executes a host command and returns its exit code, stdout,
// and stderr. A non-nil error means the command could not run at all; a
// nonzero exit code is not an error.
type CommandRunner func(ctx context.Context, timeout time.Duration, name string, args ...string) (int, string, string, error)

// ExecRunner is the default CommandRunner, backed by os/exec.
func ExecRunner(ctx context.Context, timeout time.Duration, name string, args ...string) (int, string, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
		}
		if ctx.Err() != nil {
			return -1, stdout.String(), stderr.String(), fmt.Errorf("%s: %w", name, errdefs.ErrTimeout)
		}
		return -1, stdout.String(), stderr.String(), err
	}
	return 0, stdout.String(), stderr.String(), nil
}

const (
	// vmNamePrefix is prepended to session names to form VM package names.
	vmNamePrefix = "brainbox-"

	utmctlTimeout  = 30 * time.Second
	vmStartTimeout = 60 * time.Second
	sshExecTimeout = 30 * time.Second
)

// vmSettleDelay is how long UTM gets to notice package registrations and
// stops before the next utmctl command addresses the VM. Variable so tests
// can shorten it.
var vmSettleDelay = 2 * time.Second

var arpIPRe = regexp.MustCompile(`\(([0-9.]+)\)`)

// VMBackend runs sessions as UTM virtual machines controlled through
// utmctl, with all guest access over SSH. Each session clones a template
// VM package and rewrites its configuration for networking and shares.
// Harder isolation than containers, at the cost of slower provisioning.
type VMBackend struct {
	cfg    *config.Config
	docker *docker.Client // only consulted for port allocation, may be nil
	run    CommandRunner
	logger *logger.Logger
}

// NewVMBackend builds a VM backend. A nil runner falls back to ExecRunner.
func NewVMBackend(cfg *config.Config, dockerClient *docker.Client, run CommandRunner, log *logger.Logger) *VMBackend {
	if run == nil {
		run = ExecRunner
	}
	if log == nil {
		log = logger.Default()
	}
	return &VMBackend{cfg: cfg, docker: dockerClient, run: run, logger: log.WithBackend("utm")}
}

func (b *VMBackend) slog(sess *Session) *logger.Logger {
	return b.logger.WithSession(sess.Name).WithFields(zap.String("vm", b.vmName(sess)))
}

func (b *VMBackend) vmName(sess *Session) string  { return vmNamePrefix + sess.Name }
func (b *VMBackend) vmDir() string                { return config.ExpandPath(b.cfg.VM.Directory) }
func (b *VMBackend) templateDir() string          { return config.ExpandPath(b.cfg.VM.TemplateDir) }
func (b *VMBackend) utmctlPath() string           { return config.ExpandPath(b.cfg.VM.UtmctlPath) }
func (b *VMBackend) sshKeyPath() string           { return config.ExpandPath(b.cfg.VM.SSHKeyPath) }

func (b *VMBackend) sshUser(sess *Session) string {
	if sess.SSHUser != "" {
		return sess.SSHUser
	}
	return b.cfg.VM.SSHUser
}

// dockerPorts exposes container host ports as a port allocation source.
// Returns an untyped nil when no container runtime is wired so the
// allocator can skip it.
func (b *VMBackend) dockerPorts() UsedPortSource {
	if b.docker == nil {
		return nil
	}
	return b.docker
}

// vmPorts exposes the forward ports claimed by every cloned VM package.
func (b *VMBackend) vmPorts() UsedPortSource {
	return UsedPortFunc(func(ctx context.Context) (map[int]bool, error) {
		return vmForwardPorts(b.vmDir(), vmNamePrefix), nil
	})
}

// Provision clones the template VM package, rewrites its configuration for
// this session, and registers the clone with UTM. The image argument names
// the template. The VM is not booted here; Configure does the first boot.
func (b *VMBackend) Provision(ctx context.Context, sess *Session, image string, mounts []VolumeMount) error {
	slog := b.slog(sess)

	utmctl := b.utmctlPath()
	if !isFile(utmctl) {
		return fmt.Errorf("utmctl not found at %s: %w", utmctl, errdefs.ErrBackendUnavailable)
	}

	templatePath := filepath.Join(b.templateDir(), image+".utm")
	if !isDir(templatePath) {
		return errdefs.Validationf("VM template not found: %s", templatePath)
	}

	vmName := b.vmName(sess)
	vmPath := filepath.Join(b.vmDir(), vmName+".utm")

	// A leftover clone from a previous run blocks the copy.
	if _, err := os.Stat(vmPath); err == nil {
		slog.Info("removing existing VM clone", zap.String("path", vmPath))
		b.run(ctx, utmctlTimeout, utmctl, "stop", vmName)
		sleepCtx(ctx, vmSettleDelay)
		if err := os.RemoveAll(vmPath); err != nil {
			slog.Warn("existing VM clone removal failed", zap.Error(err))
		}
	}

	slog.Info("cloning VM template", zap.String("template", image))
	if err := copyTree(templatePath, vmPath); err != nil {
		slog.Error("VM template clone failed", zap.Error(err))
		return fmt.Errorf("clone VM template: %w", err)
	}

	sshPort := AllocatePortAcross(ctx, b.cfg.VM.SSHPortStart, b.dockerPorts(), b.vmPorts())

	configPath := filepath.Join(vmPath, "config.plist")
	dict, format, err := readPlist(configPath)
	if err == nil {
		var mac string
		var shares []Share
		mac, shares, err = rewriteVMConfig(dict, vmName, sshPort, mounts)
		if err == nil {
			sess.MACAddress = mac
			sess.Shares = shares
			err = writePlist(configPath, dict, format)
		}
	}
	if err != nil {
		slog.Error("VM configuration rewrite failed", zap.Error(err))
		return fmt.Errorf("rewrite VM configuration: %w", err)
	}

	// Opening the package registers the clone with UTM; give it a moment
	// to pick the VM up before utmctl addresses it by name.
	b.run(ctx, 10*time.Second, "open", vmPath)
	sleepCtx(ctx, vmSettleDelay)

	sess.VMPath = vmPath
	sess.VMTemplate = image
	sess.SSHPort = sshPort
	sess.SSHUser = b.sshUser(sess)

	slog.Info("VM provisioned",
		zap.String("template", image),
		zap.Int("ssh_port", sshPort),
		zap.Int("shared_dirs", len(mounts)))
	return nil
}

// Configure boots the VM once, injects secrets over SSH, mounts the shared
// directories inside the guest, and shuts the VM back down. Secret writes
// are fatal; agent config patching and share mounting only warn.
func (b *VMBackend) Configure(ctx context.Context, sess *Session, payload ConfigurePayload) error {
	slog := b.slog(sess)
	vmName := b.vmName(sess)

	keyPath := b.sshKeyPath()
	if !isFile(keyPath) {
		return fmt.Errorf("SSH key not found at %s: generate one and authorize it in the template VM", keyPath)
	}

	slog.Info("booting VM for configuration")
	if code, _, stderr, err := b.run(ctx, vmStartTimeout, b.utmctlPath(), "start", vmName); err != nil || code != 0 {
		return vmCommandError("utmctl start", code, stderr, err)
	}

	host, port, err := b.resolveSSHEndpoint(ctx, sess, slog)
	if err != nil {
		return err
	}

	user := b.sshUser(sess)

	// Start the env file fresh with owner-only permissions before any
	// secret lands in it.
	if err := b.sshCheck(ctx, host, port, user, "rm -f ~/.env && touch ~/.env && chmod 600 ~/.env"); err != nil {
		slog.Error("env file setup failed", zap.Error(err))
		return err
	}
	for name, value := range payload.Secrets {
		var cmd string
		if name == "agent-token" {
			cmd = fmt.Sprintf("echo %s > ~/.agent-token && chmod 400 ~/.agent-token", shellQuote(value))
		} else {
			cmd = fmt.Sprintf("echo %s >> ~/.env", shellQuote("export "+name+"="+value))
		}
		if err := b.sshCheck(ctx, host, port, user, cmd); err != nil {
			slog.Error("secret injection failed", zap.String("secret", name), zap.Error(err))
			return fmt.Errorf("inject secret %s: %w", name, err)
		}
	}
	slog.Info("secrets injected", zap.Int("count", len(payload.Secrets)))

	if payload.OAuthAccount != nil {
		b.patchAgentConfig(ctx, host, port, user, payload.OAuthAccount, slog)
	}

	for _, share := range sess.Shares {
		if err := b.sshCheck(ctx, host, port, user, fmt.Sprintf("sudo mkdir -p %s", shellQuote(share.Guest))); err != nil {
			slog.Warn("share mount point creation failed", zap.String("tag", share.Tag), zap.Error(err))
			continue
		}
		if err := b.sshCheck(ctx, host, port, user, fmt.Sprintf("sudo mount_virtiofs %s %s", share.Tag, shellQuote(share.Guest))); err != nil {
			slog.Warn("virtiofs mount failed", zap.String("tag", share.Tag), zap.Error(err))
			continue
		}
		slog.Info("virtiofs share mounted", zap.String("tag", share.Tag), zap.String("mount_point", share.Guest))
	}

	slog.Info("shutting VM down after configuration")
	b.run(ctx, utmctlTimeout, b.utmctlPath(), "stop", vmName)
	return nil
}

// patchAgentConfig merges onboarding flags and the operator's OAuth account
// into the guest's agent config file. Failures are logged, not fatal.
func (b *VMBackend) patchAgentConfig(ctx context.Context, host string, port int, user string, account map[string]any, slog *logger.Logger) {
	patch := map[string]any{
		"hasCompletedOnboarding":        true,
		"bypassPermissionsModeAccepted": true,
		"oauthAccount":                  account,
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		slog.Warn("agent config patch failed", zap.Error(err))
		return
	}
	script := fmt.Sprintf(
		`echo %s | python3 -c "import json, pathlib, sys; p = pathlib.Path.home() / '.claude.json'; d = json.loads(p.read_text()) if p.exists() else {}; d.update(json.load(sys.stdin)); p.write_text(json.dumps(d, indent=2))"`,
		shellQuote(string(raw)))
	if err := b.sshCheck(ctx, host, port, user, script); err != nil {
		slog.Warn("agent config patch failed", zap.Error(err))
		return
	}
	slog.Info("agent config patched")
}

// resolveSSHEndpoint determines where the guest's SSH daemon is reachable
// and waits until it accepts connections. Bridged VMs are found through ARP
// by MAC address; shared-network VMs use the forwarded localhost port.
func (b *VMBackend) resolveSSHEndpoint(ctx context.Context, sess *Session, slog *logger.Logger) (string, int, error) {
	host, port := "localhost", sess.SSHPort
	if sess.MACAddress != "" {
		slog.Info("discovering VM IP", zap.String("mac", sess.MACAddress))
		ip, err := b.discoverVMIP(ctx, sess.MACAddress, b.cfg.VM.DiscoverTimeoutDuration())
		if err != nil {
			slog.Error("VM IP discovery failed", zap.Error(err))
			return "", 0, err
		}
		sess.VMIP = ip
		host, port = ip, 22
		slog.Info("VM IP discovered", zap.String("ip", ip))
	}

	slog.Info("waiting for SSH", zap.String("host", host), zap.Int("port", port))
	budget := b.cfg.VM.BootTimeoutDuration()
	if !waitForSSH(ctx, host, port, budget) {
		return "", 0, fmt.Errorf("SSH not available at %s:%d after %s: %w", host, port, budget, errdefs.ErrTimeout)
	}
	return host, port, nil
}

// Start boots the VM and waits for the guest SSH daemon.
func (b *VMBackend) Start(ctx context.Context, sess *Session) error {
	slog := b.slog(sess)

	slog.Info("starting VM")
	if code, _, stderr, err := b.run(ctx, vmStartTimeout, b.utmctlPath(), "start", b.vmName(sess)); err != nil || code != 0 {
		return vmCommandError("utmctl start", code, stderr, err)
	}

	host, port, err := b.resolveSSHEndpoint(ctx, sess, slog)
	if err != nil {
		return err
	}
	slog.Info("VM started", zap.String("ssh_host", host), zap.Int("ssh_port", port))
	return nil
}

// Stop shuts the VM down. Stop failures are not actionable here and are
// swallowed; Remove deletes the package regardless.
func (b *VMBackend) Stop(ctx context.Context, sess *Session) error {
	if code, _, stderr, err := b.run(ctx, utmctlTimeout, b.utmctlPath(), "stop", b.vmName(sess)); err != nil || code != 0 {
		b.slog(sess).Debug("utmctl stop failed", zap.Int("exit_code", code), zap.String("stderr", strings.TrimSpace(stderr)), zap.Error(err))
	}
	return nil
}

// Remove stops the VM and deletes its cloned package from disk.
func (b *VMBackend) Remove(ctx context.Context, sess *Session) error {
	slog := b.slog(sess)

	b.run(ctx, utmctlTimeout, b.utmctlPath(), "stop", b.vmName(sess))
	sleepCtx(ctx, vmSettleDelay)

	if sess.VMPath == "" {
		return nil
	}
	if _, err := os.Stat(sess.VMPath); err != nil {
		return nil
	}
	if err := os.RemoveAll(sess.VMPath); err != nil {
		slog.Error("VM package removal failed", zap.Error(err))
		return fmt.Errorf("remove VM package: %w", err)
	}
	slog.Info("VM removed", zap.String("path", sess.VMPath))
	return nil
}

// Health reports VM run state plus guest SSH reachability.
func (b *VMBackend) Health(ctx context.Context, sess *Session) (*HealthReport, error) {
	code, stdout, stderr, err := b.run(ctx, 10*time.Second, b.utmctlPath(), "status", b.vmName(sess))
	if err != nil {
		return &HealthReport{Backend: "utm", Reason: fmt.Sprintf("utmctl status failed: %v", err)}, nil
	}
	if code != 0 {
		return &HealthReport{Backend: "utm", Reason: fmt.Sprintf("utmctl status failed: %s", strings.TrimSpace(stderr))}, nil
	}

	vmState := strings.ToLower(strings.TrimSpace(stdout))
	if vmState != "running" {
		return &HealthReport{Backend: "utm", VMState: vmState, Reason: fmt.Sprintf("VM not running (state: %s)", vmState)}, nil
	}

	host, port := b.sshTarget(sess)
	reachable := probeTCP(host, port, 2*time.Second)
	return &HealthReport{
		Backend:      "utm",
		Healthy:      reachable,
		VMState:      vmState,
		SSHPort:      port,
		SSHReachable: reachable,
	}, nil
}

// Exec runs a command inside the guest over SSH. SSH returns the remote
// command's exit code as its own.
func (b *VMBackend) Exec(ctx context.Context, sess *Session, cmd []string, opts ExecOptions) (*ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = sshExecTimeout
	}
	host, port := b.sshTarget(sess)
	code, stdout, stderr, err := b.run(ctx, timeout, "ssh", b.sshArgs(host, port, b.sshUser(sess), shellJoin(cmd))...)
	if err != nil {
		return nil, err
	}
	return &ExecResult{ExitCode: code, Output: stdout + stderr}, nil
}

// SessionsInfo lists every cloned VM package with its run state and SSH
// forward port. Packages with unreadable configs still appear, with zero
// values.
func (b *VMBackend) SessionsInfo(ctx context.Context) ([]SessionInfo, error) {
	if !isDir(b.vmDir()) || !isFile(b.utmctlPath()) {
		return nil, nil
	}

	matches, err := filepath.Glob(filepath.Join(b.vmDir(), vmNamePrefix+"*.utm"))
	if err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(matches))
	for _, vmPath := range matches {
		vmName := strings.TrimSuffix(filepath.Base(vmPath), ".utm")

		vmState := "unknown"
		if code, stdout, _, err := b.run(ctx, 5*time.Second, b.utmctlPath(), "status", vmName); err == nil && code == 0 {
			vmState = strings.ToLower(strings.TrimSpace(stdout))
		}

		sshPort := 0
		if dict, _, err := readPlist(filepath.Join(vmPath, "config.plist")); err == nil {
			sshPort = sshForwardPort(dict)
		}

		infos = append(infos, SessionInfo{
			Backend:     "utm",
			Name:        vmName,
			SessionName: vmSessionName(vmPath, vmNamePrefix),
			Port:        sshPort,
			Volume:      "-",
			Active:      vmState == "running",
			VMState:     vmState,
			SSHPort:     sshPort,
		})
	}
	return infos, nil
}

// sshTarget picks the guest SSH endpoint for a provisioned session:
// the discovered IP on bridged networks, the forwarded localhost port
// otherwise.
func (b *VMBackend) sshTarget(sess *Session) (string, int) {
	if sess.VMIP != "" {
		return sess.VMIP, 22
	}
	return "localhost", sess.SSHPort
}

func (b *VMBackend) sshArgs(host string, port int, user, command string) []string {
	// Clones generate fresh host keys on first boot, so strict host key
	// checking would reject every new session.
	return []string{
		"-i", b.sshKeyPath(),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		"-p", strconv.Itoa(port),
		user + "@" + host,
		command,
	}
}

// sshCheck runs a guest command and converts a nonzero exit into an error.
func (b *VMBackend) sshCheck(ctx context.Context, host string, port int, user, command string) error {
	code, _, stderr, err := b.run(ctx, sshExecTimeout, "ssh", b.sshArgs(host, port, user, command)...)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("guest command failed (exit %d): %s", code, strings.TrimSpace(stderr))
	}
	return nil
}

// discoverVMIP polls the host ARP table until the VM's MAC address shows up
// and returns the IP on the matching line. The ARP table prints MAC octets
// without leading zeros, so both spellings are matched.
func (b *VMBackend) discoverVMIP(ctx context.Context, mac string, timeout time.Duration) (string, error) {
	stripped := normalizeMAC(mac)
	raw := strings.ToLower(mac)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if _, stdout, _, err := b.run(ctx, 5*time.Second, "arp", "-a"); err == nil {
			for _, line := range strings.Split(stdout, "\n") {
				lower := strings.ToLower(line)
				if !strings.Contains(lower, stripped) && !strings.Contains(lower, raw) {
					continue
				}
				if m := arpIPRe.FindStringSubmatch(line); m != nil {
					return m[1], nil
				}
			}
		}
		sleepCtx(ctx, 2*time.Second)
	}
	return "", fmt.Errorf("VM IP not found in ARP table after %s (MAC: %s): %w", timeout, mac, errdefs.ErrTimeout)
}

// normalizeMAC lower-cases a MAC address and strips leading zeros from each
// octet, the form the ARP table prints.
func normalizeMAC(mac string) string {
	parts := strings.Split(strings.ToLower(mac), ":")
	for i, part := range parts {
		trimmed := strings.TrimLeft(part, "0")
		if trimmed == "" {
			trimmed = "0"
		}
		parts[i] = trimmed
	}
	return strings.Join(parts, ":")
}

// waitForSSH polls host:port until a TCP connection succeeds or the budget
// runs out.
func waitForSSH(ctx context.Context, host string, port int, timeout time.Duration) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		if conn, err := dialer.DialContext(ctx, "tcp", addr); err == nil {
			conn.Close()
			return true
		}
		sleepCtx(ctx, 2*time.Second)
	}
	return false
}

// probeTCP reports whether a TCP connection to host:port succeeds within
// the timeout.
func probeTCP(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func vmCommandError(op string, code int, stderr string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s failed (exit %d): %s", op, code, strings.TrimSpace(stderr))
}

// copyTree copies a directory recursively, preserving symlinks, so a
// cloned VM package keeps its internal layout.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
