package lifecycle

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/errdefs"
)

type runnerCall struct {
	name    string
	args    []string
	timeout time.Duration
}

// scriptRunner records every host command and answers from a scripted
// responder. The default response is success with empty output.
type scriptRunner struct {
	mu      sync.Mutex
	calls   []runnerCall
	respond func(name string, args []string) (int, string, string, error)
}

func (r *scriptRunner) run(ctx context.Context, timeout time.Duration, name string, args ...string) (int, string, string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runnerCall{name: name, args: args, timeout: timeout})
	r.mu.Unlock()
	if r.respond != nil {
		return r.respond(name, args)
	}
	return 0, "", "", nil
}

func (r *scriptRunner) recorded() []runnerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runnerCall(nil), r.calls...)
}

// sshCommands extracts the remote command from every recorded ssh call.
func (r *scriptRunner) sshCommands() []string {
	var cmds []string
	for _, c := range r.recorded() {
		if c.name == "ssh" && len(c.args) > 0 {
			cmds = append(cmds, c.args[len(c.args)-1])
		}
	}
	return cmds
}

func (r *scriptRunner) hasCall(args ...string) bool {
	for _, c := range r.recorded() {
		if len(c.args) != len(args) {
			continue
		}
		match := true
		for i := range args {
			if c.args[i] != args[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func zeroSettleDelay(t *testing.T) {
	t.Helper()
	old := vmSettleDelay
	vmSettleDelay = 0
	t.Cleanup(func() { vmSettleDelay = old })
}

func vmTestConfig(t *testing.T) *config.Config {
	t.Helper()
	utmctl := filepath.Join(t.TempDir(), "utmctl")
	require.NoError(t, os.WriteFile(utmctl, []byte("#!/bin/sh\n"), 0o755))
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))

	cfg := &config.Config{}
	cfg.VM = config.VMConfig{
		Directory:       t.TempDir(),
		TemplateDir:     t.TempDir(),
		DefaultTemplate: "tpl",
		UtmctlPath:      utmctl,
		SSHUser:         "developer",
		SSHKeyPath:      keyPath,
		SSHPortStart:    2200,
		BootTimeout:     5,
		DiscoverTimeout: 1,
	}
	return cfg
}

// writeTemplate lays down a minimal VM template package carrying an SSH
// forward on oldPort.
func writeTemplate(t *testing.T, dir, name string, oldPort int) string {
	t.Helper()
	path := filepath.Join(dir, name+".utm")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "Data"), 0o755))

	dict := map[string]any{
		"Name":        name,
		"Information": map[string]any{"Name": name},
		"Backend":     "Qemu",
	}
	forwardGuestSSH(dict, oldPort)
	require.NoError(t, writePlist(filepath.Join(path, "config.plist"), dict, plist.XMLFormat))
	require.NoError(t, os.WriteFile(filepath.Join(path, "Data", "disk.qcow2"), []byte("disk"), 0o644))
	return path
}

func listenLoopback(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return "127.0.0.1", ln.Addr().(*net.TCPAddr).Port
}

// closedLoopbackPort returns a port nothing is listening on.
func closedLoopbackPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "5a:9f:2:34:6:8", normalizeMAC("5A:9F:02:34:06:08"))
	assert.Equal(t, "0:0:0:0:0:0", normalizeMAC("00:00:00:00:00:00"))
	assert.Equal(t, "ab:cd:ef:1:2:3", normalizeMAC("AB:CD:EF:01:02:03"))
}

func TestVMBackendProvision(t *testing.T) {
	zeroSettleDelay(t)

	t.Run("clones and rewires the template", func(t *testing.T) {
		cfg := vmTestConfig(t)
		writeTemplate(t, cfg.VM.TemplateDir, "tpl", 2299)

		runner := &scriptRunner{}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))
		sess := &Session{Name: "dev", Backend: "utm"}
		mounts := []VolumeMount{{Host: "/srv/x", Guest: "/home/developer/x", ReadOnly: true}}

		require.NoError(t, b.Provision(context.Background(), sess, "tpl", mounts))

		vmPath := filepath.Join(cfg.VM.Directory, "brainbox-dev.utm")
		assert.Equal(t, vmPath, sess.VMPath)
		assert.Equal(t, "tpl", sess.VMTemplate)
		assert.Equal(t, "developer", sess.SSHUser)
		assert.Empty(t, sess.MACAddress)
		// The clone inherits the template's 2299 forward before the rewrite,
		// so the scan leaves 2200 free for this session.
		assert.Equal(t, 2200, sess.SSHPort)
		assert.Equal(t, []Share{{Tag: "share-0", Source: "/srv/x", Guest: "/home/developer/x", ReadOnly: true}}, sess.Shares)

		dict, _, err := readPlist(filepath.Join(vmPath, "config.plist"))
		require.NoError(t, err)
		assert.Equal(t, "brainbox-dev", dict["Name"])
		assert.Equal(t, 2200, sshForwardPort(dict))

		data, err := os.ReadFile(filepath.Join(vmPath, "Data", "disk.qcow2"))
		require.NoError(t, err)
		assert.Equal(t, "disk", string(data))

		assert.True(t, runner.hasCall(vmPath), "the package must be opened to register with UTM")
	})

	t.Run("second clone skips the first clone's port", func(t *testing.T) {
		cfg := vmTestConfig(t)
		writeTemplate(t, cfg.VM.TemplateDir, "tpl", 2299)

		b := NewVMBackend(cfg, nil, (&scriptRunner{}).run, newTestLogger(t))
		first := &Session{Name: "one"}
		require.NoError(t, b.Provision(context.Background(), first, "tpl", nil))
		second := &Session{Name: "two"}
		require.NoError(t, b.Provision(context.Background(), second, "tpl", nil))

		assert.Equal(t, 2200, first.SSHPort)
		assert.Equal(t, 2201, second.SSHPort)
	})

	t.Run("stale clone is replaced", func(t *testing.T) {
		cfg := vmTestConfig(t)
		writeTemplate(t, cfg.VM.TemplateDir, "tpl", 2299)
		stale := filepath.Join(cfg.VM.Directory, "brainbox-dev.utm")
		require.NoError(t, os.MkdirAll(stale, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(stale, "marker"), []byte("old"), 0o644))

		runner := &scriptRunner{}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))
		sess := &Session{Name: "dev"}

		require.NoError(t, b.Provision(context.Background(), sess, "tpl", nil))

		assert.NoFileExists(t, filepath.Join(stale, "marker"))
		assert.True(t, runner.hasCall("stop", "brainbox-dev"), "the stale VM must be stopped before removal")
	})

	t.Run("missing utmctl", func(t *testing.T) {
		cfg := vmTestConfig(t)
		cfg.VM.UtmctlPath = filepath.Join(t.TempDir(), "absent")

		b := NewVMBackend(cfg, nil, (&scriptRunner{}).run, newTestLogger(t))
		err := b.Provision(context.Background(), &Session{Name: "dev"}, "tpl", nil)
		assert.ErrorIs(t, err, errdefs.ErrBackendUnavailable)
	})

	t.Run("missing template", func(t *testing.T) {
		cfg := vmTestConfig(t)

		b := NewVMBackend(cfg, nil, (&scriptRunner{}).run, newTestLogger(t))
		err := b.Provision(context.Background(), &Session{Name: "dev"}, "nope", nil)
		assert.True(t, errdefs.IsValidation(err))
	})
}

func TestVMBackendConfigure(t *testing.T) {
	t.Run("injects secrets and mounts shares over ssh", func(t *testing.T) {
		cfg := vmTestConfig(t)
		_, port := listenLoopback(t)

		runner := &scriptRunner{}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))
		sess := &Session{
			Name:    "dev",
			SSHPort: port,
			Shares:  []Share{{Tag: "share-0", Guest: "/home/developer/x"}},
		}
		payload := ConfigurePayload{
			Secrets: map[string]string{
				"agent-token": "tok123",
				"DB_PASSWORD": "p@ss w",
			},
			OAuthAccount: map[string]any{"accountUuid": "u-1"},
		}

		require.NoError(t, b.Configure(context.Background(), sess, payload))

		calls := runner.recorded()
		require.NotEmpty(t, calls)
		assert.Equal(t, []string{"start", "brainbox-dev"}, calls[0].args)
		last := calls[len(calls)-1]
		assert.Equal(t, []string{"stop", "brainbox-dev"}, last.args, "the VM shuts down after configuration")

		cmds := runner.sshCommands()
		require.NotEmpty(t, cmds)
		assert.Equal(t, "rm -f ~/.env && touch ~/.env && chmod 600 ~/.env", cmds[0],
			"the env file must be created owner-only before secrets land in it")
		assert.Contains(t, cmds, "echo tok123 > ~/.agent-token && chmod 400 ~/.agent-token")
		assert.Contains(t, cmds, "echo 'export DB_PASSWORD=p@ss w' >> ~/.env")
		assert.Contains(t, cmds, "sudo mkdir -p /home/developer/x")
		assert.Contains(t, cmds, "sudo mount_virtiofs share-0 /home/developer/x")

		patched := false
		for _, cmd := range cmds {
			if strings.Contains(cmd, ".claude.json") && strings.Contains(cmd, "u-1") {
				patched = true
			}
		}
		assert.True(t, patched, "the agent config patch must carry the oauth account")

		for _, c := range calls {
			if c.name != "ssh" {
				continue
			}
			assert.Contains(t, c.args, "developer@localhost")
			assert.Contains(t, c.args, strconv.Itoa(port))
		}
	})

	t.Run("missing ssh key", func(t *testing.T) {
		cfg := vmTestConfig(t)
		cfg.VM.SSHKeyPath = filepath.Join(t.TempDir(), "absent")

		b := NewVMBackend(cfg, nil, (&scriptRunner{}).run, newTestLogger(t))
		err := b.Configure(context.Background(), &Session{Name: "dev"}, ConfigurePayload{})
		assert.ErrorContains(t, err, "SSH key not found")
	})

	t.Run("failed secret injection aborts", func(t *testing.T) {
		cfg := vmTestConfig(t)
		_, port := listenLoopback(t)

		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			if name == "ssh" && strings.Contains(args[len(args)-1], "export DB_PASSWORD") {
				return 1, "", "permission denied", nil
			}
			return 0, "", "", nil
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))
		sess := &Session{Name: "dev", SSHPort: port}

		err := b.Configure(context.Background(), sess, ConfigurePayload{
			Secrets: map[string]string{"DB_PASSWORD": "x"},
		})
		assert.ErrorContains(t, err, "inject secret DB_PASSWORD")
	})

	t.Run("start failure", func(t *testing.T) {
		cfg := vmTestConfig(t)
		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			return 1, "", "no such VM", nil
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		err := b.Configure(context.Background(), &Session{Name: "dev"}, ConfigurePayload{})
		assert.ErrorContains(t, err, "utmctl start failed (exit 1): no such VM")
	})
}

func TestVMBackendStart(t *testing.T) {
	t.Run("boots and waits for ssh", func(t *testing.T) {
		cfg := vmTestConfig(t)
		_, port := listenLoopback(t)

		runner := &scriptRunner{}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))
		sess := &Session{Name: "dev", SSHPort: port}

		require.NoError(t, b.Start(context.Background(), sess))
		assert.True(t, runner.hasCall("start", "brainbox-dev"))
	})

	t.Run("boot failure surfaces stderr", func(t *testing.T) {
		cfg := vmTestConfig(t)
		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			return 1, "", "boom", nil
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		err := b.Start(context.Background(), &Session{Name: "dev"})
		assert.ErrorContains(t, err, "boom")
	})
}

func TestVMBackendStopSwallowsFailures(t *testing.T) {
	cfg := vmTestConfig(t)
	runner := &scriptRunner{}
	runner.respond = func(name string, args []string) (int, string, string, error) {
		return 1, "", "already stopped", nil
	}
	b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

	assert.NoError(t, b.Stop(context.Background(), &Session{Name: "dev"}))
}

func TestVMBackendRemove(t *testing.T) {
	zeroSettleDelay(t)

	t.Run("deletes the package", func(t *testing.T) {
		cfg := vmTestConfig(t)
		vmPath := filepath.Join(cfg.VM.Directory, "brainbox-dev.utm")
		require.NoError(t, os.MkdirAll(vmPath, 0o755))

		runner := &scriptRunner{}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		require.NoError(t, b.Remove(context.Background(), &Session{Name: "dev", VMPath: vmPath}))
		assert.NoDirExists(t, vmPath)
		assert.True(t, runner.hasCall("stop", "brainbox-dev"))
	})

	t.Run("nothing provisioned", func(t *testing.T) {
		cfg := vmTestConfig(t)
		b := NewVMBackend(cfg, nil, (&scriptRunner{}).run, newTestLogger(t))
		assert.NoError(t, b.Remove(context.Background(), &Session{Name: "dev"}))
	})

	t.Run("package already gone", func(t *testing.T) {
		cfg := vmTestConfig(t)
		b := NewVMBackend(cfg, nil, (&scriptRunner{}).run, newTestLogger(t))
		sess := &Session{Name: "dev", VMPath: filepath.Join(cfg.VM.Directory, "gone.utm")}
		assert.NoError(t, b.Remove(context.Background(), sess))
	})
}

func TestVMBackendHealth(t *testing.T) {
	cfg := vmTestConfig(t)

	t.Run("runner failure", func(t *testing.T) {
		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			return -1, "", "", context.DeadlineExceeded
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		report, err := b.Health(context.Background(), &Session{Name: "dev"})
		require.NoError(t, err)
		assert.False(t, report.Healthy)
		assert.Contains(t, report.Reason, "utmctl status failed")
	})

	t.Run("unknown vm", func(t *testing.T) {
		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			return 1, "", "No such VM\n", nil
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		report, err := b.Health(context.Background(), &Session{Name: "dev"})
		require.NoError(t, err)
		assert.False(t, report.Healthy)
		assert.Equal(t, "utmctl status failed: No such VM", report.Reason)
	})

	t.Run("stopped vm", func(t *testing.T) {
		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			return 0, "stopped\n", "", nil
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		report, err := b.Health(context.Background(), &Session{Name: "dev"})
		require.NoError(t, err)
		assert.False(t, report.Healthy)
		assert.Equal(t, "stopped", report.VMState)
		assert.Equal(t, "VM not running (state: stopped)", report.Reason)
	})

	t.Run("running with reachable ssh", func(t *testing.T) {
		_, port := listenLoopback(t)
		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			return 0, "Running\n", "", nil
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		report, err := b.Health(context.Background(), &Session{Name: "dev", SSHPort: port})
		require.NoError(t, err)
		assert.True(t, report.Healthy)
		assert.True(t, report.SSHReachable)
		assert.Equal(t, "running", report.VMState)
		assert.Equal(t, port, report.SSHPort)
		assert.Equal(t, "utm", report.Backend)
	})

	t.Run("running but ssh unreachable", func(t *testing.T) {
		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			return 0, "running\n", "", nil
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		report, err := b.Health(context.Background(), &Session{Name: "dev", SSHPort: closedLoopbackPort(t)})
		require.NoError(t, err)
		assert.False(t, report.Healthy)
		assert.False(t, report.SSHReachable)
		assert.Equal(t, "running", report.VMState)
	})
}

func TestVMBackendExec(t *testing.T) {
	cfg := vmTestConfig(t)

	t.Run("merges output and keeps the exit code", func(t *testing.T) {
		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			return 3, "out", "err", nil
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))
		sess := &Session{Name: "dev", SSHPort: 2222}

		res, err := b.Exec(context.Background(), sess, []string{"ls", "-la", "/tmp"}, ExecOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "outerr", res.Output)
		assert.False(t, res.Success())

		calls := runner.recorded()
		require.Len(t, calls, 1)
		assert.Equal(t, "ssh", calls[0].name)
		assert.Contains(t, calls[0].args, "developer@localhost")
		assert.Contains(t, calls[0].args, "2222")
		assert.Equal(t, "ls -la /tmp", calls[0].args[len(calls[0].args)-1])
		assert.Equal(t, sshExecTimeout, calls[0].timeout)
	})

	t.Run("discovered ip overrides the forward", func(t *testing.T) {
		runner := &scriptRunner{}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))
		sess := &Session{Name: "dev", SSHPort: 2222, VMIP: "192.168.64.5"}

		_, err := b.Exec(context.Background(), sess, []string{"true"}, ExecOptions{Timeout: 5 * time.Second})
		require.NoError(t, err)

		calls := runner.recorded()
		require.Len(t, calls, 1)
		assert.Contains(t, calls[0].args, "developer@192.168.64.5")
		assert.Contains(t, calls[0].args, "22")
		assert.Equal(t, 5*time.Second, calls[0].timeout)
	})

	t.Run("runner failure", func(t *testing.T) {
		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			return -1, "", "", context.DeadlineExceeded
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		_, err := b.Exec(context.Background(), &Session{Name: "dev"}, []string{"true"}, ExecOptions{})
		assert.Error(t, err)
	})
}

func TestVMBackendSessionsInfo(t *testing.T) {
	t.Run("missing vm directory", func(t *testing.T) {
		cfg := vmTestConfig(t)
		cfg.VM.Directory = filepath.Join(t.TempDir(), "missing")
		b := NewVMBackend(cfg, nil, (&scriptRunner{}).run, newTestLogger(t))

		infos, err := b.SessionsInfo(context.Background())
		require.NoError(t, err)
		assert.Nil(t, infos)
	})

	t.Run("lists cloned packages", func(t *testing.T) {
		cfg := vmTestConfig(t)
		writeTemplate(t, cfg.VM.Directory, "brainbox-alpha", 2345)
		writeTemplate(t, cfg.VM.Directory, "personal", 9999)

		broken := filepath.Join(cfg.VM.Directory, "brainbox-broken.utm")
		require.NoError(t, os.MkdirAll(broken, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(broken, "config.plist"), []byte("junk"), 0o644))

		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			if len(args) == 2 && args[0] == "status" && args[1] == "brainbox-alpha" {
				return 0, "Running\n", "", nil
			}
			return 1, "", "no such VM", nil
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		infos, err := b.SessionsInfo(context.Background())
		require.NoError(t, err)
		require.Len(t, infos, 2, "only managed packages appear")

		assert.Equal(t, SessionInfo{
			Backend:     "utm",
			Name:        "brainbox-alpha",
			SessionName: "alpha",
			Port:        2345,
			Volume:      "-",
			Active:      true,
			VMState:     "running",
			SSHPort:     2345,
		}, infos[0])

		assert.Equal(t, "brainbox-broken", infos[1].Name)
		assert.Equal(t, "unknown", infos[1].VMState)
		assert.False(t, infos[1].Active)
		assert.Zero(t, infos[1].SSHPort)
	})
}

func TestDiscoverVMIP(t *testing.T) {
	cfg := vmTestConfig(t)

	t.Run("matches stripped octets", func(t *testing.T) {
		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			out := "? (10.0.0.9) at aa:bb:cc:dd:ee:ff on en0\n" +
				"? (192.168.64.5) at 5a:9f:2:34:6:8 on en0 ifscope [ethernet]\n"
			return 0, out, "", nil
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		ip, err := b.discoverVMIP(context.Background(), "5A:9F:02:34:06:08", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "192.168.64.5", ip)
	})

	t.Run("matches full octets", func(t *testing.T) {
		runner := &scriptRunner{}
		runner.respond = func(name string, args []string) (int, string, string, error) {
			return 0, "? (192.168.64.7) at 5a:9f:02:34:06:08 on en0\n", "", nil
		}
		b := NewVMBackend(cfg, nil, runner.run, newTestLogger(t))

		ip, err := b.discoverVMIP(context.Background(), "5A:9F:02:34:06:08", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "192.168.64.7", ip)
	})

	t.Run("budget already spent", func(t *testing.T) {
		b := NewVMBackend(cfg, nil, (&scriptRunner{}).run, newTestLogger(t))

		_, err := b.discoverVMIP(context.Background(), "5A:9F:02:34:06:08", 0)
		assert.ErrorIs(t, err, errdefs.ErrTimeout)
	})

	t.Run("cancelled context", func(t *testing.T) {
		b := NewVMBackend(cfg, nil, (&scriptRunner{}).run, newTestLogger(t))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := b.discoverVMIP(ctx, "5A:9F:02:34:06:08", time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestWaitForSSH(t *testing.T) {
	t.Run("listener accepts", func(t *testing.T) {
		host, port := listenLoopback(t)
		assert.True(t, waitForSSH(context.Background(), host, port, 2*time.Second))
	})

	t.Run("budget already spent", func(t *testing.T) {
		assert.False(t, waitForSSH(context.Background(), "127.0.0.1", closedLoopbackPort(t), 0))
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.False(t, waitForSSH(ctx, "127.0.0.1", closedLoopbackPort(t), time.Second))
	})
}

func TestProbeTCP(t *testing.T) {
	host, port := listenLoopback(t)
	assert.True(t, probeTCP(host, port, time.Second))
	assert.False(t, probeTCP("127.0.0.1", closedLoopbackPort(t), 200*time.Millisecond))
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "b", "f.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join("a", "b", "f.txt"), filepath.Join(src, "link")))

	dst := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, copyTree(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "a", "b", "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("a", "b", "f.txt"), target)
}

func TestExecRunner(t *testing.T) {
	t.Run("captures stdout", func(t *testing.T) {
		code, stdout, _, err := ExecRunner(context.Background(), 0, "sh", "-c", "echo hi")
		require.NoError(t, err)
		assert.Zero(t, code)
		assert.Equal(t, "hi\n", stdout)
	})

	t.Run("nonzero exit is not an error", func(t *testing.T) {
		code, _, stderr, err := ExecRunner(context.Background(), 0, "sh", "-c", "echo oops 1>&2; exit 7")
		require.NoError(t, err)
		assert.Equal(t, 7, code)
		assert.Equal(t, "oops\n", stderr)
	})

	t.Run("missing binary", func(t *testing.T) {
		_, _, _, err := ExecRunner(context.Background(), 0, "/nonexistent/binary")
		assert.Error(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		_, _, _, err := ExecRunner(context.Background(), 50*time.Millisecond, "sleep", "1")
		assert.ErrorIs(t, err, errdefs.ErrTimeout)
	})
}

