package lifecycle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCacheEnv seeds a profile cache file under tmp the way the workspace
// profile tooling lays it out.
func writeCacheEnv(t *testing.T, tmp, profile, content string) string {
	t.Helper()
	dir := filepath.Join(tmp, "sp-profiles", profile)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCacheEnvPath(t *testing.T) {
	r := &ProfileResolver{Environ: map[string]string{"TMPDIR": "/var/folders/xy"}}
	assert.Equal(t, "/var/folders/xy/sp-profiles/acme/.env", r.cacheEnvPath("acme"))

	r = &ProfileResolver{Environ: map[string]string{}}
	assert.Equal(t, "/tmp/sp-profiles/acme/.env", r.cacheEnvPath("acme"))
}

func TestRestrictCacheFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, ".env")
	require.NoError(t, os.WriteFile(path, []byte("A=b\n"), 0o644))

	r := &ProfileResolver{Logger: newTestLogger(t)}
	r.restrictCacheFile(path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestReadCacheVars(t *testing.T) {
	t.Run("missing cache returns nil", func(t *testing.T) {
		r := &ProfileResolver{Environ: map[string]string{"TMPDIR": t.TempDir()}}
		assert.Nil(t, r.readCacheVars("acme", "/ws"))
	})

	t.Run("parses and expands workspace references", func(t *testing.T) {
		tmp := t.TempDir()
		writeCacheEnv(t, tmp, "acme", strings.Join([]string{
			"# comment",
			"AWS_CONFIG_FILE=$WORKSPACE_HOME/.aws/config",
			"export KUBECONFIG=\"$WORKSPACE_HOME/.kube/config\"",
			"EMPTY=",
			"PLAIN=value",
			"",
		}, "\n"))

		r := &ProfileResolver{Environ: map[string]string{"TMPDIR": tmp}, Logger: newTestLogger(t)}
		vars := r.readCacheVars("acme", "/ws/home")

		assert.Equal(t, map[string]string{
			"AWS_CONFIG_FILE": "/ws/home/.aws/config",
			"KUBECONFIG":      "/ws/home/.kube/config",
			"PLAIN":           "value",
		}, vars)
	})
}

func TestEnvContent(t *testing.T) {
	t.Run("empty without a profile", func(t *testing.T) {
		r := &ProfileResolver{Environ: map[string]string{}}
		assert.Empty(t, r.EnvContent(""))
	})

	t.Run("empty without a cache file", func(t *testing.T) {
		r := &ProfileResolver{Environ: map[string]string{"TMPDIR": t.TempDir()}}
		assert.Empty(t, r.EnvContent("acme"))
	})

	t.Run("prepends identity and strips host-only vars", func(t *testing.T) {
		tmp := t.TempDir()
		writeCacheEnv(t, tmp, "acme", strings.Join([]string{
			"# provisioned by workspace tooling",
			"PATH=/usr/local/bin:/usr/bin",
			"HOME=/Users/operator",
			"export TMPDIR=/var/folders/xy",
			"AWS_PROFILE=acme-dev",
			"export DATABASE_URL=postgres://localhost/acme",
			"TOKEN_PATH=$WORKSPACE_HOME/.token",
			"",
		}, "\n"))

		r := &ProfileResolver{Environ: map[string]string{"TMPDIR": tmp}, Logger: newTestLogger(t)}
		content := r.EnvContent("acme")

		lines := strings.Split(content, "\n")
		require.GreaterOrEqual(t, len(lines), 2)
		assert.Equal(t, "WORKSPACE_PROFILE=acme", lines[0])
		assert.Equal(t, "WORKSPACE_HOME=/home/developer", lines[1])

		assert.Contains(t, lines, "AWS_PROFILE=acme-dev")
		assert.Contains(t, lines, "export DATABASE_URL=postgres://localhost/acme")
		// $WORKSPACE_HOME stays literal so the guest shell resolves it there.
		assert.Contains(t, lines, "TOKEN_PATH=$WORKSPACE_HOME/.token")

		assert.NotContains(t, content, "PATH=/usr/local/bin")
		assert.NotContains(t, content, "HOME=/Users/operator")
		assert.NotContains(t, content, "TMPDIR=/var/folders")
		assert.NotContains(t, content, "# provisioned")
	})

	t.Run("falls back to the ambient profile name", func(t *testing.T) {
		tmp := t.TempDir()
		writeCacheEnv(t, tmp, "ambient", "AWS_PROFILE=ambient-dev\n")

		r := &ProfileResolver{Environ: map[string]string{
			"TMPDIR":            tmp,
			"WORKSPACE_PROFILE": "ambient",
		}, Logger: newTestLogger(t)}
		content := r.EnvContent("")

		assert.True(t, strings.HasPrefix(content, "WORKSPACE_PROFILE=ambient\n"))
		assert.Contains(t, content, "AWS_PROFILE=ambient-dev")
	})

	t.Run("guest home override lands in the identity line", func(t *testing.T) {
		tmp := t.TempDir()
		writeCacheEnv(t, tmp, "acme", "AWS_PROFILE=acme-dev\n")

		r := &ProfileResolver{
			GuestHome: "/home/researcher",
			Environ:   map[string]string{"TMPDIR": tmp},
			Logger:    newTestLogger(t),
		}
		assert.Contains(t, r.EnvContent("acme"), "WORKSPACE_HOME=/home/researcher")
	})
}

func TestOAuthAccount(t *testing.T) {
	writeClaudeConfig := func(t *testing.T, body string) string {
		t.Helper()
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".claude.json"), []byte(body), 0o600))
		return dir
	}

	t.Run("returns the account block", func(t *testing.T) {
		dir := writeClaudeConfig(t, `{"oauthAccount":{"accountUuid":"u-1","emailAddress":"op@example.com"},"other":true}`)
		r := &ProfileResolver{Environ: map[string]string{"CLAUDE_CONFIG_DIR": dir}}

		acct := r.OAuthAccount()
		require.NotNil(t, acct)
		assert.Equal(t, "u-1", acct["accountUuid"])
		assert.Equal(t, "op@example.com", acct["emailAddress"])
	})

	t.Run("nil without an account uuid", func(t *testing.T) {
		dir := writeClaudeConfig(t, `{"oauthAccount":{"emailAddress":"op@example.com"}}`)
		r := &ProfileResolver{Environ: map[string]string{"CLAUDE_CONFIG_DIR": dir}}
		assert.Nil(t, r.OAuthAccount())
	})

	t.Run("nil on malformed config", func(t *testing.T) {
		dir := writeClaudeConfig(t, `{not json`)
		r := &ProfileResolver{Environ: map[string]string{"CLAUDE_CONFIG_DIR": dir}}
		assert.Nil(t, r.OAuthAccount())
	})

	t.Run("nil when the config is missing", func(t *testing.T) {
		r := &ProfileResolver{
			HomeDir: t.TempDir(),
			Environ: map[string]string{},
		}
		assert.Nil(t, r.OAuthAccount())
	})
}
