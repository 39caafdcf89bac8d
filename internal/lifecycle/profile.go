package lifecycle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// hostOnlyVars are host-specific variables never forwarded into guests.
var hostOnlyVars = map[string]struct{}{
	"SSH_AUTH_SOCK":   {},
	"GIT_SSH_COMMAND": {},
	"TMPDIR":          {},
	"SHELL":           {},
	"TERM_PROGRAM":    {},
	"TERM_SESSION_ID": {},
	"HOME":            {},
	"USER":            {},
	"LOGNAME":         {},
	"PATH":            {},
	"PWD":             {},
	"OLDPWD":          {},
	"SHLVL":           {},
	"XDG_CONFIG_HOME": {},
	// Guests ship their own agent config dirs; the host paths would shadow
	// the build-time defaults.
	"CLAUDE_CONFIG_DIR": {},
	"GEMINI_CONFIG_DIR": {},
}

// cacheEnvPath returns the volatile profile cache location. TMPDIR is shared
// across profiles on the same OS user, so it always comes from the invoking
// environment.
func (r *ProfileResolver) cacheEnvPath(profile string) string {
	tmp := r.getenv("TMPDIR")
	if tmp == "" {
		tmp = "/tmp"
	}
	return filepath.Join(tmp, "sp-profiles", profile, ".env")
}

// restrictCacheFile tightens a world-readable profile cache to 0600.
func (r *ProfileResolver) restrictCacheFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o004 == 0 {
		return
	}
	r.log().Warn("profile cache is world-readable, restricting to 0600",
		zap.String("path", path),
		zap.String("mode", info.Mode().Perm().String()))
	if err := os.Chmod(path, 0o600); err != nil {
		r.log().Warn("failed to restrict profile cache permissions",
			zap.String("path", path), zap.Error(err))
	}
}

// readCacheVars reads the profile cache and resolves its variables,
// expanding $WORKSPACE_HOME references to the host path.
func (r *ProfileResolver) readCacheVars(profile, workspaceHome string) map[string]string {
	path := r.cacheEnvPath(profile)
	if !isFile(path) {
		return nil
	}
	r.restrictCacheFile(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := splitEnvLine(line)
		if !ok || value == "" {
			continue
		}
		vars[key] = strings.ReplaceAll(value, "$WORKSPACE_HOME", workspaceHome)
	}
	return vars
}

// EnvContent builds the environment file content delivered to a guest for a
// workspace profile: the cached profile env with host-only variables
// stripped and the workspace identity prepended. An empty result means no
// cached env exists for the profile.
func (r *ProfileResolver) EnvContent(profile string) string {
	if profile == "" {
		profile = r.getenv("WORKSPACE_PROFILE")
	}
	if profile == "" {
		return ""
	}

	path := r.cacheEnvPath(profile)
	if !isFile(path) {
		return ""
	}
	r.restrictCacheFile(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	lines := []string{
		"WORKSPACE_PROFILE=" + profile,
		"WORKSPACE_HOME=" + r.guestHome(),
	}
	for _, raw := range strings.Split(string(data), "\n") {
		stripped := strings.TrimSpace(raw)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			continue
		}
		assignment := strings.TrimPrefix(stripped, "export ")
		name, _, _ := strings.Cut(assignment, "=")
		if _, hostOnly := hostOnlyVars[strings.TrimSpace(name)]; hostOnly {
			continue
		}
		// $WORKSPACE_HOME references resolve when the guest sources the file.
		lines = append(lines, stripped)
	}
	return strings.Join(lines, "\n")
}

// OAuthAccount reads the oauthAccount block from the host's .claude.json so
// guests can reuse the operator's authentication. Returns nil when absent
// or malformed.
func (r *ProfileResolver) OAuthAccount() map[string]any {
	configDir := r.getenv("CLAUDE_CONFIG_DIR")
	if configDir == "" {
		configDir = filepath.Join(r.homeDir(), ".claude")
	}

	data, err := os.ReadFile(filepath.Join(configDir, ".claude.json"))
	if err != nil {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil
	}
	acct, ok := parsed["oauthAccount"].(map[string]any)
	if !ok {
		return nil
	}
	if _, ok := acct["accountUuid"]; !ok {
		return nil
	}
	return acct
}
