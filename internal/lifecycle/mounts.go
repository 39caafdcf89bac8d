package lifecycle

import (
	"os"
	"path/filepath"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/logger"
)

// CredentialMount is one resolved host credential path plus the short tool
// name it serves (aws, kube, gitconfig, ...).
type CredentialMount struct {
	VolumeMount
	Tool string
}

// ProfileResolver locates host-side credential directories, cached workspace
// profile environment, and agent account data for injection into sessions.
// HomeDir and Environ override host lookups in tests; when unset the real
// home directory and process environment are used.
type ProfileResolver struct {
	Profile   config.ProfileConfig
	GuestHome string
	Logger    *logger.Logger

	HomeDir string
	Environ map[string]string
}

func (r *ProfileResolver) log() *logger.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logger.Default()
}

func (r *ProfileResolver) guestHome() string {
	if r.GuestHome != "" {
		return r.GuestHome
	}
	return "/home/developer"
}

func (r *ProfileResolver) homeDir() string {
	if r.HomeDir != "" {
		return r.HomeDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func (r *ProfileResolver) getenv(name string) string {
	if r.Environ != nil {
		return r.Environ[name]
	}
	return os.Getenv(name)
}

// lookupEnv reads a variable from the override map when one is in play
// (cross-profile cache lookups) and from the environment otherwise.
func (r *ProfileResolver) lookupEnv(name string, override map[string]string) string {
	if override != nil {
		return override[name]
	}
	return r.getenv(name)
}

// mountContext carries the paths and env source used to locate credential
// directories for one session.
type mountContext struct {
	home          string
	wsPath        string
	envOverride   map[string]string // nil selects the process environment
	workspaceHome string
	useEnvVars    bool
}

// mountContext decides where credential lookups happen. With a workspace
// home both the home and workspace paths point there, and env-var names are
// only consulted when the profile cache supplied values for them. Without
// one, the invoking user's home and environment are used directly.
func (r *ProfileResolver) mountContext(profile, workspaceHome string) mountContext {
	if workspaceHome != "" {
		var cacheVars map[string]string
		if profile != "" {
			cacheVars = r.readCacheVars(profile, workspaceHome)
		}
		return mountContext{
			home:          workspaceHome,
			wsPath:        workspaceHome,
			envOverride:   cacheVars,
			workspaceHome: workspaceHome,
			useEnvVars:    len(cacheVars) > 0,
		}
	}

	home := r.homeDir()
	wsPath := r.getenv("WORKSPACE_HOME")
	if wsPath == "" {
		wsPath = home
	}
	return mountContext{home: home, wsPath: wsPath, useEnvVars: true}
}

// resolveDir finds a host directory from env vars or a fallback path. When
// useParent is set the env var value names a file and its parent directory
// is used instead.
func (r *ProfileResolver) resolveDir(envVars []string, fallback string, useParent bool, envOverride map[string]string) string {
	for _, name := range envVars {
		val := r.lookupEnv(name, envOverride)
		if val == "" {
			continue
		}
		candidate := val
		if useParent {
			candidate = filepath.Dir(val)
		}
		if isDir(candidate) {
			return candidate
		}
	}
	if isDir(fallback) {
		return fallback
	}
	return ""
}

// CredentialMounts resolves the host credential paths a session should see.
// Credential mounts are read-only so guests cannot modify host credentials;
// gitconfig stays writable so git can record commit metadata.
func (r *ProfileResolver) CredentialMounts(profile, workspaceHome string) []CredentialMount {
	mctx := r.mountContext(profile, workspaceHome)

	type mountSpec struct {
		enabled   bool
		tool      string
		envVars   []string
		fallback  string
		useParent bool
	}

	envIf := func(names ...string) []string {
		if mctx.useEnvVars {
			return names
		}
		return nil
	}

	specs := []mountSpec{
		{r.Profile.MountAWS, "aws", envIf("AWS_CONFIG_FILE", "AWS_SHARED_CREDENTIALS_FILE"), filepath.Join(mctx.home, ".aws"), true},
		{r.Profile.MountAzure, "azure", envIf("AZURE_CONFIG_DIR"), filepath.Join(mctx.home, ".azure"), false},
		{r.Profile.MountKube, "kube", envIf("KUBECONFIG"), filepath.Join(mctx.home, ".kube"), true},
		{r.Profile.MountSSH, "ssh", nil, filepath.Join(mctx.wsPath, ".ssh"), false},
		{r.Profile.MountGitconfig, "gitconfig", envIf("GIT_CONFIG_GLOBAL"), filepath.Join(mctx.wsPath, ".gitconfig"), false},
		{r.Profile.MountGcloud, "gcloud", envIf("CLOUDSDK_CONFIG"), filepath.Join(mctx.home, ".gcloud"), false},
		{r.Profile.MountTerraform, "terraform", envIf("TF_CLI_CONFIG_FILE"), filepath.Join(mctx.home, ".terraform.d"), true},
	}

	guestTargets := map[string]string{
		"aws":       ".aws",
		"azure":     ".azure",
		"kube":      ".kube",
		"ssh":       ".ssh",
		"gitconfig": ".gitconfig",
		"gcloud":    ".gcloud",
		"terraform": ".terraform.d",
	}

	var mounts []CredentialMount
	for _, spec := range specs {
		if !spec.enabled {
			continue
		}
		target := filepath.Join(r.guestHome(), guestTargets[spec.tool])

		// gitconfig is a file mount, not a directory
		if spec.tool == "gitconfig" {
			found := ""
			for _, name := range spec.envVars {
				if val := r.lookupEnv(name, mctx.envOverride); val != "" && isFile(val) {
					found = val
					break
				}
			}
			if found == "" && isFile(spec.fallback) {
				found = spec.fallback
			}
			if found != "" {
				mounts = append(mounts, CredentialMount{
					VolumeMount: VolumeMount{Host: found, Guest: target},
					Tool:        spec.tool,
				})
			}
			continue
		}

		hostDir := r.resolveDir(spec.envVars, spec.fallback, spec.useParent, mctx.envOverride)
		if hostDir == "" {
			continue
		}
		mounts = append(mounts, CredentialMount{
			VolumeMount: VolumeMount{Host: hostDir, Guest: target, ReadOnly: true},
			Tool:        spec.tool,
		})
	}

	// aws sso login always writes its token cache under the real home, so a
	// session with a workspace home needs a nested mount to see live tokens.
	if workspaceHome != "" && r.Profile.MountAWS {
		ssoCache := filepath.Join(r.homeDir(), ".aws", "sso", "cache")
		if isDir(ssoCache) {
			mounts = append(mounts, CredentialMount{
				VolumeMount: VolumeMount{
					Host:  ssoCache,
					Guest: filepath.Join(r.guestHome(), ".aws", "sso", "cache"),
				},
				Tool: "aws",
			})
		}
	}

	return mounts
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
