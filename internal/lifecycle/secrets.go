package lifecycle

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/logger"
)

// SecretResolver supplies the secret material injected into a session during
// configure. Implementations may read plaintext files, the process
// environment, or an external secret manager.
type SecretResolver interface {
	Resolve(ctx context.Context) (map[string]string, error)
}

// ResolverFunc adapts a plain function to the SecretResolver interface.
type ResolverFunc func(ctx context.Context) (map[string]string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context) (map[string]string, error) {
	return f(ctx)
}

// FileSecretResolver reads secrets from a single env-format file, one
// KEY=VALUE per line. A missing file yields no secrets rather than an error
// so a fresh install works before any secret material exists.
type FileSecretResolver struct {
	Path   string
	Logger *logger.Logger
}

// Resolve loads and parses the secrets file. Files readable by group or
// other are restricted to 0600 before use.
func (r *FileSecretResolver) Resolve(_ context.Context) (map[string]string, error) {
	secrets := make(map[string]string)
	if r.Path == "" {
		return secrets, nil
	}

	info, err := os.Stat(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return secrets, nil
		}
		return nil, err
	}

	if info.Mode().Perm()&0o077 != 0 {
		log := r.Logger
		if log == nil {
			log = logger.Default()
		}
		log.Warn("secrets file is readable by others, restricting to 0600",
			zap.String("path", r.Path),
			zap.String("mode", info.Mode().Perm().String()))
		if err := os.Chmod(r.Path, 0o600); err != nil {
			log.Warn("failed to restrict secrets file permissions",
				zap.String("path", r.Path), zap.Error(err))
		}
	}

	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if key, value, ok := splitEnvLine(line); ok {
			secrets[key] = value
		}
	}
	return secrets, nil
}

const defaultSecretEnvPrefix = "BRAINBOX_SECRET_"

// EnvSecretResolver collects secrets from the process environment. A
// variable named <Prefix><KEY> is exposed to sessions as KEY.
type EnvSecretResolver struct {
	Prefix string
}

// Resolve scans the environment for prefixed variables.
func (r *EnvSecretResolver) Resolve(_ context.Context) (map[string]string, error) {
	prefix := r.Prefix
	if prefix == "" {
		prefix = defaultSecretEnvPrefix
	}

	secrets := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if name := strings.TrimPrefix(key, prefix); name != "" {
			secrets[name] = value
		}
	}
	return secrets, nil
}

// ChainResolver merges the output of several resolvers. Later resolvers
// override keys produced by earlier ones.
type ChainResolver []SecretResolver

// Resolve runs every resolver in order and merges the results.
func (c ChainResolver) Resolve(ctx context.Context) (map[string]string, error) {
	merged := make(map[string]string)
	for _, r := range c {
		resolved, err := r.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range resolved {
			merged[k] = v
		}
	}
	return merged, nil
}

// splitEnvLine parses one KEY=VALUE line from an env-format file. Blank
// lines, comments, and lines without '=' report ok=false. A leading
// "export " and matching surrounding quotes on the value are stripped.
func splitEnvLine(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "export ")

	key, value, found := strings.Cut(trimmed, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	if key == "" {
		return "", "", false
	}
	return key, value, true
}
