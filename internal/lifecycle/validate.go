package lifecycle

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/brainbox/brainbox/internal/common/errdefs"
)

const maxSessionNameLen = 64

// sessionNameRe is deliberately narrower than Docker resource naming: the
// name is embedded verbatim in broker subjects (<prefix>.<session>.<kind>),
// so dots and wildcard characters must stay out.
var sessionNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

var validRoles = map[string]bool{
	"developer":  true,
	"researcher": true,
	"performer":  true,
}

// ValidateSessionName rejects names that could break container naming,
// broker subjects, or escape into path components.
func ValidateSessionName(name string) error {
	if name == "" {
		return errdefs.Validationf("session name must not be empty")
	}
	if len(name) > maxSessionNameLen {
		return errdefs.Validationf("session name must be at most %d characters", maxSessionNameLen)
	}
	if !sessionNameRe.MatchString(name) {
		return errdefs.Validationf("session name %q must start with an alphanumeric and contain only alphanumerics, underscores, or hyphens", name)
	}
	return nil
}

// ValidateRole checks the role against the known workspace roles.
func ValidateRole(role string) error {
	if !validRoles[role] {
		return errdefs.Validationf("role %q must be one of: developer, researcher, performer", role)
	}
	return nil
}

// ValidatePort checks that a host port is outside the privileged range.
func ValidatePort(port int) error {
	if port < 1024 || port > 65535 {
		return errdefs.Validationf("port %d must be between 1024 and 65535", port)
	}
	return nil
}

// VolumeMount is one parsed host bind declaration.
type VolumeMount struct {
	Host     string
	Guest    string
	ReadOnly bool
}

// ParseVolumeMount parses a host:guest[:mode] declaration. Both paths must
// be absolute and mode, when present, must be ro or rw.
func ParseVolumeMount(raw string) (VolumeMount, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return VolumeMount{}, errdefs.Validationf("volume mount %q must be host:guest or host:guest:mode", raw)
	}

	host, guest := parts[0], parts[1]
	if !filepath.IsAbs(host) {
		return VolumeMount{}, errdefs.Validationf("volume mount host path %q must be absolute", host)
	}
	if !filepath.IsAbs(guest) {
		return VolumeMount{}, errdefs.Validationf("volume mount guest path %q must be absolute", guest)
	}

	mode := "rw"
	if len(parts) == 3 {
		mode = parts[2]
	}
	switch mode {
	case "ro", "rw":
	default:
		return VolumeMount{}, errdefs.Validationf("volume mount mode %q must be ro or rw", mode)
	}

	return VolumeMount{Host: host, Guest: guest, ReadOnly: mode == "ro"}, nil
}

// ParseVolumeMounts parses a list of declarations, failing on the first
// invalid entry.
func ParseVolumeMounts(raw []string) ([]VolumeMount, error) {
	mounts := make([]VolumeMount, 0, len(raw))
	for _, r := range raw {
		m, err := ParseVolumeMount(r)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}
