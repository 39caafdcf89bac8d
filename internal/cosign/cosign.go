// Package cosign verifies container image signatures by shelling out to the
// cosign binary. Keyless verification against the Sigstore transparency log
// is preferred; a local PEM public key is the fallback.
package cosign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
)

// Result holds the outcome of one cosign invocation.
type Result struct {
	Verified bool
	ImageRef string
	Stdout   string
	Stderr   string
}

// Runner invokes the cosign binary with the given arguments. Swapped out in
// tests.
type Runner func(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)

// Verifier applies the configured verification policy to images.
type Verifier struct {
	cfg    config.CosignConfig
	logger *logger.Logger
	run    Runner
}

// New builds a Verifier that executes the real cosign binary.
func New(cfg config.CosignConfig, log *logger.Logger) *Verifier {
	v := &Verifier{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "cosign")),
	}
	v.run = v.execCosign
	return v
}

// NewWithRunner builds a Verifier with a custom runner.
func NewWithRunner(cfg config.CosignConfig, log *logger.Logger, run Runner) *Verifier {
	v := New(cfg, log)
	v.run = run
	return v
}

// execCosign runs the cosign binary under the configured timeout.
func (v *Verifier) execCosign(ctx context.Context, args []string) (string, string, int, error) {
	runCtx := ctx
	if timeout := v.cfg.VerifyTimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "cosign", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", "", -1, fmt.Errorf("cosign binary not found: %w", err)
		}
		if runCtx.Err() != nil {
			return stdout.String(), stderr.String(), -1, fmt.Errorf("cosign verify: %w", errdefs.ErrTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, fmt.Errorf("cosign run failed: %w", err)
	}

	return stdout.String(), stderr.String(), 0, nil
}

// VerifyKey verifies the first repo digest of an image against a local
// public key.
func (v *Verifier) VerifyKey(ctx context.Context, image, keyPath string, repoDigests []string) (*Result, error) {
	if len(repoDigests) == 0 {
		return nil, fmt.Errorf("image %s has no repo digests", image)
	}
	ref := repoDigests[0]

	stdout, stderr, code, err := v.run(ctx, []string{"verify", "--key", keyPath, ref})
	if err != nil {
		return nil, err
	}

	return &Result{
		Verified: code == 0,
		ImageRef: ref,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}

// VerifyKeyless verifies the first repo digest of an image against the
// Sigstore transparency log using a certificate identity and OIDC issuer.
func (v *Verifier) VerifyKeyless(ctx context.Context, image, identity, issuer string, repoDigests []string) (*Result, error) {
	if len(repoDigests) == 0 {
		return nil, fmt.Errorf("image %s has no repo digests", image)
	}
	ref := repoDigests[0]

	args := []string{
		"verify",
		"--certificate-identity-regexp", identity,
		"--certificate-oidc-issuer", issuer,
		ref,
	}
	stdout, stderr, code, err := v.run(ctx, args)
	if err != nil {
		return nil, err
	}

	return &Result{
		Verified: code == 0,
		ImageRef: ref,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}

// Check applies the configured mode to a candidate image. In enforce mode
// any gap (no key material, missing key file, digestless local image, failed
// verification) is an error; in warn mode gaps are logged and provisioning
// continues.
func (v *Verifier) Check(ctx context.Context, image string, repoDigests []string) error {
	if v.cfg.Mode == "off" {
		v.logger.Debug("Cosign verification skipped", zap.String("reason", "mode is off"))
		return nil
	}

	useKeyless := v.cfg.Identity != "" && v.cfg.Issuer != ""
	useKey := v.cfg.KeyPath != ""

	if !useKeyless && !useKey {
		if v.cfg.Mode == "enforce" {
			return errdefs.Validationf("cosign enforce mode requires either keyless config (identity and issuer) or a key path")
		}
		v.logger.Warn("Cosign verification skipped", zap.String("reason", "no verification configured"))
		return nil
	}

	if !useKeyless && useKey {
		if _, err := os.Stat(v.cfg.KeyPath); err != nil {
			if v.cfg.Mode == "enforce" {
				return fmt.Errorf("cosign public key not found: %s", v.cfg.KeyPath)
			}
			v.logger.Warn("Cosign verification skipped",
				zap.String("reason", "key file not found"),
				zap.String("key_path", v.cfg.KeyPath),
			)
			return nil
		}
	}

	if len(repoDigests) == 0 {
		if v.cfg.Mode == "enforce" {
			return fmt.Errorf("image %s has no repo digests, cannot verify a local-only image in enforce mode", image)
		}
		v.logger.Info("Cosign verification skipped",
			zap.String("reason", "local-only image (no repo digests)"),
			zap.String("image", image),
		)
		return nil
	}

	var (
		result *Result
		err    error
		method string
	)
	if useKeyless {
		method = "keyless"
		result, err = v.VerifyKeyless(ctx, image, v.cfg.Identity, v.cfg.Issuer, repoDigests)
	} else {
		method = "key"
		result, err = v.VerifyKey(ctx, image, v.cfg.KeyPath, repoDigests)
	}
	if err != nil {
		if v.cfg.Mode == "enforce" {
			return err
		}
		v.logger.Warn("Cosign verification errored", zap.Error(err))
		return nil
	}

	if result.Verified {
		v.logger.Info("Cosign verification passed",
			zap.String("image_ref", result.ImageRef),
			zap.String("method", method),
		)
		return nil
	}

	if v.cfg.Mode == "enforce" {
		return &errdefs.CosignVerificationError{ImageRef: result.ImageRef, Stderr: result.Stderr}
	}

	v.logger.Warn("Cosign verification failed",
		zap.String("image_ref", result.ImageRef),
		zap.String("stderr", result.Stderr),
	)
	return nil
}
