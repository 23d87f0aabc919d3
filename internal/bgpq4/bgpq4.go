// Package bgpq4 wraps the bgpq4 IRR policy-generator binary: strict
// input validation, argv-list subprocess invocation (never a shell
// string), and bounded-worker batching. Subprocess invocation style is
// grounded on the exec.CommandContext(ctx, argv...) pattern used
// throughout the pack (e.g. the crawler's ffmpeg/ffprobe workers).
package bgpq4

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/otto-bgp/otto-bgp/internal/config"
	"github.com/otto-bgp/otto-bgp/internal/model"
)

var policyNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidationError marks an input that failed pre-execution validation.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// TimeoutError marks a bgpq4 invocation that exceeded its wall-clock budget.
type TimeoutError struct{ Msg string }

func (e *TimeoutError) Error() string { return "timeout: " + e.Msg }

// ExecutionError marks a bgpq4 process that exited non-zero.
type ExecutionError struct{ Msg string }

func (e *ExecutionError) Error() string { return "execution: " + e.Msg }

// ProxyUnavailableError marks a request that needed the IRR proxy but
// none was available (e.g. a non-native execution mode under proxy mode).
type ProxyUnavailableError struct{ Msg string }

func (e *ProxyUnavailableError) Error() string { return "proxy unavailable: " + e.Msg }

// Runner abstracts subprocess execution so tests can avoid invoking a
// real bgpq4 binary.
type Runner interface {
	Run(ctx context.Context, name string, argv []string) (stdout string, err error)
}

// Wrapper generates Juniper prefix-list policies via bgpq4.
type Wrapper struct {
	log    *zap.Logger
	cfg    config.BGPq4Config
	runner Runner
}

// New creates a Wrapper. If runner is nil, the real os/exec-backed
// runner is used, dispatching native/Docker/Podman invocation per
// cfg.Mode.
func New(log *zap.Logger, cfg config.BGPq4Config, runner Runner) *Wrapper {
	if runner == nil {
		runner = &execRunner{mode: cfg.Mode, image: cfg.ContainerImage}
	}
	return &Wrapper{log: log, cfg: cfg, runner: runner}
}

// ValidateASNumber parses a string AS token (optional "AS" prefix) into
// a strict uint32 in [0, 2^32-1].
func ValidateASNumber(tok string) (uint32, error) {
	tok = strings.TrimSpace(tok)
	digits := strings.TrimPrefix(strings.ToUpper(tok), "AS")
	if digits == "" {
		return 0, &ValidationError{Msg: fmt.Sprintf("empty AS token %q", tok)}
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, &ValidationError{Msg: fmt.Sprintf("AS token %q is not a plain integer", tok)}
		}
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || n > 4294967295 {
		return 0, &ValidationError{Msg: fmt.Sprintf("AS token %q out of range", tok)}
	}
	return uint32(n), nil
}

// ValidatePolicyName enforces the fixed policy-name charset and length.
func ValidatePolicyName(name string) error {
	if !policyNamePattern.MatchString(name) {
		return &ValidationError{Msg: fmt.Sprintf("policy name %q must match [A-Za-z0-9_-]{1,64}", name)}
	}
	return nil
}

// TunnelEndpoint is the proxy-local IRR endpoint, when in use.
type TunnelEndpoint struct {
	host string
	port int
}

// NewTunnelEndpoint builds a TunnelEndpoint for a local-forwarded tunnel.
// The host is used as given; callers pass 127.0.0.1, where the IRR proxy
// binds its local forwards.
func NewTunnelEndpoint(host string, port int) *TunnelEndpoint {
	return &TunnelEndpoint{host: host, port: port}
}

// GenerateOne builds one PolicyArtifact for a single AS number.
func (w *Wrapper) GenerateOne(ctx context.Context, asNumber uint32, policyName string, proxy *TunnelEndpoint) model.PolicyArtifact {
	artifact := model.PolicyArtifact{ASNumber: asNumber, PolicyName: policyName}

	if err := ValidatePolicyName(policyName); err != nil {
		artifact.Success = false
		artifact.ErrorKind = "Validation"
		artifact.ErrorMessage = err.Error()
		return artifact
	}

	if proxy != nil && !w.isNativeMode() {
		artifact.Success = false
		artifact.ErrorKind = "ProxyUnavailable"
		artifact.ErrorMessage = "containerized bgpq4 cannot reach host-bound tunnels"
		return artifact
	}

	argv := buildArgv(policyName, asNumber, proxy)

	timeout := time.Duration(w.cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := w.runWithRetry(runCtx, argv)
	if err != nil {
		artifact.Success = false
		switch err.(type) {
		case *TimeoutError:
			artifact.ErrorKind = "Timeout"
		case *ValidationError:
			artifact.ErrorKind = "Validation"
		default:
			artifact.ErrorKind = "Execution"
		}
		artifact.ErrorMessage = err.Error()
		return artifact
	}

	artifact.Success = true
	artifact.Content = out
	return artifact
}

// buildArgv builds the argv list: bgpq4 -Jl <policy_name> AS<n>, with an
// optional proxy host argument. Exactly three tokens follow the binary
// name in the base form, per the invariant that argv never grows a
// shell-interpretable string.
func buildArgv(policyName string, asNumber uint32, proxy *TunnelEndpoint) []string {
	argv := []string{"-Jl", policyName}
	if proxy != nil {
		argv = append(argv, "-h", fmt.Sprintf("%s:%d", proxy.host, proxy.port))
	}
	argv = append(argv, fmt.Sprintf("AS%d", asNumber))
	return argv
}

func (w *Wrapper) isNativeMode() bool {
	return w.cfg.Mode == "native" || w.cfg.Mode == "auto"
}

func (w *Wrapper) runWithRetry(ctx context.Context, argv []string) (string, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)

	var out string
	op := func() error {
		var err error
		out, err = w.runner.Run(ctx, "bgpq4", argv)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(&TimeoutError{Msg: err.Error()})
			}
			return &ExecutionError{Msg: err.Error()}
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return "", perm.Err
		}
		if ctx.Err() != nil {
			return "", &TimeoutError{Msg: err.Error()}
		}
		return "", err
	}
	return out, nil
}

// GenerateBatch runs GenerateOne for every AS number across a bounded
// worker pool, capped at w.cfg.MaxWorkers (reduced when proxy is active).
func (w *Wrapper) GenerateBatch(ctx context.Context, asNumbers []uint32, namer func(uint32) string, proxy *TunnelEndpoint) []model.PolicyArtifact {
	workers := w.cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	if proxy != nil && workers > 4 {
		workers = 4
	}

	results := make([]model.PolicyArtifact, len(asNumbers))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, as := range asNumbers {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, as uint32) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = w.GenerateOne(ctx, as, namer(as), proxy)
		}(i, as)
	}

	wg.Wait()
	return results
}

// execRunner is the production Runner backed by os/exec. It dispatches
// invocation per mode: native runs the bgpq4 binary directly; docker and
// podman wrap it in a one-shot "<engine> run --rm -i <image> bgpq4 ..."
// invocation; auto resolves to the first of native, docker, podman whose
// binary is found on PATH.
type execRunner struct {
	mode  string
	image string
}

func (r execRunner) Run(ctx context.Context, name string, argv []string) (string, error) {
	engine, wrappedArgv, err := r.resolve(name, argv)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, engine, wrappedArgv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %v: %w (stderr: %s)", engine, wrappedArgv, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// resolve picks the binary to execute and the argv to pass it, given the
// configured mode.
func (r execRunner) resolve(name string, argv []string) (string, []string, error) {
	switch r.mode {
	case "native":
		return name, argv, nil
	case "docker", "podman":
		return r.mode, containerArgv(r.mode, r.image, name, argv), nil
	case "auto", "":
		if _, err := exec.LookPath(name); err == nil {
			return name, argv, nil
		}
		for _, engine := range []string{"docker", "podman"} {
			if _, err := exec.LookPath(engine); err == nil {
				return engine, containerArgv(engine, r.image, name, argv), nil
			}
		}
		return "", nil, &ExecutionError{Msg: fmt.Sprintf("auto mode: no %s binary and no container engine found on PATH", name)}
	default:
		return "", nil, &ValidationError{Msg: fmt.Sprintf("unknown bgpq4 mode %q", r.mode)}
	}
}

// containerArgv builds "<engine> run --rm -i <image> <name> <argv...>",
// a one-shot container invocation that never leaves state behind.
func containerArgv(engine, image, name string, argv []string) []string {
	wrapped := []string{"run", "--rm", "-i", image, name}
	return append(wrapped, argv...)
}
