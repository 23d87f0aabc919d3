// Package collector opens SSH sessions to Juniper routers and runs a
// fixed, allowlisted set of read-only show commands to capture BGP
// configuration. Session lifecycle (connect, run, disconnect, audit) is
// grounded on the teacher's internal/bgp package; retry policy is
// grounded on the cenkalti/backoff pattern used throughout the pack.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/otto-bgp/otto-bgp/internal/config"
	"github.com/otto-bgp/otto-bgp/internal/model"
)

// commandSet is the fixed, allowlisted list of read-only commands run on
// every device. No shell metacharacters are ever concatenated into
// these — each is executed verbatim as a single Juniper CLI command.
var commandSet = []string{
	"show configuration protocols bgp | display inheritance no-comments",
	"show bgp group",
}

// HostKeyError is terminal and logged as a security event; it is never
// retried.
type HostKeyError struct{ Msg string }

func (e *HostKeyError) Error() string { return "host key verification failed: " + e.Msg }

// AuthError is terminal and never retried.
type AuthError struct{ Msg string }

func (e *AuthError) Error() string { return "authentication failed: " + e.Msg }

// TimeoutError is retried up to the configured maximum.
type TimeoutError struct{ Msg string }

func (e *TimeoutError) Error() string { return "operation timed out: " + e.Msg }

// TransportError is retried (connection reset, temporary DNS failure).
type TransportError struct{ Msg string }

func (e *TransportError) Error() string { return "transport error: " + e.Msg }

// CommandError is terminal; the command itself failed on the device.
type CommandError struct{ Msg string }

func (e *CommandError) Error() string { return "command failed: " + e.Msg }

// Dialer abstracts the SSH dial+session mechanics so tests can inject a
// fake transport without a real network.
type Dialer interface {
	Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Session, error)
}

// Session is the minimal surface collector needs from an SSH connection.
type Session interface {
	Run(cmd string) (string, error)
	Close() error
}

// Collector runs the fixed command set against a fleet of devices.
type Collector struct {
	log    *zap.Logger
	cfg    config.SSHConfig
	dialer Dialer
}

// New creates a Collector. If dialer is nil, the real golang.org/x/crypto/ssh
// transport is used.
func New(log *zap.Logger, cfg config.SSHConfig, dialer Dialer) *Collector {
	if dialer == nil {
		dialer = &realDialer{}
	}
	return &Collector{log: log, cfg: cfg, dialer: dialer}
}

// CollectAll runs the fixed command set against every device, fanning
// out across up to cfg.MaxWorkers goroutines. Failed devices are
// recorded in the returned slice rather than aborting the stage.
func (c *Collector) CollectAll(ctx context.Context, devices []model.DeviceInfo) []model.CollectionResult {
	results := make([]model.CollectionResult, len(devices))

	workers := c.cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, dev := range devices {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, dev model.DeviceInfo) {
			defer wg.Done()
			defer func() { <-sem }()

			deviceCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.DeviceTimeoutSec)*time.Second)
			defer cancel()

			results[i] = c.collectOne(deviceCtx, dev)
		}(i, dev)
	}

	wg.Wait()
	return results
}

func (c *Collector) collectOne(ctx context.Context, dev model.DeviceInfo) model.CollectionResult {
	res := model.CollectionResult{Device: dev}

	raw, err := c.runWithRetry(ctx, dev)
	if err != nil {
		res.Success = false
		res.Error = err
		res.ErrorKind = classify(err)
		if res.ErrorKind == "HostKeyError" {
			c.log.Warn("security event: host key mismatch",
				zap.String("security_event", "host_key_mismatch"),
				zap.String("hostname", dev.Hostname),
				zap.String("address", dev.Address),
			)
		}
		return res
	}

	res.Success = true
	res.RawConfig = raw
	return res
}

func classify(err error) string {
	switch err.(type) {
	case *HostKeyError:
		return "HostKeyError"
	case *AuthError:
		return "AuthError"
	case *TimeoutError:
		return "TimeoutError"
	case *TransportError:
		return "TransportError"
	case *CommandError:
		return "CommandError"
	default:
		return "TransportError"
	}
}

// runWithRetry applies exponential backoff to transient errors only;
// host-key, auth, and command failures are never retried.
func (c *Collector) runWithRetry(ctx context.Context, dev model.DeviceInfo) (string, error) {
	maxRetries := c.cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxRetries)), ctx)

	var raw string
	op := func() error {
		var err error
		raw, err = c.collectDevice(ctx, dev)
		if err != nil {
			switch err.(type) {
			case *HostKeyError, *AuthError, *CommandError:
				return backoff.Permanent(err)
			default:
				return err
			}
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return "", perm.Err
		}
		return "", err
	}
	return raw, nil
}

func (c *Collector) collectDevice(ctx context.Context, dev model.DeviceInfo) (string, error) {
	clientCfg, err := c.buildClientConfig(dev)
	if err != nil {
		return "", err
	}

	port := dev.Port
	if port == 0 {
		port = c.cfg.Port
	}
	addr := net.JoinHostPort(dev.Address, fmt.Sprintf("%d", port))

	sess, err := c.dialer.Dial(ctx, addr, clientCfg)
	if err != nil {
		if isHostKeyErr(err) {
			return "", &HostKeyError{Msg: err.Error()}
		}
		if isAuthErr(err) {
			return "", &AuthError{Msg: err.Error()}
		}
		return "", &TransportError{Msg: err.Error()}
	}
	defer sess.Close()

	var b strings.Builder
	for _, cmd := range commandSet {
		out, err := sess.Run(cmd)
		if err != nil {
			return "", &CommandError{Msg: fmt.Sprintf("%q: %v", cmd, err)}
		}
		b.WriteString(out)
		b.WriteString("\n")
	}

	out := b.String()
	if c.cfg.MaxConfigBytes > 0 && len(out) > c.cfg.MaxConfigBytes {
		out = out[:c.cfg.MaxConfigBytes]
	}
	return out, nil
}

func (c *Collector) buildClientConfig(dev model.DeviceInfo) (*ssh.ClientConfig, error) {
	user := dev.Username
	if user == "" {
		user = c.cfg.Username
	}

	var auths []ssh.AuthMethod
	if c.cfg.KeyPath != "" {
		key, err := os.ReadFile(c.cfg.KeyPath)
		if err != nil {
			return nil, &AuthError{Msg: fmt.Sprintf("reading private key: %v", err)}
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, &AuthError{Msg: fmt.Sprintf("parsing private key: %v", err)}
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if c.cfg.AllowPasswordAuth && c.cfg.Password != "" {
		auths = append(auths, ssh.Password(c.cfg.Password))
	}
	if len(auths) == 0 {
		return nil, &AuthError{Msg: "no authentication method configured"}
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         time.Duration(15) * time.Second,
	}, nil
}

// hostKeyCallback returns a strict known_hosts-backed callback. In setup
// mode, a host key that known_hosts has never seen before is recorded
// rather than rejected; a key that conflicts with an existing recorded
// entry is still rejected outright, setup mode or not.
func (c *Collector) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.cfg.SetupMode {
		if _, err := os.Stat(c.cfg.KnownHostsPath); os.IsNotExist(err) {
			if err := os.WriteFile(c.cfg.KnownHostsPath, nil, 0o600); err != nil {
				return nil, &HostKeyError{Msg: fmt.Sprintf("creating known_hosts: %v", err)}
			}
		}
	}

	cb, err := knownhosts.New(c.cfg.KnownHostsPath)
	if err != nil {
		return nil, &HostKeyError{Msg: fmt.Sprintf("loading known_hosts: %v", err)}
	}

	if !c.cfg.SetupMode {
		return cb, nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return c.recordHostKey(hostname, remote, key)
		}
		return err
	}, nil
}

// recordHostKey appends a newly seen host key to known_hosts, the setup-
// mode equivalent of an operator running ssh-keyscan once by hand.
func (c *Collector) recordHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	f, err := os.OpenFile(c.cfg.KnownHostsPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return &HostKeyError{Msg: fmt.Sprintf("opening known_hosts for setup recording: %v", err)}
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(remote.String())}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return &HostKeyError{Msg: fmt.Sprintf("recording host key: %v", err)}
	}
	c.log.Warn("recorded new host key in setup mode", zap.String("hostname", hostname))
	return nil
}

func isHostKeyErr(err error) bool {
	return strings.Contains(err.Error(), "knownhosts") ||
		strings.Contains(err.Error(), "host key") ||
		strings.Contains(err.Error(), "key mismatch")
}

func isAuthErr(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "permission denied")
}

// realDialer is the production Dialer backed by golang.org/x/crypto/ssh.
type realDialer struct{}

func (realDialer) Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Session, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	client := ssh.NewClient(c, chans, reqs)
	return &realSession{client: client}, nil
}

type realSession struct {
	client *ssh.Client
}

func (s *realSession) Run(cmd string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	out, err := sess.CombinedOutput(cmd)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *realSession) Close() error {
	return s.client.Close()
}
