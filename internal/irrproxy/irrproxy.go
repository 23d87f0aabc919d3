// Package irrproxy exposes IRR whois servers through SSH local-port
// forwards from a jump host, for networks where bgpq4 cannot reach IRR
// mirrors directly. SSH dial/host-key handling is grounded on
// internal/collector's buildClientConfig/hostKeyCallback pair, adapted
// from a command-session model to a forwarded-listener model.
package irrproxy

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/otto-bgp/otto-bgp/internal/config"
)

// TunnelError marks a failure to establish or verify one tunnel.
type TunnelError struct {
	Name string
	Msg  string
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel %q: %s", e.Name, e.Msg)
}

// Endpoint is the local side of an established tunnel.
type Endpoint struct {
	Name      string
	LocalPort int
}

// tunnel tracks one active forward's resources for teardown.
type tunnel struct {
	spec     config.TunnelSpec
	listener net.Listener
	done     chan struct{}
}

// Manager establishes and tears down SSH local-port-forward tunnels to
// IRR whois mirrors.
type Manager struct {
	log    *zap.Logger
	cfg    config.IRRProxyConfig
	client *ssh.Client

	mu       sync.Mutex
	tunnels  []*tunnel
	torndown bool
}

// New creates a Manager. It does not dial until Start is called.
func New(log *zap.Logger, cfg config.IRRProxyConfig) *Manager {
	return &Manager{log: log, cfg: cfg}
}

// Start dials the jump host and establishes one forward per configured
// tunnel, failing closed if any port is unavailable or any liveness
// check fails.
func (m *Manager) Start() ([]Endpoint, error) {
	if !m.cfg.Enabled {
		return nil, fmt.Errorf("irrproxy: not enabled")
	}

	clientCfg, err := m.buildClientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(m.cfg.JumpHost, "22")
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("irrproxy: dialing jump host %s: %w", addr, err)
	}
	m.client = client

	var endpoints []Endpoint
	for _, spec := range m.cfg.Tunnels {
		ep, err := m.establish(spec)
		if err != nil {
			m.teardownLocked()
			client.Close()
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	return endpoints, nil
}

func (m *Manager) establish(spec config.TunnelSpec) (Endpoint, error) {
	local := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", spec.LocalPort))

	ln, err := net.Listen("tcp", local)
	if err != nil {
		return Endpoint{}, &TunnelError{Name: spec.Name, Msg: fmt.Sprintf("local port %d unavailable: %v", spec.LocalPort, err)}
	}

	t := &tunnel{spec: spec, listener: ln, done: make(chan struct{})}
	m.mu.Lock()
	m.tunnels = append(m.tunnels, t)
	m.mu.Unlock()

	go m.forwardLoop(t)

	if err := m.liveness(spec.LocalPort); err != nil {
		return Endpoint{}, err
	}

	m.log.Info("irr tunnel established",
		zap.String("name", spec.Name),
		zap.Int("local_port", spec.LocalPort),
		zap.String("remote", fmt.Sprintf("%s:%d", spec.RemoteHost, spec.RemotePort)),
	)

	return Endpoint{Name: spec.Name, LocalPort: spec.LocalPort}, nil
}

func (m *Manager) forwardLoop(t *tunnel) {
	for {
		localConn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				m.log.Warn("irr tunnel accept failed", zap.String("name", t.spec.Name), zap.Error(err))
				return
			}
		}

		remoteAddr := fmt.Sprintf("%s:%d", t.spec.RemoteHost, t.spec.RemotePort)
		remoteConn, err := m.client.Dial("tcp", remoteAddr)
		if err != nil {
			m.log.Warn("irr tunnel remote dial failed", zap.String("name", t.spec.Name), zap.Error(err))
			localConn.Close()
			continue
		}

		go proxyConn(localConn, remoteConn)
	}
}

func proxyConn(a, b net.Conn) {
	defer a.Close()
	defer b.Close()
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}

// liveness attempts a TCP connect to the forwarded local port and fails
// closed on any error.
func (m *Manager) liveness(port int) error {
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return &TunnelError{Name: addr, Msg: fmt.Sprintf("liveness check failed: %v", err)}
	}
	conn.Close()
	return nil
}

func (m *Manager) buildClientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(m.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("irrproxy: reading jump key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("irrproxy: parsing jump key: %w", err)
	}

	cb, err := knownhosts.New(m.cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("irrproxy: loading known_hosts: %w", err)
	}

	return &ssh.ClientConfig{
		User:            m.cfg.JumpUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: cb,
		Timeout:         15 * time.Second,
	}, nil
}

// Stop tears down every tunnel and closes the jump-host connection. Safe
// to call from a signal handler; idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

func (m *Manager) teardownLocked() {
	if m.torndown {
		return
	}
	m.torndown = true

	for _, t := range m.tunnels {
		close(t.done)
		t.listener.Close()
	}
	if m.client != nil {
		m.client.Close()
	}

	m.log.Info("irr tunnels torn down", zap.Int("count", len(m.tunnels)))
}
