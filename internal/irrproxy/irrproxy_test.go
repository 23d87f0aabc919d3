package irrproxy

import (
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/otto-bgp/otto-bgp/internal/config"
)

func TestLivenessFailsClosedWhenNothingListening(t *testing.T) {
	m := New(zap.NewNop(), config.IRRProxyConfig{})
	if err := m.liveness(1); err == nil {
		t.Error("expected liveness failure for port 1 (no listener)")
	}
}

func TestLivenessSucceedsAgainstRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	m := New(zap.NewNop(), config.IRRProxyConfig{})
	if err := m.liveness(port); err != nil {
		t.Errorf("liveness() error = %v, want nil", err)
	}
}

func TestEstablishFailsWhenLocalPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	m := New(zap.NewNop(), config.IRRProxyConfig{})
	_, err = m.establish(config.TunnelSpec{Name: "ripe", LocalPort: port, RemoteHost: "whois.ripe.net", RemotePort: 43})
	if err == nil {
		t.Error("expected establish() to fail when local port is already bound")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m := New(zap.NewNop(), config.IRRProxyConfig{})
	m.Stop()
	m.Stop()
}
