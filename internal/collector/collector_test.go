package collector

import (
	"context"
	"os"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/otto-bgp/otto-bgp/internal/config"
	"github.com/otto-bgp/otto-bgp/internal/model"
)

type fakeSession struct {
	outputs map[string]string
	err     error
}

func (f *fakeSession) Run(cmd string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.outputs[cmd], nil
}

func (f *fakeSession) Close() error { return nil }

type fakeDialer struct {
	sessionFor map[string]*fakeSession
	dialErr    map[string]error
}

func (f *fakeDialer) Dial(_ context.Context, addr string, _ *ssh.ClientConfig) (Session, error) {
	if err, ok := f.dialErr[addr]; ok {
		return nil, err
	}
	if s, ok := f.sessionFor[addr]; ok {
		return s, nil
	}
	return &fakeSession{outputs: map[string]string{}}, nil
}

func testCollector(dialer Dialer) *Collector {
	cfg := config.SSHConfig{
		Username:   "otto",
		Port:       22,
		MaxWorkers: 2,
		MaxRetries: 1,
		DeviceTimeoutSec: 5,
		// Password auth gives buildClientConfig an auth method without a
		// key file; os.DevNull is an empty, read-only known_hosts. The
		// fake dialer never checks either.
		AllowPasswordAuth: true,
		Password:          "x",
		KnownHostsPath:    os.DevNull,
	}
	return New(zap.NewNop(), cfg, dialer)
}

func TestCollectAllSuccess(t *testing.T) {
	dialer := &fakeDialer{
		sessionFor: map[string]*fakeSession{
			"10.0.0.1:22": {outputs: map[string]string{
				commandSet[0]: "group EXTERNAL { neighbor 1.2.3.4 { peer-as 13335; } }",
				commandSet[1]: "Group EXTERNAL Peer 1.2.3.4 AS 13335",
			}},
		},
	}
	c := testCollector(dialer)

	devices := []model.DeviceInfo{{Address: "10.0.0.1", Hostname: "r1", Port: 22}}
	results := c.CollectAll(context.Background(), devices)

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if !results[0].Success {
		t.Fatalf("expected success, got error kind %s (%v)", results[0].ErrorKind, results[0].Error)
	}
	if results[0].RawConfig == "" {
		t.Error("expected non-empty raw config")
	}
}

func TestCollectAllPartialFailureDoesNotAbort(t *testing.T) {
	dialer := &fakeDialer{
		dialErr: map[string]error{
			"10.0.0.2:22": &AuthError{Msg: "permission denied"},
		},
		sessionFor: map[string]*fakeSession{
			"10.0.0.1:22": {outputs: map[string]string{}},
		},
	}
	c := testCollector(dialer)

	devices := []model.DeviceInfo{
		{Address: "10.0.0.1", Hostname: "r1", Port: 22},
		{Address: "10.0.0.2", Hostname: "r2", Port: 22},
	}
	results := c.CollectAll(context.Background(), devices)

	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if !results[0].Success {
		t.Error("r1 should have succeeded")
	}
	if results[1].Success {
		t.Error("r2 should have failed")
	}
	if results[1].ErrorKind != "AuthError" {
		t.Errorf("r2 error kind = %s, want AuthError", results[1].ErrorKind)
	}
}

func TestAuthErrorNotRetried(t *testing.T) {
	calls := 0
	dialer := dialCounter{fakeDialer: fakeDialer{
		dialErr: map[string]error{"10.0.0.9:22": &AuthError{Msg: "permission denied"}},
	}, calls: &calls}

	c := testCollector(&dialer)
	devices := []model.DeviceInfo{{Address: "10.0.0.9", Hostname: "r9", Port: 22}}
	c.CollectAll(context.Background(), devices)

	if calls != 1 {
		t.Errorf("dial called %d times, want exactly 1 (no retry on auth failure)", calls)
	}
}

type dialCounter struct {
	fakeDialer
	calls *int
}

func (d *dialCounter) Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Session, error) {
	*d.calls++
	return d.fakeDialer.Dial(ctx, addr, cfg)
}
