package netconfapply

import (
	"context"
	"net/smtp"
	"sync"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/otto-bgp/otto-bgp/internal/config"
	"github.com/otto-bgp/otto-bgp/internal/guardrail"
	"github.com/otto-bgp/otto-bgp/internal/model"
	"github.com/otto-bgp/otto-bgp/internal/notify"
	"github.com/otto-bgp/otto-bgp/internal/safety"
)

type fakeSession struct {
	mu        sync.Mutex
	execCalls []string
	execErr   map[string]error
}

func (f *fakeSession) Exec(xml string) (string, error) {
	f.mu.Lock()
	f.execCalls = append(f.execCalls, xml)
	f.mu.Unlock()
	for substr, err := range f.execErr {
		if substr != "" && containsSub(xml, substr) {
			return "", err
		}
	}
	return "<ok/>", nil
}

func (f *fakeSession) Close() error { return nil }

func containsSub(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

type fakeDialer struct {
	session *fakeSession
	dialErr error
}

func (f *fakeDialer) Dial(_ context.Context, _ string, _ *ssh.ClientConfig) (Session, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.session, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) EmitNETCONFEvent(kind, _ string, _ bool, _ map[string]string) {
	r.mu.Lock()
	r.events = append(r.events, kind)
	r.mu.Unlock()
}

func testSafetyManager() *safety.Manager {
	ge := guardrail.New(zap.NewNop(), nil, false)
	sink := notify.New(zap.NewNop(), config.SMTPConfig{}).WithSender(
		func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error { return nil })
	return safety.New(zap.NewNop(), ge, sink, nil)
}

func testApplier(dialer Dialer, events EventEmitter, cfg config.NETCONFConfig) *Applier {
	return New(zap.NewNop(), cfg, dialer, events, testSafetyManager(), func(context.Context, string) bool { return true })
}

func TestApplyDryRunStopsAfterPreview(t *testing.T) {
	sess := &fakeSession{execErr: map[string]error{}}
	emitter := &recordingEmitter{}
	a := testApplier(&fakeDialer{session: sess}, emitter, config.NETCONFConfig{Port: 830, DryRun: true})

	artifacts := []model.PolicyArtifact{{Success: true, PolicyName: "AS13335", Content: "1.2.3.0/24;"}}
	result := a.Apply(context.Background(), "r1", "10.0.0.1", artifacts, false)

	if !result.Success {
		t.Fatalf("expected dry-run success, got %+v", result)
	}
	for _, forbidden := range []string{"commit", "confirm", "rollback"} {
		for _, ev := range emitter.events {
			if ev == forbidden {
				t.Errorf("dry-run must never emit %q event", forbidden)
			}
		}
	}
}

func TestApplyInteractiveModeLetsWindowExpire(t *testing.T) {
	sess := &fakeSession{}
	emitter := &recordingEmitter{}
	cfg := config.NETCONFConfig{Port: 830, ConfirmWindowSec: 0, AutonomousMonitorSec: 0}
	a := testApplier(&fakeDialer{session: sess}, emitter, cfg)

	artifacts := []model.PolicyArtifact{{Success: true, PolicyName: "AS13335", Content: "1.2.3.0/24;"}}
	result := a.Apply(context.Background(), "r1", "10.0.0.1", artifacts, false)

	if result.Success {
		t.Error("expected interactive (non-autonomous) apply to not self-confirm")
	}
	if !result.RollbackAttempted {
		t.Error("expected rollback_attempted=true when window expires unconfirmed")
	}
}

func TestApplyAutonomousConfirmsAfterHealthyMonitorWindow(t *testing.T) {
	sess := &fakeSession{}
	emitter := &recordingEmitter{}
	cfg := config.NETCONFConfig{Port: 830, ConfirmWindowSec: 0, AutonomousMonitorSec: 0}
	a := testApplier(&fakeDialer{session: sess}, emitter, cfg)

	artifacts := []model.PolicyArtifact{{Success: true, PolicyName: "AS13335", Content: "1.2.3.0/24;"}}
	result := a.Apply(context.Background(), "r1", "10.0.0.1", artifacts, true)

	if !result.Success {
		t.Fatalf("expected autonomous apply to confirm, got %+v", result)
	}

	foundConfirm := false
	for _, ev := range emitter.events {
		if ev == "confirm" {
			foundConfirm = true
		}
	}
	if !foundConfirm {
		t.Error("expected a confirm event to be emitted")
	}
}

func TestApplyLoadFailureAttemptsRollback(t *testing.T) {
	sess := &fakeSession{execErr: map[string]error{"edit-config": errDummy}}
	emitter := &recordingEmitter{}
	a := testApplier(&fakeDialer{session: sess}, emitter, config.NETCONFConfig{Port: 830})

	artifacts := []model.PolicyArtifact{{Success: true, PolicyName: "AS13335", Content: "1.2.3.0/24;"}}
	result := a.Apply(context.Background(), "r1", "10.0.0.1", artifacts, false)

	if result.Success {
		t.Error("expected failure when load RPC fails")
	}

	foundRollbackCall := false
	for _, call := range sess.execCalls {
		if containsSub(call, "load-configuration") {
			foundRollbackCall = true
		}
	}
	if !foundRollbackCall {
		t.Error("expected a rollback RPC attempt after load failure")
	}
}

func TestApplyConnectFailureEmitsFailedConnectEvent(t *testing.T) {
	emitter := &recordingEmitter{}
	a := testApplier(&fakeDialer{dialErr: errDummy}, emitter, config.NETCONFConfig{Port: 830})

	result := a.Apply(context.Background(), "r1", "10.0.0.1", nil, false)
	if result.Success {
		t.Error("expected failure on connect error")
	}
	if len(emitter.events) == 0 || emitter.events[0] != "connect" {
		t.Errorf("events = %v, want first event to be connect", emitter.events)
	}
}

type dummyError string

func (e dummyError) Error() string { return string(e) }

var errDummy = dummyError("netconf rpc error")
