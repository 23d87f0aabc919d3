// Package netconfapply drives the per-router NETCONF session state
// machine: connect, load, preview, commit-confirmed, monitor, confirm-or-
// rollback, disconnect. Session/Dialer test-double abstraction mirrors
// internal/collector; the underlying RPC shape (DialSSH + Exec(RawMethod))
// is grounded on tynany's junos_exporter BGP collector, the only
// go-netconf consumer found in the retrieved pack.
package netconfapply

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Juniper/go-netconf/netconf"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/otto-bgp/otto-bgp/internal/config"
	"github.com/otto-bgp/otto-bgp/internal/model"
	"github.com/otto-bgp/otto-bgp/internal/safety"
)

// State is one point in the per-router application state machine.
type State int

const (
	Idle State = iota
	Connecting
	Loaded
	Previewed
	DryRunComplete
	Committing
	ConfirmationPending
	Confirmed
	RolledBack
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Loaded:
		return "Loaded"
	case Previewed:
		return "Previewed"
	case DryRunComplete:
		return "DryRunComplete"
	case Committing:
		return "Committing"
	case ConfirmationPending:
		return "ConfirmationPending"
	case Confirmed:
		return "Confirmed"
	case RolledBack:
		return "RolledBack"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Session is the minimal NETCONF surface the applier needs; satisfied
// by a thin wrapper over *netconf.Session in production and by a fake in
// tests.
type Session interface {
	Exec(xml string) (string, error)
	Close() error
}

// Dialer opens a NETCONF-over-SSH session.
type Dialer interface {
	Dial(ctx context.Context, addr string, sshCfg *ssh.ClientConfig) (Session, error)
}

// EventEmitter receives the ordered connect/load/preview/commit/confirm-
// or-rollback/disconnect event stream. UnifiedSafetyManager satisfies
// this via EmitNETCONFEvent.
type EventEmitter interface {
	EmitNETCONFEvent(kind, hostname string, success bool, details map[string]string)
}

// HealthChecker reports whether the router's BGP sessions still look
// healthy during the autonomous monitoring window.
type HealthChecker func(ctx context.Context, hostname string) bool

// Applier drives one router's NETCONF session through its state machine.
type Applier struct {
	log      *zap.Logger
	cfg      config.NETCONFConfig
	dialer   Dialer
	events   EventEmitter
	rollback *safety.Manager
	health   HealthChecker
	seq      int
}

// New builds an Applier. If dialer is nil, the real go-netconf-backed
// dialer is used.
func New(log *zap.Logger, cfg config.NETCONFConfig, dialer Dialer, events EventEmitter, rollback *safety.Manager, health HealthChecker) *Applier {
	if dialer == nil {
		dialer = &realDialer{}
	}
	if health == nil {
		health = func(context.Context, string) bool { return true }
	}
	return &Applier{log: log, cfg: cfg, dialer: dialer, events: events, rollback: rollback, health: health}
}

// SetDryRun overrides the dry-run flag the applier was constructed with;
// the orchestrator calls this once per run based on the --dry-run flag,
// since the underlying config snapshot is fixed at startup.
func (a *Applier) SetDryRun(dryRun bool) {
	a.cfg.DryRun = dryRun
}

// Apply runs the full per-router state machine for one set of policy
// artifacts, returning the final ApplicationResult.
func (a *Applier) Apply(ctx context.Context, hostname, address string, artifacts []model.PolicyArtifact, autonomous bool) model.ApplicationResult {
	result := model.ApplicationResult{Router: hostname, Autonomous: autonomous, StartedAt: time.Now()}
	state := Idle

	sshCfg, err := a.buildClientConfig()
	if err != nil {
		return a.fail(result, hostname, state, err)
	}

	addr := fmt.Sprintf("%s:%d", address, a.cfg.Port)
	state = Connecting
	sess, err := a.dialer.Dial(ctx, addr, sshCfg)
	if err != nil {
		a.events.EmitNETCONFEvent("connect", hostname, false, map[string]string{"error": err.Error()})
		return a.fail(result, hostname, state, err)
	}
	a.events.EmitNETCONFEvent("connect", hostname, true, nil)
	defer func() {
		sess.Close()
		a.events.EmitNETCONFEvent("disconnect", hostname, true, nil)
	}()

	candidate := buildCandidateConfig(artifacts)

	state = Loaded
	if _, err := sess.Exec(buildLoadRPC(candidate)); err != nil {
		a.events.EmitNETCONFEvent("load", hostname, false, map[string]string{"error": err.Error()})
		a.attemptRollback(sess, hostname)
		return a.fail(result, hostname, state, err)
	}
	a.events.EmitNETCONFEvent("load", hostname, true, nil)

	state = Previewed
	diffSummary, err := sess.Exec(buildDiffRPC())
	if err != nil {
		a.events.EmitNETCONFEvent("preview", hostname, false, map[string]string{"error": err.Error()})
		a.attemptRollback(sess, hostname)
		return a.fail(result, hostname, state, err)
	}
	a.events.EmitNETCONFEvent("preview", hostname, true, map[string]string{"diff": truncate(diffSummary, 2000)})

	if a.cfg.DryRun {
		state = DryRunComplete
		result.Success = true
		result.FinishedAt = time.Now()
		return result
	}

	state = Committing
	otto := a.nextCommitID()
	commitID, err := sess.Exec(buildCommitConfirmedRPC(a.cfg.ConfirmWindowSec))
	if err != nil {
		a.events.EmitNETCONFEvent("commit", hostname, false, map[string]string{"error": err.Error()})
		a.attemptRollback(sess, hostname)
		return a.fail(result, hostname, state, err)
	}
	result.CommitID = commitID
	result.OttoCommitID = otto
	a.events.EmitNETCONFEvent("commit", hostname, true, map[string]string{"commit_id": commitID, "otto_commit_id": otto})

	state = ConfirmationPending
	rollbackIssued := make(chan struct{}, 1)
	a.rollback.RegisterRollback(hostname, func() {
		sess.Exec(buildRollbackRPC())
		select {
		case rollbackIssued <- struct{}{}:
		default:
		}
	})
	defer a.rollback.ClearRollback(hostname)

	confirmed := a.monitorAndConfirm(ctx, sess, hostname, autonomous)

	if confirmed {
		state = Confirmed
		a.events.EmitNETCONFEvent("confirm", hostname, true, map[string]string{"commit_id": commitID})
		result.Success = true
	} else {
		state = RolledBack
		a.events.EmitNETCONFEvent("rollback", hostname, true, map[string]string{"reason": "confirmation window expired or health check failed"})
		result.Success = false
		result.RollbackAttempted = true
	}

	result.FinishedAt = time.Now()
	_ = state
	return result
}

// monitorAndConfirm waits for the lesser of operator confirmation (not
// modeled here — autonomous is the only in-process caller), the
// autonomous health-check window, or the confirm window timeout. It
// returns true if the commit should be confirmed.
func (a *Applier) monitorAndConfirm(ctx context.Context, sess Session, hostname string, autonomous bool) bool {
	if !autonomous {
		// Interactive mode: the confirm window simply expires unless an
		// operator confirms out of band; letting it expire is safe by
		// design (the router auto-rolls-back), so the applier itself
		// never confirms on the operator's behalf.
		return false
	}

	monitorWindow := time.Duration(a.cfg.AutonomousMonitorSec) * time.Second
	if monitorWindow <= 0 {
		monitorWindow = 300 * time.Second
	}
	confirmWindow := time.Duration(a.cfg.ConfirmWindowSec) * time.Second

	wait := monitorWindow
	if confirmWindow < wait {
		wait = confirmWindow
	}

	monitorCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	<-monitorCtx.Done()

	if !a.health(ctx, hostname) {
		return false
	}

	if _, err := sess.Exec(buildConfirmRPC()); err != nil {
		a.log.Warn("confirm RPC failed", zap.String("hostname", hostname), zap.Error(err))
		return false
	}
	return true
}

func (a *Applier) attemptRollback(sess Session, hostname string) {
	if _, err := sess.Exec(buildRollbackRPC()); err != nil {
		a.log.Warn("rollback attempt failed", zap.String("hostname", hostname), zap.Error(err))
	}
}

func (a *Applier) fail(result model.ApplicationResult, hostname string, state State, err error) model.ApplicationResult {
	result.Success = false
	result.Error = err.Error()
	result.FinishedAt = time.Now()
	a.log.Error("netconf apply failed", zap.String("hostname", hostname), zap.String("state", state.String()), zap.Error(err))
	return result
}

func (a *Applier) nextCommitID() string {
	a.seq++
	return fmt.Sprintf("%s-%04d-%s", time.Now().UTC().Format("20060102T150405Z"), a.seq, uuid.NewString()[:8])
}

func buildCandidateConfig(artifacts []model.PolicyArtifact) string {
	var b strings.Builder
	b.WriteString("policy-options {\n")
	for _, a := range artifacts {
		if !a.Success {
			continue
		}
		fmt.Fprintf(&b, "replace: prefix-list %s {\n%s\n}\n", a.PolicyName, a.Content)
	}
	b.WriteString("}\n")
	return b.String()
}

func buildLoadRPC(candidate string) string {
	return fmt.Sprintf(`<edit-config><target><candidate/></target><config>%s</config></edit-config>`, escapeXML(candidate))
}

func buildDiffRPC() string {
	return `<get-configuration compare="rollback" compare-rollback="0"/>`
}

func buildCommitConfirmedRPC(confirmWindowSec int) string {
	return fmt.Sprintf(`<commit-configuration><confirmed/><confirm-timeout>%d</confirm-timeout></commit-configuration>`, confirmWindowSec/60)
}

func buildConfirmRPC() string {
	return `<commit-configuration/>`
}

func buildRollbackRPC() string {
	return `<load-configuration rollback="1"/>`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func (a *Applier) buildClientConfig() (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	if a.cfg.KeyPath != "" {
		key, err := os.ReadFile(a.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("netconfapply: reading private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("netconfapply: parsing private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("netconfapply: no key configured")
	}

	cb, err := knownhosts.New("/var/lib/otto-bgp/known_hosts")
	if err != nil {
		return nil, fmt.Errorf("netconfapply: loading known_hosts: %w", err)
	}

	return &ssh.ClientConfig{
		User:            a.cfg.Username,
		Auth:            auths,
		HostKeyCallback: cb,
		Timeout:         15 * time.Second,
	}, nil
}

// realDialer is the production Dialer backed by go-netconf.
type realDialer struct{}

func (realDialer) Dial(_ context.Context, addr string, sshCfg *ssh.ClientConfig) (Session, error) {
	s, err := netconf.DialSSH(addr, sshCfg)
	if err != nil {
		return nil, err
	}
	return &realSession{session: s}, nil
}

type realSession struct {
	session *netconf.Session
}

func (s *realSession) Exec(xml string) (string, error) {
	reply, err := s.session.Exec(netconf.RawMethod(xml))
	if err != nil {
		return "", err
	}
	return reply.RawReply, nil
}

func (s *realSession) Close() error {
	return s.session.Close()
}
