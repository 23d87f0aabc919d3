// Package safety implements the UnifiedSafetyManager: it combines the
// guardrail engine with the notification sink, owns the rollback
// callback registry used during NETCONF confirmed-commit windows, and
// installs the process's signal handlers. Modeled as an explicit value
// owned by the orchestrator (never global mutable state), grounded on
// the teacher's engine.Start/Stop lifecycle and the events.Reader
// mutex-guarded listener-slice pattern for the rollback registry.
package safety

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/otto-bgp/otto-bgp/internal/config"
	"github.com/otto-bgp/otto-bgp/internal/guardrail"
	"github.com/otto-bgp/otto-bgp/internal/model"
	"github.com/otto-bgp/otto-bgp/internal/notify"
)

// ExitSIGINT and ExitSIGTERM are the dedicated process exit codes used
// after a signal-triggered shutdown.
const (
	ExitSIGINT  = 130
	ExitSIGTERM = 143
)

// RollbackFunc is invoked during signal-triggered shutdown for every
// router with an in-flight confirmed commit.
type RollbackFunc func()

// Manager is the UnifiedSafetyManager.
type Manager struct {
	log       *zap.Logger
	guardrail *guardrail.Engine
	notifier  *notify.Sink

	mu         sync.Mutex
	rollbacks  map[string]RollbackFunc
	sigCh      chan os.Signal
	onShutdown func(code int)
}

// New builds a Manager. onShutdown is called once, with the dedicated
// exit code, after all rollbacks have been invoked on signal; tests can
// intercept it instead of letting the process exit.
func New(log *zap.Logger, ge *guardrail.Engine, sink *notify.Sink, onShutdown func(code int)) *Manager {
	return &Manager{
		log:        log,
		guardrail:  ge,
		notifier:   sink,
		rollbacks:  map[string]RollbackFunc{},
		onShutdown: onShutdown,
	}
}

// InstallSignalHandlers registers SIGINT/SIGTERM handling. On receipt,
// the manager refuses new work, invokes every registered rollback, then
// calls onShutdown with the dedicated exit code.
func (m *Manager) InstallSignalHandlers() {
	m.sigCh = make(chan os.Signal, 1)
	signal.Notify(m.sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig, ok := <-m.sigCh
		if !ok {
			return
		}
		m.guardrail.SetSignalled()
		m.log.Warn("signal received, invoking registered rollbacks", zap.String("signal", sig.String()))
		m.runAllRollbacks()

		code := ExitSIGTERM
		if sig == syscall.SIGINT {
			code = ExitSIGINT
		}
		if m.onShutdown != nil {
			m.onShutdown(code)
		}
	}()
}

// StopSignalHandlers disarms signal handling; used for clean test
// teardown and at the end of a normal run.
func (m *Manager) StopSignalHandlers() {
	if m.sigCh != nil {
		signal.Stop(m.sigCh)
		close(m.sigCh)
	}
}

// RegisterRollback records a rollback callback for one router, used by
// NETCONFApplier during its confirmed-commit window.
func (m *Manager) RegisterRollback(router string, fn RollbackFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks[router] = fn
}

// ClearRollback removes a router's rollback callback once its window
// has confirmed or explicitly rolled back.
func (m *Manager) ClearRollback(router string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rollbacks, router)
}

func (m *Manager) runAllRollbacks() {
	m.mu.Lock()
	fns := make([]RollbackFunc, 0, len(m.rollbacks))
	for _, fn := range m.rollbacks {
		fns = append(fns, fn)
	}
	m.rollbacks = map[string]RollbackFunc{}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Evaluate is a pure pass-through to the guardrail engine.
func (m *Manager) Evaluate(artifacts []model.PolicyArtifact, router *model.RouterProfile, cfg *config.Config, baseline *guardrail.Baseline, autonomous bool) guardrail.Verdict {
	return m.guardrail.Evaluate(artifacts, router, cfg, baseline, autonomous)
}

// ShouldAutoApply is true iff autonomous mode is enabled, the verdict is
// low (non-blocking), and RPKI validation passed when enabled. The
// auto_apply_threshold configuration value is never consulted here: it
// is informational only.
func (m *Manager) ShouldAutoApply(cfg *config.Config, verdict guardrail.Verdict, rpkiPassed bool) bool {
	if !cfg.Autonomous.Enabled {
		return false
	}
	if verdict.Blocking || verdict.Level != guardrail.Low {
		return false
	}
	if cfg.RPKI.Enabled && !rpkiPassed {
		return false
	}
	return true
}

// EmitNETCONFEvent is a best-effort email dispatch; any underlying
// failure is already absorbed inside notify.Sink.Emit.
func (m *Manager) EmitNETCONFEvent(kind, hostname string, success bool, details map[string]string) {
	m.notifier.Emit(notify.Event{
		Kind:      kind,
		Hostname:  hostname,
		Success:   success,
		Timestamp: time.Now(),
		Details:   details,
	})
}
