// Package guardrail implements the always-active safety checks that run
// before any policy is applied to a router. The Level enum and
// maximum-severity-wins aggregation are grounded on the teacher's
// internal/escalation package (Low/Medium/High/Critical, event history),
// generalized from threshold-crossing escalation to a fixed battery of
// independent pure checks evaluated once per apply decision.
package guardrail

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/otto-bgp/otto-bgp/internal/config"
	"github.com/otto-bgp/otto-bgp/internal/model"
	"github.com/otto-bgp/otto-bgp/internal/rpki"
)

// Level is the severity of a risk factor or an aggregated verdict.
type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// RiskFactor is one guardrail's finding.
type RiskFactor struct {
	Guardrail string
	Level     Level
	Blocking  bool
	Reason    string
}

// Verdict aggregates every guardrail's RiskFactor for one apply decision.
type Verdict struct {
	Level    Level
	Blocking bool
	Factors  []RiskFactor
}

var bogonRanges = mustParseCIDRs(
	"0.0.0.0/8", "10.0.0.0/8", "127.0.0.0/8", "169.254.0.0/16",
	"172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24", "192.168.0.0/16",
	"198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
	"224.0.0.0/4", "240.0.0.0/4",
	"::/8", "64:ff9b::/96", "100::/64", "2001::/32", "2001:db8::/32",
	"fc00::/7", "fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		nets = append(nets, n)
	}
	return nets
}

// Baseline is the prefix count of a router's previously committed
// policy, used to compute the prefix-count change ratio. A nil baseline
// means there is no prior committed policy: the prefix-change-ratio and
// session-impact guardrails then report nothing, and no comparison
// against the router's live configuration is made.
type Baseline struct {
	PrefixCount int
}

// Guardrail is a pure check: given the artifacts for one router and
// context, return zero or more risk factors. Guardrails never mutate
// anything they are passed.
type Guardrail func(artifacts []model.PolicyArtifact, router *model.RouterProfile, cfg *config.Config, baseline *Baseline, autonomous bool) []RiskFactor

// Engine composes a non-empty, non-removable set of built-in guardrails
// plus any test-injected extras, and evaluates them into a Verdict.
type Engine struct {
	log        *zap.Logger
	validator  *rpki.Validator
	rpkiStale  bool

	mu          sync.Mutex
	lockHeld    bool
	signalled   bool
	guardrails  []Guardrail
}

// New builds an Engine with the fixed built-in guardrail battery.
// validator may be nil when RPKI validation is disabled.
func New(log *zap.Logger, validator *rpki.Validator, rpkiStale bool) *Engine {
	e := &Engine{log: log, validator: validator, rpkiStale: rpkiStale}
	e.guardrails = []Guardrail{
		e.prefixChangeRatio,
		bogonDetection,
		e.concurrencyLock,
		e.signalRequestedStop,
		e.rpkiGuardrail,
		sessionImpact,
	}
	return e
}

// Extend registers an additional guardrail. Built-ins can never be
// removed.
func (e *Engine) Extend(g Guardrail) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guardrails = append(e.guardrails, g)
}

// SetLockHeld records whether a second pipeline invocation found a live
// operation lock.
func (e *Engine) SetLockHeld(held bool) {
	e.mu.Lock()
	e.lockHeld = held
	e.mu.Unlock()
}

// SetSignalled marks that SIGINT/SIGTERM was received during execution.
func (e *Engine) SetSignalled() {
	e.mu.Lock()
	e.signalled = true
	e.mu.Unlock()
}

// Evaluate runs every guardrail and aggregates factors by maximum
// severity, with ties broken by the presence of any blocking factor.
func (e *Engine) Evaluate(artifacts []model.PolicyArtifact, router *model.RouterProfile, cfg *config.Config, baseline *Baseline, autonomous bool) Verdict {
	e.mu.Lock()
	guardrails := append([]Guardrail(nil), e.guardrails...)
	e.mu.Unlock()

	var factors []RiskFactor
	for _, g := range guardrails {
		factors = append(factors, g(artifacts, router, cfg, baseline, autonomous)...)
	}

	verdict := Verdict{Level: Low}
	for _, f := range factors {
		if f.Level > verdict.Level {
			verdict.Level = f.Level
		}
		if f.Blocking {
			verdict.Blocking = true
		}
	}
	verdict.Factors = factors
	return verdict
}

func (e *Engine) prefixChangeRatio(artifacts []model.PolicyArtifact, _ *model.RouterProfile, cfg *config.Config, baseline *Baseline, autonomous bool) []RiskFactor {
	if baseline == nil {
		// No prior committed policy for this router: there is nothing to
		// compare against, so the ratio is undefined rather than 100%.
		return nil
	}

	current := countPrefixes(artifacts)
	ratio := changeRatio(baseline.PrefixCount, current)
	threshold := cfg.Guardrail.PrefixChangeRatioSystem
	if autonomous {
		threshold = cfg.Guardrail.PrefixChangeRatioAutonomous
	}

	if ratio <= threshold {
		return nil
	}

	return []RiskFactor{{
		Guardrail: "prefix_change_ratio",
		Level:     High,
		Blocking:  autonomous,
		Reason:    fmt.Sprintf("prefix change ratio %.2f exceeds threshold %.2f", ratio, threshold),
	}}
}

func changeRatio(prev, current int) float64 {
	if prev == 0 {
		if current == 0 {
			return 0
		}
		return 1
	}
	diff := current - prev
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(prev)
}

func countPrefixes(artifacts []model.PolicyArtifact) int {
	total := 0
	for _, a := range artifacts {
		total += CountPrefixes(a.Content)
	}
	return total
}

// CountPrefixes counts CIDR prefixes in a block of generated policy text
// by counting slash characters, the same convention used to size a live
// artifact. Exported so callers building a baseline from previously
// committed policy files on disk can reuse the identical counting rule.
func CountPrefixes(content string) int {
	return strings.Count(content, "/")
}

func bogonDetection(artifacts []model.PolicyArtifact, _ *model.RouterProfile, _ *config.Config, _ *Baseline, _ bool) []RiskFactor {
	var factors []RiskFactor
	for _, a := range artifacts {
		for _, tok := range strings.Fields(a.Content) {
			tok = strings.TrimSuffix(tok, ";")
			ip, _, err := net.ParseCIDR(tok)
			if err != nil {
				continue
			}
			for _, bogon := range bogonRanges {
				if bogon.Contains(ip) {
					factors = append(factors, RiskFactor{
						Guardrail: "bogon_detection",
						Level:     Critical,
						Blocking:  true,
						Reason:    fmt.Sprintf("bogon prefix %s in AS%d policy", tok, a.ASNumber),
					})
				}
			}
		}
	}
	return factors
}

func (e *Engine) concurrencyLock(_ []model.PolicyArtifact, _ *model.RouterProfile, _ *config.Config, _ *Baseline, _ bool) []RiskFactor {
	e.mu.Lock()
	held := e.lockHeld
	e.mu.Unlock()

	if !held {
		return nil
	}
	return []RiskFactor{{
		Guardrail: "concurrency_lock",
		Level:     Critical,
		Blocking:  true,
		Reason:    "a live operation lock already exists",
	}}
}

func (e *Engine) signalRequestedStop(_ []model.PolicyArtifact, _ *model.RouterProfile, _ *config.Config, _ *Baseline, _ bool) []RiskFactor {
	e.mu.Lock()
	signalled := e.signalled
	e.mu.Unlock()

	if !signalled {
		return nil
	}
	return []RiskFactor{{
		Guardrail: "signal_requested_stop",
		Level:     Critical,
		Blocking:  true,
		Reason:    "SIGINT/SIGTERM received during execution",
	}}
}

func (e *Engine) rpkiGuardrail(artifacts []model.PolicyArtifact, _ *model.RouterProfile, cfg *config.Config, _ *Baseline, autonomous bool) []RiskFactor {
	if !cfg.RPKI.Enabled || e.validator == nil {
		return nil
	}

	if e.rpkiStale {
		level := Medium
		if autonomous {
			level = High
		}
		return []RiskFactor{{
			Guardrail: "rpki_stale",
			Level:     level,
			Blocking:  autonomous,
			Reason:    "RPKI VRP cache is stale",
		}}
	}

	invalid := 0
	for _, a := range artifacts {
		if a.RPKISummary != nil {
			invalid += a.RPKISummary.Invalid
		}
	}
	if invalid == 0 {
		return nil
	}
	return []RiskFactor{{
		Guardrail: "rpki_invalid",
		Level:     High,
		Blocking:  autonomous,
		Reason:    fmt.Sprintf("%d RPKI-invalid prefixes", invalid),
	}}
}

// sessionImpact is advisory-only: no source clearly computes projected
// session churn from prefix diffs, so this guardrail only ever returns a
// medium, non-blocking factor based on the same change ratio used for
// prefix-count, never anything stronger.
func sessionImpact(artifacts []model.PolicyArtifact, _ *model.RouterProfile, cfg *config.Config, baseline *Baseline, _ bool) []RiskFactor {
	if baseline == nil {
		return nil
	}

	current := countPrefixes(artifacts)
	ratio := changeRatio(baseline.PrefixCount, current)
	if ratio <= cfg.Guardrail.SessionImpactPercent {
		return nil
	}
	return []RiskFactor{{
		Guardrail: "session_impact",
		Level:     Medium,
		Blocking:  false,
		Reason:    fmt.Sprintf("projected session churn %.2f exceeds advisory threshold %.2f", ratio, cfg.Guardrail.SessionImpactPercent),
	}}
}

// OperationLock guards the single global operation lock file: a PID
// file in the data directory.
type OperationLock struct {
	path string
}

// NewOperationLock builds a lock rooted at <dataDir>/locks/operation.lock.
func NewOperationLock(dataDir string) *OperationLock {
	return &OperationLock{path: dataDir + "/locks/operation.lock"}
}

// Acquire writes the current PID to the lock file, refusing if an
// existing lock names a still-live PID.
func (l *OperationLock) Acquire() (alreadyHeld bool, err error) {
	if err := os.MkdirAll(dirOf(l.path), 0o755); err != nil {
		return false, err
	}

	if data, readErr := os.ReadFile(l.path); readErr == nil {
		if pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data))); parseErr == nil && pidLive(pid) {
			return true, nil
		}
	}

	return false, os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Release removes the lock file on any exit path.
func (l *OperationLock) Release() error {
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func dirOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func pidLive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without affecting the process.
	return proc.Signal(syscall.Signal(0)) == nil
}
