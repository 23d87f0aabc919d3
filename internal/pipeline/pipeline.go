// Package pipeline implements the PipelineOrchestrator: Collect ->
// Discover -> Generate -> Validate -> Apply -> Report. Stage-timing and
// stage-is-a-function-of-context shape is grounded on the teacher's
// engine.Start sequential step numbering (Step 1..8, each building on
// the last, logging entry/exit); continuation-on-partial-failure is
// grounded on internal/collector.CollectAll.
package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otto-bgp/otto-bgp/internal/bgpparse"
	"github.com/otto-bgp/otto-bgp/internal/bgpq4"
	"github.com/otto-bgp/otto-bgp/internal/collector"
	"github.com/otto-bgp/otto-bgp/internal/config"
	"github.com/otto-bgp/otto-bgp/internal/discovery"
	"github.com/otto-bgp/otto-bgp/internal/guardrail"
	"github.com/otto-bgp/otto-bgp/internal/irrproxy"
	"github.com/otto-bgp/otto-bgp/internal/model"
	"github.com/otto-bgp/otto-bgp/internal/netconfapply"
	"github.com/otto-bgp/otto-bgp/internal/rpki"
	"github.com/otto-bgp/otto-bgp/internal/safety"
)

// Orchestrator wires every pipeline-stage component together and drives
// a single end-to-end run.
type Orchestrator struct {
	log       *zap.Logger
	cfg       *config.Config
	collector *collector.Collector
	discovery *discovery.Store
	bgpq4     *bgpq4.Wrapper
	irrproxy  *irrproxy.Manager
	validator *rpki.Validator
	validatorStale bool
	safety    *safety.Manager
	applier   *netconfapply.Applier
}

// New builds an Orchestrator. validator and irrproxy.Manager may be nil
// when RPKI or the IRR proxy are disabled.
func New(
	log *zap.Logger,
	cfg *config.Config,
	col *collector.Collector,
	disc *discovery.Store,
	bq *bgpq4.Wrapper,
	proxy *irrproxy.Manager,
	validator *rpki.Validator,
	validatorStale bool,
	sm *safety.Manager,
	applier *netconfapply.Applier,
) *Orchestrator {
	return &Orchestrator{
		log: log, cfg: cfg, collector: col, discovery: disc, bgpq4: bq,
		irrproxy: proxy, validator: validator, validatorStale: validatorStale,
		safety: sm, applier: applier,
	}
}

// Run executes every stage in order, recording elapsed time for each,
// and returns the final context for reporting.
func (o *Orchestrator) Run(ctx context.Context, devices []model.DeviceInfo, autonomous, dryRun bool) *model.PipelineContext {
	pc := &model.PipelineContext{
		ExecutionID: uuid.NewString(),
		OutputDir:   o.cfg.OutputDir,
		Devices:     devices,
	}

	baselines := o.loadBaselines()

	pc = o.timed(pc, "collect", o.stageCollect)
	pc = o.timed(pc, "discover", o.stageDiscover)
	pc = o.timed(pc, "generate", o.stageGenerate)

	if len(pc.PolicyArtifacts) == 0 {
		pc.Warnings = append(pc.Warnings, "generate produced zero AS numbers; skipping apply")
		return o.timed(pc, "report", o.stageReport)
	}

	pc = o.timed(pc, "validate", o.stageValidate)

	if autonomous {
		pc = o.timed(pc, "apply", func(ctx context.Context, pc *model.PipelineContext) *model.PipelineContext {
			return o.stageApply(ctx, pc, dryRun, baselines)
		})
	}

	return o.timed(pc, "report", o.stageReport)
}

type stageFn func(ctx context.Context, pc *model.PipelineContext) *model.PipelineContext

func (o *Orchestrator) timed(pc *model.PipelineContext, name string, fn stageFn) *model.PipelineContext {
	pc.CurrentStage = name
	start := time.Now()
	next := fn(context.Background(), pc)
	next.StageTimings = append(next.StageTimings, model.StageTiming{
		Stage: name, Started: start, Duration: time.Since(start),
	})
	return next
}

func (o *Orchestrator) stageCollect(ctx context.Context, pc *model.PipelineContext) *model.PipelineContext {
	next := pc.Clone()
	next.CollectionResults = o.collector.CollectAll(ctx, pc.Devices)

	for _, r := range next.CollectionResults {
		if !r.Success {
			next.FailedDevices = append(next.FailedDevices, r.Device.Hostname)
			next.Warnings = append(next.Warnings, fmt.Sprintf("collect failed for %s: %s", r.Device.Hostname, r.ErrorKind))
		}
	}
	return next
}

func (o *Orchestrator) stageDiscover(_ context.Context, pc *model.PipelineContext) *model.PipelineContext {
	next := pc.Clone()
	next.RouterProfiles = map[string]*model.RouterProfile{}

	now := time.Now()
	for _, r := range pc.CollectionResults {
		if !r.Success {
			continue
		}
		res := bgpparse.Parse(r.RawConfig)
		profile := bgpparse.BuildProfile(r.Device.Hostname, r.Device.Address, r.RawConfig, res, now, "junos")
		next.RouterProfiles[r.Device.Hostname] = profile
		if res.PartiallyParsed {
			next.Warnings = append(next.Warnings, fmt.Sprintf("%s: BGP config partially parsed, used fallback extraction", r.Device.Hostname))
		}
	}

	prev, err := o.discovery.Load()
	if err != nil {
		next.Errors = append(next.Errors, err.Error())
		return next
	}

	mapping := discovery.BuildMapping(next.RouterProfiles, now)
	report := discovery.Diff(prev, mapping)
	next.DiscoveryChanged = report.Changed

	if err := o.discovery.Save(mapping, report); err != nil {
		next.Errors = append(next.Errors, err.Error())
	}

	return next
}

// loadBaselines reads the prefix count of each router's previously
// committed policy files before stageGenerate overwrites them, so the
// guardrail engine can compare against what is actually on disk rather
// than an empty in-memory map. A router with no prior committed policy
// is simply absent from the result, which the guardrail engine treats
// as "no baseline" rather than a 100% change.
func (o *Orchestrator) loadBaselines() map[string]int {
	baselines := map[string]int{}

	routersDir := filepath.Join(o.cfg.OutputDir, "routers")
	entries, err := os.ReadDir(routersDir)
	if err != nil {
		return baselines
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		hostname := entry.Name()
		files, err := os.ReadDir(filepath.Join(routersDir, hostname))
		if err != nil {
			continue
		}
		total := 0
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(routersDir, hostname, f.Name()))
			if err != nil {
				continue
			}
			total += guardrail.CountPrefixes(string(data))
		}
		baselines[hostname] = total
	}

	return baselines
}

func (o *Orchestrator) stageGenerate(ctx context.Context, pc *model.PipelineContext) *model.PipelineContext {
	next := pc.Clone()

	asSet := map[uint32]bool{}
	for _, profile := range pc.RouterProfiles {
		for _, as := range profile.SortedASNumbers() {
			asSet[as] = true
		}
	}
	asNumbers := make([]uint32, 0, len(asSet))
	for as := range asSet {
		asNumbers = append(asNumbers, as)
	}

	var proxyEndpoint *bgpq4.TunnelEndpoint
	if o.irrproxy != nil && o.cfg.IRRProxy.Enabled {
		endpoints, err := o.irrproxy.Start()
		if err != nil {
			next.Warnings = append(next.Warnings, "irr proxy unavailable: "+err.Error())
		} else if len(endpoints) > 0 {
			proxyEndpoint = bgpq4.NewTunnelEndpoint("127.0.0.1", endpoints[0].LocalPort)
		}
	}

	next.PolicyArtifacts = o.bgpq4.GenerateBatch(ctx, asNumbers, policyNameFor, proxyEndpoint)

	if err := writePolicyFiles(o.cfg.OutputDir, next.PolicyArtifacts, pc.RouterProfiles, o.cfg.BGPq4.RouterAware); err != nil {
		next.Errors = append(next.Errors, err.Error())
	}

	return next
}

func policyNameFor(as uint32) string {
	return "AS" + strconv.FormatUint(uint64(as), 10)
}

func writePolicyFiles(outputDir string, artifacts []model.PolicyArtifact, profiles map[string]*model.RouterProfile, routerAware bool) error {
	if routerAware {
		for hostname, profile := range profiles {
			dir := filepath.Join(outputDir, "routers", hostname)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			for _, as := range profile.SortedASNumbers() {
				for _, a := range artifacts {
					if a.ASNumber != as || !a.Success {
						continue
					}
					path := filepath.Join(dir, fmt.Sprintf("AS%d_policy.txt", as))
					if err := os.WriteFile(path, []byte(a.Content), 0o644); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(outputDir, "bgpq4_output.txt")
	var combined string
	for _, a := range artifacts {
		if a.Success {
			combined += a.Content + "\n"
		}
	}
	return os.WriteFile(path, []byte(combined), 0o644)
}

func (o *Orchestrator) stageValidate(_ context.Context, pc *model.PipelineContext) *model.PipelineContext {
	next := pc.Clone()
	if o.validator == nil {
		return next
	}

	if o.validatorStale {
		next.Warnings = append(next.Warnings, "RPKI VRP cache is stale")
	}

	artifacts := make([]model.PolicyArtifact, len(pc.PolicyArtifacts))
	copy(artifacts, pc.PolicyArtifacts)
	for i := range artifacts {
		if !artifacts[i].Success {
			continue
		}
		summary := o.validator.Summarize(artifacts[i], 10)
		artifacts[i].RPKISummary = &summary
	}
	next.PolicyArtifacts = artifacts
	return next
}

func (o *Orchestrator) stageApply(ctx context.Context, pc *model.PipelineContext, dryRun bool, baselines map[string]int) *model.PipelineContext {
	next := pc.Clone()

	for hostname, profile := range pc.RouterProfiles {
		var artifacts []model.PolicyArtifact
		for _, as := range profile.SortedASNumbers() {
			for _, a := range pc.PolicyArtifacts {
				if a.ASNumber == as {
					artifacts = append(artifacts, a)
				}
			}
		}
		if len(artifacts) == 0 {
			continue
		}

		var baseline *guardrail.Baseline
		if count, ok := baselines[hostname]; ok {
			baseline = &guardrail.Baseline{PrefixCount: count}
		}

		verdict := o.safety.Evaluate(artifacts, profile, o.cfg, baseline, true)
		rpkiPassed := allRPKIValid(artifacts)
		shouldApply := o.safety.ShouldAutoApply(o.cfg, verdict, rpkiPassed)

		result := model.ApplicationResult{
			Router: hostname, Autonomous: true, RiskLevel: verdict.Level.String(),
			StartedAt: time.Now(), FinishedAt: time.Now(),
		}

		if !shouldApply {
			result.Success = false
			result.ManualApprovalRequired = true
			next.ApplicationResults = append(next.ApplicationResults, result)
			next.Warnings = append(next.Warnings, fmt.Sprintf("%s: apply blocked (%s risk)", hostname, verdict.Level))
			continue
		}

		o.applier.SetDryRun(dryRun)
		applyResult := o.applier.Apply(ctx, hostname, profile.Address, artifacts, true)
		applyResult.RiskLevel = verdict.Level.String()
		next.ApplicationResults = append(next.ApplicationResults, applyResult)
	}

	return next
}

func allRPKIValid(artifacts []model.PolicyArtifact) bool {
	for _, a := range artifacts {
		if a.RPKISummary != nil && a.RPKISummary.Invalid > 0 {
			return false
		}
	}
	return true
}

func (o *Orchestrator) stageReport(_ context.Context, pc *model.PipelineContext) *model.PipelineContext {
	next := pc.Clone()
	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		next.Errors = append(next.Errors, err.Error())
		return next
	}

	if err := writeDiscoveryMatrix(o.cfg.OutputDir, pc.RouterProfiles); err != nil {
		next.Errors = append(next.Errors, err.Error())
	}
	if err := writeASDistribution(o.cfg.OutputDir, pc.PolicyArtifacts); err != nil {
		next.Errors = append(next.Errors, err.Error())
	}
	if err := writePerformanceSummary(o.cfg.OutputDir, pc.StageTimings); err != nil {
		next.Errors = append(next.Errors, err.Error())
	}

	return next
}

func writeDiscoveryMatrix(outputDir string, profiles map[string]*model.RouterProfile) error {
	f, err := os.Create(filepath.Join(outputDir, "discovery_matrix.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	w.Write([]string{"hostname", "address", "as_numbers"})
	for hostname, profile := range profiles {
		asStrs := ""
		for i, as := range profile.SortedASNumbers() {
			if i > 0 {
				asStrs += ";"
			}
			asStrs += strconv.FormatUint(uint64(as), 10)
		}
		w.Write([]string{hostname, profile.Address, asStrs})
	}
	return nil
}

func writeASDistribution(outputDir string, artifacts []model.PolicyArtifact) error {
	counts := map[uint32]int{}
	for _, a := range artifacts {
		if a.Success {
			counts[a.ASNumber]++
		}
	}
	data, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, "as_distribution.json"), data, 0o644)
}

func writePerformanceSummary(outputDir string, timings []model.StageTiming) error {
	summary := map[string]string{}
	for _, t := range timings {
		summary[t.Stage] = t.Duration.String()
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, "performance_summary.json"), data, 0o644)
}
