// Command otto-bgp is the entry point for the BGP prefix-list policy
// automation pipeline: collect, discover, policy, apply, pipeline,
// rpki-check, and test-proxy. Flag/subcommand shape and the logger
// builder are grounded on cmd/scrubber/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/otto-bgp/otto-bgp/internal/bgpparse"
	"github.com/otto-bgp/otto-bgp/internal/bgpq4"
	"github.com/otto-bgp/otto-bgp/internal/collector"
	"github.com/otto-bgp/otto-bgp/internal/config"
	"github.com/otto-bgp/otto-bgp/internal/discovery"
	"github.com/otto-bgp/otto-bgp/internal/guardrail"
	"github.com/otto-bgp/otto-bgp/internal/inventory"
	"github.com/otto-bgp/otto-bgp/internal/irrproxy"
	"github.com/otto-bgp/otto-bgp/internal/model"
	"github.com/otto-bgp/otto-bgp/internal/netconfapply"
	"github.com/otto-bgp/otto-bgp/internal/notify"
	"github.com/otto-bgp/otto-bgp/internal/pipeline"
	"github.com/otto-bgp/otto-bgp/internal/rpki"
	"github.com/otto-bgp/otto-bgp/internal/safety"
)

// Exit codes, per the authoritative invocation contract.
const (
	exitOK                     = 0
	exitGeneral                = 1
	exitUsage                  = 2
	exitAutonomousBlocked      = 8
	exitGuardrailViolation     = 16
	exitInputValidationFailed  = 21
	exitPolicyValidationFailed = 5
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", "/etc/otto-bgp/config.yaml", "Path to configuration file")
		inventoryPath = flag.String("inventory", "", "Path to device inventory CSV")
		dryRun        = flag.Bool("dry-run", false, "Preview NETCONF changes without committing")
		autonomous    = flag.Bool("autonomous", false, "Run in autonomous apply mode")
		showVer       = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("otto-bgp %s (built %s)\n", version, buildTime)
		os.Exit(exitOK)
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: otto-bgp <collect|discover|policy|apply|pipeline|rpki-check|test-proxy> [flags]")
		os.Exit(exitUsage)
	}
	cmd := args[0]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitGeneral)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(exitGeneral)
	}
	defer log.Sync()

	log.Info("otto-bgp starting", zap.String("version", version), zap.String("command", cmd))

	os.Exit(dispatch(log, cfg, cmd, *inventoryPath, *autonomous, *dryRun))
}

func dispatch(log *zap.Logger, cfg *config.Config, cmd, inventoryPath string, autonomous, dryRun bool) int {
	switch cmd {
	case "collect":
		return runCollect(log, cfg, inventoryPath)
	case "discover":
		return runDiscover(log, cfg, inventoryPath)
	case "policy":
		return runPolicy(log, cfg, inventoryPath)
	case "rpki-check":
		return runRPKICheck(log, cfg)
	case "test-proxy":
		return runTestProxy(log, cfg)
	case "apply", "pipeline":
		return runPipeline(log, cfg, inventoryPath, autonomous, dryRun)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		return exitUsage
	}
}

func runCollect(log *zap.Logger, cfg *config.Config, inventoryPath string) int {
	devs, err := inventory.Load(inventoryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inventory error: %v\n", err)
		return exitInputValidationFailed
	}

	col := collector.New(log, cfg.SSH, nil)
	results := col.CollectAll(context.Background(), devs)

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
			log.Warn("collection failed", zap.String("device", r.Device.Hostname), zap.String("error_kind", r.ErrorKind))
		}
	}
	fmt.Printf("collected %d/%d devices\n", len(results)-failed, len(results))
	return exitOK
}

func runDiscover(log *zap.Logger, cfg *config.Config, inventoryPath string) int {
	devs, err := inventory.Load(inventoryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inventory error: %v\n", err)
		return exitInputValidationFailed
	}

	col := collector.New(log, cfg.SSH, nil)
	results := col.CollectAll(context.Background(), devs)
	store := discovery.New(log, cfg.DataDir)

	prev, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "discovery load error: %v\n", err)
		return exitGeneral
	}

	now := time.Now()
	profiles := map[string]*model.RouterProfile{}
	for _, r := range results {
		if !r.Success {
			continue
		}
		parsed := bgpparse.Parse(r.RawConfig)
		profiles[r.Device.Hostname] = bgpparse.BuildProfile(r.Device.Hostname, r.Device.Address, r.RawConfig, parsed, now, "junos")
	}

	mapping := discovery.BuildMapping(profiles, now)
	report := discovery.Diff(prev, mapping)
	if err := store.Save(mapping, report); err != nil {
		fmt.Fprintf(os.Stderr, "discovery save error: %v\n", err)
		return exitGeneral
	}

	if report.Changed {
		fmt.Printf("discovery changed: +%d routers, -%d routers\n", len(report.NewRouters), len(report.GoneRouters))
	} else {
		fmt.Println("no discovery changes")
	}
	return exitOK
}

func runPolicy(log *zap.Logger, cfg *config.Config, inventoryPath string) int {
	devs, err := inventory.Load(inventoryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inventory error: %v\n", err)
		return exitInputValidationFailed
	}

	col := collector.New(log, cfg.SSH, nil)
	results := col.CollectAll(context.Background(), devs)

	asSet := map[uint32]bool{}
	for _, r := range results {
		if !r.Success {
			continue
		}
		parsed := bgpparse.Parse(r.RawConfig)
		for _, as := range parsed.ASNumbers {
			asSet[as] = true
		}
	}
	asNumbers := make([]uint32, 0, len(asSet))
	for as := range asSet {
		asNumbers = append(asNumbers, as)
	}

	var proxyMgr *irrproxy.Manager
	var endpoint *bgpq4.TunnelEndpoint
	if cfg.IRRProxy.Enabled {
		proxyMgr = irrproxy.New(log, cfg.IRRProxy)
		endpoints, err := proxyMgr.Start()
		if err != nil {
			fmt.Fprintf(os.Stderr, "irr proxy error: %v\n", err)
			return exitGeneral
		}
		defer proxyMgr.Stop()
		if len(endpoints) > 0 {
			endpoint = bgpq4.NewTunnelEndpoint("127.0.0.1", endpoints[0].LocalPort)
		}
	}

	wrapper := bgpq4.New(log, cfg.BGPq4, nil)
	artifacts := wrapper.GenerateBatch(context.Background(), asNumbers, func(as uint32) string {
		return "AS" + strconv.FormatUint(uint64(as), 10)
	}, endpoint)

	ok := 0
	for _, a := range artifacts {
		if a.Success {
			ok++
		}
	}
	fmt.Printf("generated %d/%d policies\n", ok, len(artifacts))
	if ok < len(artifacts) {
		return exitPolicyValidationFailed
	}
	return exitOK
}

func runRPKICheck(log *zap.Logger, cfg *config.Config) int {
	if !cfg.RPKI.Enabled {
		fmt.Println("rpki validation is disabled in configuration")
		return exitOK
	}

	validator, err := rpki.Load(cfg.RPKI.CacheDir, cfg.RPKI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rpki load error: %v\n", err)
		return exitGeneral
	}

	if validator.Stale(time.Now()) {
		fmt.Println("WARNING: rpki vrp cache is stale")
		return exitPolicyValidationFailed
	}

	fmt.Println("rpki vrp cache is fresh")
	return exitOK
}

func runTestProxy(log *zap.Logger, cfg *config.Config) int {
	if !cfg.IRRProxy.Enabled {
		fmt.Println("irr proxy is disabled in configuration")
		return exitOK
	}

	mgr := irrproxy.New(log, cfg.IRRProxy)
	endpoints, err := mgr.Start()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunnel establishment failed: %v\n", err)
		return exitGeneral
	}
	defer mgr.Stop()

	for _, ep := range endpoints {
		fmt.Printf("tunnel %s listening on 127.0.0.1:%d\n", ep.Name, ep.LocalPort)
	}
	return exitOK
}

func runPipeline(log *zap.Logger, cfg *config.Config, inventoryPath string, autonomous, dryRun bool) int {
	lock := guardrail.NewOperationLock(cfg.DataDir)
	held, err := lock.Acquire()
	if err != nil {
		fmt.Fprintf(os.Stderr, "operation lock error: %v\n", err)
		return exitGeneral
	}
	if held {
		fmt.Fprintln(os.Stderr, "another otto-bgp operation is already in progress")
		return exitGuardrailViolation
	}
	defer lock.Release()

	devs, err := inventory.Load(inventoryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inventory error: %v\n", err)
		return exitInputValidationFailed
	}

	col := collector.New(log, cfg.SSH, nil)
	store := discovery.New(log, cfg.DataDir)
	bq := bgpq4.New(log, cfg.BGPq4, nil)

	var proxyMgr *irrproxy.Manager
	if cfg.IRRProxy.Enabled {
		proxyMgr = irrproxy.New(log, cfg.IRRProxy)
	}

	var validator *rpki.Validator
	stale := false
	if cfg.RPKI.Enabled {
		v, err := rpki.Load(cfg.RPKI.CacheDir, cfg.RPKI)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rpki load error: %v\n", err)
			return exitGeneral
		}
		validator = v
		stale = v.Stale(time.Now())
	}

	ge := guardrail.New(log, validator, stale)
	sink := notify.New(log, cfg.SMTP)
	sm := safety.New(log, ge, sink, func(code int) { os.Exit(code) })
	sm.InstallSignalHandlers()
	defer sm.StopSignalHandlers()

	applier := netconfapply.New(log, cfg.NETCONF, nil, sm, sm, nil)

	orch := pipeline.New(log, cfg, col, store, bq, proxyMgr, validator, stale, sm, applier)
	pc := orch.Run(context.Background(), devs, autonomous, dryRun)

	for _, w := range pc.Warnings {
		log.Warn(w)
	}
	for _, e := range pc.Errors {
		log.Error(e)
	}

	blocked := 0
	for _, r := range pc.ApplicationResults {
		if r.ManualApprovalRequired {
			blocked++
		}
	}
	if blocked > 0 {
		return exitAutonomousBlocked
	}
	if len(pc.Errors) > 0 {
		return exitGeneral
	}
	return exitOK
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
