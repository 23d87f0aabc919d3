package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/otto-bgp/otto-bgp/internal/config"
	"github.com/otto-bgp/otto-bgp/internal/model"
)

func TestPolicyNameFor(t *testing.T) {
	if got := policyNameFor(13335); got != "AS13335" {
		t.Errorf("policyNameFor(13335) = %q, want AS13335", got)
	}
}

func TestAllRPKIValid(t *testing.T) {
	valid := []model.PolicyArtifact{
		{RPKISummary: &model.RPKISummary{Valid: 2}},
		{RPKISummary: &model.RPKISummary{Valid: 1, NotFound: 1}},
	}
	if !allRPKIValid(valid) {
		t.Error("expected all-valid artifacts to report true")
	}

	invalid := []model.PolicyArtifact{
		{RPKISummary: &model.RPKISummary{Valid: 1}},
		{RPKISummary: &model.RPKISummary{Invalid: 1}},
	}
	if allRPKIValid(invalid) {
		t.Error("expected a single invalid summary to report false")
	}
}

func TestWritePolicyFilesCombined(t *testing.T) {
	dir := t.TempDir()
	artifacts := []model.PolicyArtifact{
		{Success: true, Content: "policy-options { prefix-list AS13335 { 1.2.3.0/24; } }"},
		{Success: false, Content: "should not appear"},
	}
	if err := writePolicyFiles(dir, artifacts, nil, false); err != nil {
		t.Fatalf("writePolicyFiles: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "bgpq4_output.txt"))
	if err != nil {
		t.Fatalf("reading combined output: %v", err)
	}
	if !contains(string(data), "AS13335") || contains(string(data), "should not appear") {
		t.Errorf("combined output = %q", string(data))
	}
}

func TestWritePolicyFilesRouterAware(t *testing.T) {
	dir := t.TempDir()
	profiles := map[string]*model.RouterProfile{
		"r1": {
			Hostname:            "r1",
			DiscoveredASNumbers: map[uint32]struct{}{13335: {}},
		},
	}
	artifacts := []model.PolicyArtifact{
		{Success: true, ASNumber: 13335, Content: "prefix-list AS13335 { 1.2.3.0/24; }"},
	}
	if err := writePolicyFiles(dir, artifacts, profiles, true); err != nil {
		t.Fatalf("writePolicyFiles: %v", err)
	}

	path := filepath.Join(dir, "routers", "r1", "AS13335_policy.txt")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected per-router policy file at %s: %v", path, err)
	}
}

func TestWriteASDistribution(t *testing.T) {
	dir := t.TempDir()
	artifacts := []model.PolicyArtifact{
		{Success: true, ASNumber: 13335},
		{Success: true, ASNumber: 13335},
		{Success: false, ASNumber: 15169},
	}
	if err := writeASDistribution(dir, artifacts); err != nil {
		t.Fatalf("writeASDistribution: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "as_distribution.json"))
	if err != nil {
		t.Fatalf("reading distribution: %v", err)
	}
	var counts map[string]int
	if err := json.Unmarshal(data, &counts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if counts["13335"] != 2 {
		t.Errorf("counts[13335] = %d, want 2", counts["13335"])
	}
	if _, ok := counts["15169"]; ok {
		t.Error("failed artifact should not be counted")
	}
}

func TestWritePerformanceSummary(t *testing.T) {
	dir := t.TempDir()
	timings := []model.StageTiming{
		{Stage: "collect", Duration: 2 * time.Second},
		{Stage: "generate", Duration: 500 * time.Millisecond},
	}
	if err := writePerformanceSummary(dir, timings); err != nil {
		t.Fatalf("writePerformanceSummary: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "performance_summary.json"))
	if err != nil {
		t.Fatalf("reading summary: %v", err)
	}
	var summary map[string]string
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if summary["collect"] != "2s" {
		t.Errorf("summary[collect] = %q, want 2s", summary["collect"])
	}
}

func TestWriteDiscoveryMatrix(t *testing.T) {
	dir := t.TempDir()
	profiles := map[string]*model.RouterProfile{
		"r1": {
			Hostname:            "r1",
			Address:             "10.0.0.1",
			DiscoveredASNumbers: map[uint32]struct{}{13335: {}, 15169: {}},
		},
	}
	if err := writeDiscoveryMatrix(dir, profiles); err != nil {
		t.Fatalf("writeDiscoveryMatrix: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "discovery_matrix.csv"))
	if err != nil {
		t.Fatalf("reading matrix: %v", err)
	}
	if !contains(string(data), "r1") || !contains(string(data), "13335") {
		t.Errorf("matrix = %q", string(data))
	}
}

func TestLoadBaselinesReadsPriorRouterPolicies(t *testing.T) {
	dir := t.TempDir()
	routerDir := filepath.Join(dir, "routers", "r1")
	if err := os.MkdirAll(routerDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "policy-options { prefix-list AS13335 { 1.2.3.0/24; 4.5.6.0/24; } }"
	if err := os.WriteFile(filepath.Join(routerDir, "AS13335_policy.txt"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	o := &Orchestrator{cfg: &config.Config{OutputDir: dir}}
	baselines := o.loadBaselines()
	if baselines["r1"] != 2 {
		t.Errorf("baselines[r1] = %d, want 2", baselines["r1"])
	}
	if _, ok := baselines["r2"]; ok {
		t.Error("expected no baseline entry for a router with no prior policy directory")
	}
}

func TestLoadBaselinesNoRoutersDirReturnsEmpty(t *testing.T) {
	o := &Orchestrator{cfg: &config.Config{OutputDir: t.TempDir()}}
	baselines := o.loadBaselines()
	if len(baselines) != 0 {
		t.Errorf("baselines = %v, want empty", baselines)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
