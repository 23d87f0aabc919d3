package discovery

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := New(zap.NewNop(), t.TempDir())
	m, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(m.Routers) != 0 {
		t.Error("expected empty mapping for missing file")
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := New(zap.NewNop(), t.TempDir())
	m := &Mapping{
		Routers: map[string]RouterEntry{
			"r1": {Address: "10.0.0.1", DiscoveredASNumbers: []uint32{13335, 15169}},
		},
		ASToRouters: map[uint32][]string{13335: {"r1"}, 15169: {"r1"}},
		Metadata: MappingMetadata{
			GeneratedAt: time.Unix(0, 0).UTC(),
			Version:     mappingVersion,
			Counts:      MappingCounts{Routers: 1, ASNumbers: 2},
		},
	}
	if err := s.Save(m, nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got.Routers["r1"].DiscoveredASNumbers) != 2 {
		t.Errorf("got.Routers[r1].DiscoveredASNumbers = %v, want 2 entries", got.Routers["r1"].DiscoveredASNumbers)
	}
	if len(got.ASToRouters[13335]) != 1 {
		t.Errorf("got.ASToRouters[13335] = %v, want [r1]", got.ASToRouters[13335])
	}
	if got.Metadata.Counts.Routers != 1 || got.Metadata.Counts.ASNumbers != 2 {
		t.Errorf("got.Metadata.Counts = %+v, want {1 2}", got.Metadata.Counts)
	}
}

func TestSaveArchivesOnlyWhenChanged(t *testing.T) {
	dir := t.TempDir()
	s := New(zap.NewNop(), dir)

	first := &Mapping{Routers: map[string]RouterEntry{"r1": {DiscoveredASNumbers: []uint32{13335}}}}
	changedReport := &ChangeReport{Changed: true, NewRouters: []string{"r1"}}
	if err := s.Save(first, changedReport); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "history", "router_mappings_*.yaml"))
	if len(matches) != 0 {
		t.Fatalf("len(history files) = %d, want 0 (nothing to archive yet)", len(matches))
	}

	second := &Mapping{Routers: map[string]RouterEntry{"r1": {DiscoveredASNumbers: []uint32{13335, 15169}}}}
	if err := s.Save(second, changedReport); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	matches, _ = filepath.Glob(filepath.Join(dir, "history", "router_mappings_*.yaml"))
	if len(matches) != 1 {
		t.Errorf("len(history files) after changed save = %d, want 1", len(matches))
	}
	changes, _ := filepath.Glob(filepath.Join(dir, "history", "changes_*.yaml"))
	if len(changes) != 1 {
		t.Errorf("len(changes files) after changed save = %d, want 1", len(changes))
	}

	unchangedReport := &ChangeReport{Changed: false}
	third := &Mapping{Routers: map[string]RouterEntry{"r1": {DiscoveredASNumbers: []uint32{13335, 15169}}}}
	if err := s.Save(third, unchangedReport); err != nil {
		t.Fatalf("third Save() error = %v", err)
	}

	matches, _ = filepath.Glob(filepath.Join(dir, "history", "router_mappings_*.yaml"))
	if len(matches) != 1 {
		t.Errorf("len(history files) after unchanged save = %d, want still 1 (no new entry)", len(matches))
	}
	changes, _ = filepath.Glob(filepath.Join(dir, "history", "changes_*.yaml"))
	if len(changes) != 1 {
		t.Errorf("len(changes files) after unchanged save = %d, want still 1", len(changes))
	}
}

func TestDiffDetectsAddedRemovedAndNewRouters(t *testing.T) {
	prev := &Mapping{Routers: map[string]RouterEntry{
		"r1": {DiscoveredASNumbers: []uint32{13335}},
		"r2": {DiscoveredASNumbers: []uint32{701}},
	}}
	next := &Mapping{Routers: map[string]RouterEntry{
		"r1": {DiscoveredASNumbers: []uint32{13335, 15169}},
		"r3": {DiscoveredASNumbers: []uint32{3356}},
	}}

	report := Diff(prev, next)
	if !report.Changed {
		t.Fatal("expected Changed = true")
	}
	if len(report.Added["r1"]) != 1 || report.Added["r1"][0] != 15169 {
		t.Errorf("Added[r1] = %v, want [15169]", report.Added["r1"])
	}
	if len(report.NewRouters) != 1 || report.NewRouters[0] != "r3" {
		t.Errorf("NewRouters = %v, want [r3]", report.NewRouters)
	}
	if len(report.GoneRouters) != 1 || report.GoneRouters[0] != "r2" {
		t.Errorf("GoneRouters = %v, want [r2]", report.GoneRouters)
	}
}

func TestDiffNoChanges(t *testing.T) {
	m := &Mapping{Routers: map[string]RouterEntry{"r1": {DiscoveredASNumbers: []uint32{13335}}}}
	report := Diff(m, m)
	if report.Changed {
		t.Error("expected Changed = false when mappings are identical")
	}
}
