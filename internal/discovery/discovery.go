// Package discovery persists the router->AS mapping derived from parsed
// BGP configuration and reports what changed between runs. Atomic
// write-then-rename and append-only history are grounded on the
// teacher's stats.Collector snapshot/previous pattern, generalized from
// an in-memory ring to an on-disk archive.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/otto-bgp/otto-bgp/internal/model"
)

// mappingVersion is bumped whenever the persisted Mapping shape changes
// in a way downstream readers need to know about.
const mappingVersion = "1"

// RouterEntry is one router's persisted discovery state.
type RouterEntry struct {
	Address             string               `yaml:"address"`
	DiscoveredASNumbers []uint32             `yaml:"discovered_as_numbers"`
	BGPGroups           map[string][]uint32  `yaml:"bgp_groups"`
	Metadata            model.RouterMetadata `yaml:"metadata"`
}

// MappingCounts summarizes a Mapping for quick inspection without
// walking the full router set.
type MappingCounts struct {
	Routers   int `yaml:"routers"`
	ASNumbers int `yaml:"as_numbers"`
}

// MappingMetadata is the top-level provenance block of a Mapping.
type MappingMetadata struct {
	GeneratedAt time.Time     `yaml:"generated_at"`
	Version     string        `yaml:"version"`
	Counts      MappingCounts `yaml:"counts"`
}

// Mapping is the persisted router -> AS-number set, plus the reverse
// AS -> routers index and provenance.
type Mapping struct {
	Routers     map[string]RouterEntry `yaml:"routers"`
	ASToRouters map[uint32][]string    `yaml:"as_to_routers"`
	Metadata    MappingMetadata        `yaml:"metadata"`
}

// ChangeReport summarizes the diff between two discovery runs.
type ChangeReport struct {
	Added       map[string][]uint32 `yaml:"added"`
	Removed     map[string][]uint32 `yaml:"removed"`
	NewRouters  []string            `yaml:"new_routers"`
	GoneRouters []string            `yaml:"gone_routers"`
	Changed     bool                `yaml:"changed"`
}

// Store loads, diffs, and archives discovery mappings under DataDir.
type Store struct {
	log     *zap.Logger
	dataDir string
}

// New creates a discovery Store rooted at dataDir.
func New(log *zap.Logger, dataDir string) *Store {
	return &Store{log: log, dataDir: dataDir}
}

func (s *Store) mappingPath() string {
	return filepath.Join(s.dataDir, "router_mappings.yaml")
}

func (s *Store) historyDir() string {
	return filepath.Join(s.dataDir, "history")
}

func emptyMapping() *Mapping {
	return &Mapping{Routers: map[string]RouterEntry{}, ASToRouters: map[uint32][]string{}}
}

// Load reads the current mapping from disk. A missing file returns an
// empty mapping, not an error — discovery has simply never run before.
func (s *Store) Load() (*Mapping, error) {
	data, err := os.ReadFile(s.mappingPath())
	if err != nil {
		if os.IsNotExist(err) {
			return emptyMapping(), nil
		}
		return nil, fmt.Errorf("discovery: reading mapping: %w", err)
	}

	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("discovery: parsing mapping: %w", err)
	}
	if m.Routers == nil {
		m.Routers = map[string]RouterEntry{}
	}
	if m.ASToRouters == nil {
		m.ASToRouters = map[uint32][]string{}
	}
	return &m, nil
}

// BuildMapping converts parsed router profiles into a Mapping, including
// the reverse as_to_routers index and summary counts.
func BuildMapping(profiles map[string]*model.RouterProfile, now time.Time) *Mapping {
	m := emptyMapping()
	seenAS := map[uint32]bool{}

	for hostname, profile := range profiles {
		asNumbers := profile.SortedASNumbers()

		groups := make(map[string][]uint32, len(profile.BGPGroups))
		for group, asSet := range profile.BGPGroups {
			out := make([]uint32, 0, len(asSet))
			for as := range asSet {
				out = append(out, as)
			}
			sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
			groups[group] = out
		}

		m.Routers[hostname] = RouterEntry{
			Address:             profile.Address,
			DiscoveredASNumbers: asNumbers,
			BGPGroups:           groups,
			Metadata:            profile.Metadata,
		}

		for _, as := range asNumbers {
			m.ASToRouters[as] = append(m.ASToRouters[as], hostname)
			seenAS[as] = true
		}
	}

	for as := range m.ASToRouters {
		sort.Strings(m.ASToRouters[as])
	}

	m.Metadata = MappingMetadata{
		GeneratedAt: now,
		Version:     mappingVersion,
		Counts:      MappingCounts{Routers: len(m.Routers), ASNumbers: len(seenAS)},
	}
	return m
}

// Diff computes what changed between the previous mapping and next.
func Diff(prev, next *Mapping) *ChangeReport {
	report := &ChangeReport{
		Added:   map[string][]uint32{},
		Removed: map[string][]uint32{},
	}

	for hostname, entry := range next.Routers {
		prevEntry, existed := prev.Routers[hostname]
		if !existed {
			report.NewRouters = append(report.NewRouters, hostname)
			report.Changed = true
			continue
		}

		added, removed := diffASSets(prevEntry.DiscoveredASNumbers, entry.DiscoveredASNumbers)
		if len(added) > 0 {
			report.Added[hostname] = added
			report.Changed = true
		}
		if len(removed) > 0 {
			report.Removed[hostname] = removed
			report.Changed = true
		}
	}

	for hostname := range prev.Routers {
		if _, stillPresent := next.Routers[hostname]; !stillPresent {
			report.GoneRouters = append(report.GoneRouters, hostname)
			report.Changed = true
		}
	}

	sort.Strings(report.NewRouters)
	sort.Strings(report.GoneRouters)
	return report
}

func diffASSets(prev, next []uint32) (added, removed []uint32) {
	prevSet := make(map[uint32]bool, len(prev))
	for _, as := range prev {
		prevSet[as] = true
	}
	nextSet := make(map[uint32]bool, len(next))
	for _, as := range next {
		nextSet[as] = true
	}

	for as := range nextSet {
		if !prevSet[as] {
			added = append(added, as)
		}
	}
	for as := range prevSet {
		if !nextSet[as] {
			removed = append(removed, as)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return added, removed
}

// Save writes the mapping atomically (temp file + rename). When report
// is non-nil and report.Changed, the previous mapping is archived into
// historyDir alongside a companion changes file first; an unchanged
// report leaves history untouched so repeated runs over an unchanged
// fleet don't accumulate history.
func (s *Store) Save(m *Mapping, report *ChangeReport) error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("discovery: creating data dir: %w", err)
	}

	if report != nil && report.Changed {
		if err := s.archivePrevious(report); err != nil {
			s.log.Warn("discovery: failed to archive previous mapping", zap.Error(err))
		}
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("discovery: marshaling mapping: %w", err)
	}

	tmp, err := os.CreateTemp(s.dataDir, "router_mappings-*.tmp")
	if err != nil {
		return fmt.Errorf("discovery: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("discovery: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("discovery: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.mappingPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("discovery: renaming into place: %w", err)
	}

	return nil
}

func (s *Store) archivePrevious(report *ChangeReport) error {
	existing, err := os.ReadFile(s.mappingPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := os.MkdirAll(s.historyDir(), 0o755); err != nil {
		return err
	}

	ts := time.Now().UTC().Format("20060102T150405Z")

	archiveName := fmt.Sprintf("router_mappings_%s.yaml", ts)
	if err := os.WriteFile(filepath.Join(s.historyDir(), archiveName), existing, 0o644); err != nil {
		return err
	}

	changesData, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("discovery: marshaling change report: %w", err)
	}
	changesName := fmt.Sprintf("changes_%s.yaml", ts)
	return os.WriteFile(filepath.Join(s.historyDir(), changesName), changesData, 0o644)
}
