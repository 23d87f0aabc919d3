// Package model defines the data types shared across the otto-bgp
// pipeline. Types here are produced by one stage and consumed read-only
// by the next; none are mutated in place after construction.
package model

import "time"

// DeviceInfo is one router's connection identity, as loaded by the
// inventory loader. Immutable after construction.
type DeviceInfo struct {
	Address  string
	Hostname string
	Username string
	Port     int
	Role     string
	Region   string
}

// RouterMetadata records provenance for a collected/discovered profile.
type RouterMetadata struct {
	CollectedAt time.Time
	Platform    string
	Source      string
}

// RouterProfile is enriched per-router state accumulated across the
// pipeline. Created by the collector, enriched by the parser, and
// read-only to every stage downstream of discovery.
type RouterProfile struct {
	Hostname string
	Address  string

	// Collected.
	BGPConfig string

	// Discovered.
	DiscoveredASNumbers map[uint32]struct{}
	BGPGroups           map[string]map[uint32]struct{} // group -> AS set
	Metadata            RouterMetadata

	// PartiallyParsed is set when full group parsing failed and the
	// parser fell back to a regex scan for bare peer-as tokens.
	PartiallyParsed bool
}

// SortedASNumbers returns the discovered AS numbers in ascending order.
func (r *RouterProfile) SortedASNumbers() []uint32 {
	out := make([]uint32, 0, len(r.DiscoveredASNumbers))
	for as := range r.DiscoveredASNumbers {
		out = append(out, as)
	}
	sortUint32(out)
	return out
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// RPKISummary counts VRP validation outcomes for one policy artifact.
type RPKISummary struct {
	Valid    int
	Invalid  int
	NotFound int
	Offenders []string // first K offending prefixes
}

// PolicyArtifact is a single generated prefix-list.
type PolicyArtifact struct {
	ASNumber     uint32
	PolicyName   string
	Content      string
	Success      bool
	ErrorKind    string
	ErrorMessage string
	RPKISummary  *RPKISummary
	IRRSource    string
	Hostname     string // owning router, when router-aware generation is used
}

// VRPRecord is one Validated ROA Payload entry.
type VRPRecord struct {
	Prefix      string
	MaxLength   int
	ASN         uint32
	TrustAnchor string
}

// CollectionResult is the outcome of collecting one device over SSH.
type CollectionResult struct {
	Device    DeviceInfo
	Success   bool
	RawConfig string
	ErrorKind string
	Error     error
}

// ApplicationResult is the outcome of applying one router's policies.
type ApplicationResult struct {
	Router                  string
	Success                 bool
	Autonomous              bool
	PoliciesApplied         int
	CommitID                string
	OttoCommitID            string
	Error                   string
	RollbackAttempted       bool
	RiskLevel               string
	ManualApprovalRequired  bool
	NotificationsSent       int
	StartedAt               time.Time
	FinishedAt              time.Time
}

// StageTiming records the wall-clock duration of one pipeline stage.
type StageTiming struct {
	Stage    string
	Started  time.Time
	Duration time.Duration
}

// PipelineContext is immutable between stages: each stage function
// receives one and returns a new value built from a shallow copy plus
// its own additions. Never mutated by a stage after it returns.
type PipelineContext struct {
	ExecutionID string
	OutputDir   string

	Devices []DeviceInfo

	CollectionResults []CollectionResult
	RouterProfiles    map[string]*RouterProfile
	FailedDevices     []string

	DiscoveryChanged bool

	PolicyArtifacts []PolicyArtifact

	ApplicationResults []ApplicationResult

	CurrentStage string
	StageTimings []StageTiming
	Errors       []string
	Warnings     []string
}

// Clone returns a shallow copy suitable as the base for the next stage's
// output context. Slice/map fields are copied by reference on purpose —
// stages append to their own copies, never to the context they received.
func (c *PipelineContext) Clone() *PipelineContext {
	cp := *c
	return &cp
}
