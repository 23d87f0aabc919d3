// Package bgpparse parses Juniper "protocols { bgp { group ... } }"
// configuration text and extracts the AS numbers a router peers with.
package bgpparse

import (
	"regexp"
	"strconv"
	"time"

	"github.com/otto-bgp/otto-bgp/internal/model"
)

// groupHeaderPattern matches the opening of a `group <name> {` block. The
// matching closing brace is then found by manual depth counting (Go's
// RE2-based regexp cannot express balanced-brace recursion).
var groupHeaderPattern = regexp.MustCompile(`group\s+([A-Za-z0-9_-]+)\s*\{`)

// peerASPattern matches a `peer-as N;` statement.
var peerASPattern = regexp.MustCompile(`peer-as\s+(-?\d+(?:\.\d+)?)\s*;`)

// barePeerASPattern is the fallback regex extraction used when full group
// parsing fails.
var barePeerASPattern = regexp.MustCompile(`peer-as\s+(\d+)\s*;`)

// importExportPattern captures import/export policy references for
// context only; they are never applied.
var importExportPattern = regexp.MustCompile(`(import|export)\s+\[?\s*([A-Za-z0-9_\-\s]+?)\s*\]?\s*;`)

// reservedRanges are AS ranges that are valid but should produce a
// warning.
type reservedRange struct{ lo, hi uint32 }

var reservedRanges = []reservedRange{
	{23456, 23456},
	{64496, 64511},
	{64512, 65534},
	{65535, 65535},
	{65536, 65551},
	{4200000000, 4294967294},
	{4294967295, 4294967295},
}

// smallASAllowlist holds known-legitimate AS numbers that are exempt from
// the 1..255 small-integer filter (IP-octet false positives). Entries
// above 255, such as 701, are never filtered in the first place.
var smallASAllowlist = map[uint32]bool{
	1: true, 3: true, 7: true, 8: true, 25: true, 35: true,
	109: true, 196: true, 237: true, 701: true,
}

// ParseResult is the output of parsing one router's raw BGP config.
type ParseResult struct {
	Groups          map[string]map[uint32]struct{}
	ASNumbers       map[uint32]struct{}
	Warnings        []string
	PartiallyParsed bool
}

// Parse extracts BGP groups and AS numbers from raw Juniper config text.
func Parse(raw string) *ParseResult {
	res := &ParseResult{
		Groups:    make(map[string]map[uint32]struct{}),
		ASNumbers: make(map[uint32]struct{}),
	}

	blocks := extractGroupBlocks(raw)
	if len(blocks) == 0 {
		return fallbackParse(raw, res)
	}

	for _, block := range blocks {
		groupName := block.name
		body := block.body

		neighbors := peerASPattern.FindAllStringSubmatch(body, -1)
		asSet := make(map[uint32]struct{})
		for _, n := range neighbors {
			as, ok := validateASToken(n[1])
			if !ok {
				continue
			}
			asSet[as] = struct{}{}
			res.ASNumbers[as] = struct{}{}
			if w := reservedWarning(as); w != "" {
				res.Warnings = append(res.Warnings, w)
			}
		}
		if len(asSet) > 0 {
			res.Groups[groupName] = asSet
		}
		// import/export references are parsed for context only.
		_ = importExportPattern.FindAllStringSubmatch(body, -1)
	}

	if len(res.ASNumbers) == 0 {
		return fallbackParse(raw, res)
	}

	return res
}

type groupBlock struct {
	name string
	body string
}

// extractGroupBlocks finds every `group <name> { ... }` block in raw,
// matching closing braces by depth counting rather than regex recursion,
// since a group block nests neighbor blocks with their own braces.
func extractGroupBlocks(raw string) []groupBlock {
	var blocks []groupBlock

	headers := groupHeaderPattern.FindAllStringSubmatchIndex(raw, -1)
	for _, h := range headers {
		name := raw[h[2]:h[3]]
		bodyStart := h[1] // position just after the opening '{'

		depth := 1
		i := bodyStart
		for ; i < len(raw); i++ {
			switch raw[i] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					blocks = append(blocks, groupBlock{name: name, body: raw[bodyStart:i]})
				}
			}
			if depth == 0 {
				break
			}
		}
	}

	return blocks
}

// fallbackParse is used when full group parsing yields nothing — it
// scans for bare `peer-as N;` tokens anywhere in the text and marks the
// profile as partially parsed.
func fallbackParse(raw string, res *ParseResult) *ParseResult {
	res.PartiallyParsed = true
	matches := barePeerASPattern.FindAllStringSubmatch(raw, -1)
	for _, m := range matches {
		as, ok := validateASToken(m[1])
		if !ok {
			continue
		}
		res.ASNumbers[as] = struct{}{}
		if w := reservedWarning(as); w != "" {
			res.Warnings = append(res.Warnings, w)
		}
	}
	return res
}

// validateASToken applies the RFC-compliant AS number rules: integers
// only, 0..2^32-1, reject floats/negatives, and filter bare integers
// 1..255 unless allowlisted (guards against IP octets being misparsed
// as AS numbers). AS 0 is accepted.
func validateASToken(tok string) (uint32, bool) {
	// Reject anything that parsed with a decimal point (a float token).
	for _, r := range tok {
		if r == '.' {
			return 0, false
		}
	}

	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, false
	}
	if n < 0 || n > 4294967295 {
		return 0, false
	}

	as := uint32(n)
	if as != 0 && as <= 255 && !smallASAllowlist[as] {
		return 0, false
	}
	return as, true
}

func reservedWarning(as uint32) string {
	for _, r := range reservedRanges {
		if as >= r.lo && as <= r.hi {
			return "AS " + strconv.FormatUint(uint64(as), 10) + " is in a reserved range"
		}
	}
	return ""
}

// BuildProfile merges a parse result into a RouterProfile.
func BuildProfile(hostname, address, raw string, res *ParseResult, now time.Time, platform string) *model.RouterProfile {
	return &model.RouterProfile{
		Hostname:            hostname,
		Address:             address,
		BGPConfig:           raw,
		DiscoveredASNumbers: res.ASNumbers,
		BGPGroups:           res.Groups,
		PartiallyParsed:     res.PartiallyParsed,
		Metadata: model.RouterMetadata{
			CollectedAt: now,
			Platform:    platform,
			Source:      "ssh-collector",
		},
	}
}
