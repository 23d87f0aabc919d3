// Package rpki validates prefix-origin pairs against a Validated ROA
// Payload (VRP) cache loaded from disk, indexing VRPs in a prefix trie
// so memory stays bounded for large caches. Streaming
// CSV/JSON load and freshness-gated fail-open/fail-closed behavior are
// grounded on the teacher's internal/geoip and internal/reputation
// packages, which load similarly-shaped flat-file datasets and track a
// staleness window before falling back.
package rpki

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/otto-bgp/otto-bgp/internal/config"
	"github.com/otto-bgp/otto-bgp/internal/model"
)

// Verdict is the outcome of validating one (prefix, origin ASN) pair.
type Verdict int

const (
	Valid Verdict = iota
	Invalid
	NotFound
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "VALID"
	case Invalid:
		return "INVALID"
	default:
		return "NOTFOUND"
	}
}

// trieNode is one node of a binary prefix trie, keyed by address bits.
type trieNode struct {
	children [2]*trieNode
	vrps     []vrpEntry
}

type vrpEntry struct {
	asn       uint32
	maxLength int
}

// Validator holds a loaded VRP set indexed by address family.
type Validator struct {
	v4Root    *trieNode
	v6Root    *trieNode
	allowlist map[string]bool
	loadedAt  time.Time
	maxAge    time.Duration
	count     int
}

// Load reads vrp_cache.csv or a routinator/rpki-client JSON file from
// dir, whichever is present (CSV is preferred when both exist), and
// indexes every VRP into a prefix trie.
func Load(dir string, cfg config.RPKIConfig) (*Validator, error) {
	v := &Validator{
		v4Root:    &trieNode{},
		v6Root:    &trieNode{},
		allowlist: map[string]bool{},
		maxAge:    time.Duration(cfg.MaxAgeSec) * time.Second,
	}
	for _, p := range cfg.Allowlist {
		v.allowlist[p] = true
	}

	csvPath := filepath.Join(dir, "vrp_cache.csv")
	jsonPath := filepath.Join(dir, "vrp_cache.json")

	var path string
	switch {
	case fileExists(csvPath):
		path = csvPath
	case fileExists(jsonPath):
		path = jsonPath
	default:
		return nil, fmt.Errorf("rpki: no vrp_cache.csv or vrp_cache.json in %s", dir)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("rpki: stat %s: %w", path, err)
	}
	v.loadedAt = info.ModTime()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rpki: opening %s: %w", path, err)
	}
	defer f.Close()

	if strings.HasSuffix(path, ".csv") {
		err = v.loadCSV(f)
	} else {
		err = v.loadJSON(f)
	}
	if err != nil {
		return nil, err
	}

	return v, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// loadCSV streams `ASN,IP Prefix,Max Length,Trust Anchor` rows,
// skipping any row with a missing field rather than aborting the load.
func (v *Validator) loadCSV(f *os.File) error {
	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("rpki: reading CSV header: %w", err)
	}
	_ = header

	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		if len(row) < 3 {
			continue
		}
		asn, err1 := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(row[0]), "AS"), 10, 32)
		maxLen, err2 := strconv.Atoi(strings.TrimSpace(row[2]))
		prefix := strings.TrimSpace(row[1])
		if err1 != nil || err2 != nil || prefix == "" {
			continue
		}
		v.insert(prefix, uint32(asn), maxLen)
	}
	return nil
}

type routinatorFile struct {
	ROAs []routinatorROA `json:"roas"`
}

type routinatorROA struct {
	ASN       json.Number `json:"asn"`
	Prefix    string      `json:"prefix"`
	MaxLength int         `json:"maxLength"`
}

// loadJSON decodes a routinator/rpki-client-style { "roas": [...] }
// document using a streaming token decoder so multi-hundred-MB files
// never need a fully materialized DOM.
func (v *Validator) loadJSON(f *os.File) error {
	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("rpki: reading JSON: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("rpki: expected JSON object at top level")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("rpki: reading JSON key: %w", err)
		}
		key, _ := keyTok.(string)
		if key != "roas" {
			var skip json.RawMessage
			dec.Decode(&skip)
			continue
		}

		arrTok, err := dec.Token()
		if err != nil || arrTok != json.Delim('[') {
			return fmt.Errorf("rpki: expected \"roas\" array")
		}
		for dec.More() {
			var roa routinatorROA
			if err := dec.Decode(&roa); err != nil {
				return fmt.Errorf("rpki: decoding ROA entry: %w", err)
			}
			asn, err := strconv.ParseUint(strings.TrimPrefix(roa.ASN.String(), "AS"), 10, 32)
			if err != nil {
				continue
			}
			v.insert(roa.Prefix, uint32(asn), roa.MaxLength)
		}
		if _, err := dec.Token(); err != nil { // closing ']'
			return err
		}
	}

	return nil
}

func (v *Validator) insert(prefix string, asn uint32, maxLength int) {
	_, ipNet, err := net.ParseCIDR(prefix)
	if err != nil {
		return
	}

	root := v.v4Root
	if ipNet.IP.To4() == nil {
		root = v.v6Root
	}

	node := root
	ones, _ := ipNet.Mask.Size()
	bits := toBits(ipNet.IP)
	for i := 0; i < ones; i++ {
		bit := bits[i]
		if node.children[bit] == nil {
			node.children[bit] = &trieNode{}
		}
		node = node.children[bit]
	}
	node.vrps = append(node.vrps, vrpEntry{asn: asn, maxLength: maxLength})
	v.count++
}

func toBits(ip net.IP) []int {
	v4 := ip.To4()
	raw := []byte(v4)
	if v4 == nil {
		raw = []byte(ip.To16())
	}
	bits := make([]int, len(raw)*8)
	for i, b := range raw {
		for j := 0; j < 8; j++ {
			bits[i*8+j] = int((b >> (7 - j)) & 1)
		}
	}
	return bits
}

// Stale reports whether the loaded cache is older than maxAge.
func (v *Validator) Stale(now time.Time) bool {
	if v.maxAge <= 0 {
		return false
	}
	return now.Sub(v.loadedAt) > v.maxAge
}

// Validate applies the standard RPKI origin-validation algorithm to one
// (prefix, origin ASN) pair: covering-ROA lookup, max-length check, and
// origin-ASN match.
func (v *Validator) Validate(prefix string, originASN uint32) Verdict {
	_, ipNet, err := net.ParseCIDR(prefix)
	if err != nil {
		return NotFound
	}

	root := v.v4Root
	if ipNet.IP.To4() == nil {
		root = v.v6Root
	}

	ones, _ := ipNet.Mask.Size()
	bits := toBits(ipNet.IP)

	node := root
	var covering []vrpEntry
	for i := 0; i <= ones; i++ {
		if len(node.vrps) > 0 {
			covering = append(covering, node.vrps...)
		}
		if i == ones {
			break
		}
		next := node.children[bits[i]]
		if next == nil {
			break
		}
		node = next
	}

	anyMatch := false
	for _, vrp := range covering {
		if vrp.asn == originASN && vrp.maxLength >= ones {
			return Valid
		}
		anyMatch = true
	}

	if anyMatch {
		return Invalid
	}

	if v.allowlist[prefix] {
		return Valid
	}
	return NotFound
}

// Summarize validates every claimed prefix/origin pair within a policy
// artifact's content and returns the aggregate RPKISummary. Juniper
// prefix-list syntax is scanned for `<prefix>/<len>;` tokens.
func (v *Validator) Summarize(artifact model.PolicyArtifact, maxOffenders int) model.RPKISummary {
	summary := model.RPKISummary{}
	for _, prefix := range extractPrefixes(artifact.Content) {
		switch v.Validate(prefix, artifact.ASNumber) {
		case Valid:
			summary.Valid++
		case Invalid:
			summary.Invalid++
			if len(summary.Offenders) < maxOffenders {
				summary.Offenders = append(summary.Offenders, prefix)
			}
		default:
			summary.NotFound++
		}
	}
	return summary
}

func extractPrefixes(content string) []string {
	var prefixes []string
	for _, tok := range strings.Fields(content) {
		tok = strings.TrimSuffix(tok, ";")
		if strings.Contains(tok, "/") {
			if _, _, err := net.ParseCIDR(tok); err == nil {
				prefixes = append(prefixes, tok)
			}
		}
	}
	return prefixes
}
