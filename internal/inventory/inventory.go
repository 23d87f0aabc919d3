// Package inventory loads the device inventory CSV into DeviceInfo
// records, grounded on the teacher's internal/geoip CSV-streaming style
// (encoding/csv read loop, explicit per-row validation, sentinel error on
// malformed data).
package inventory

import (
	"encoding/csv"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/otto-bgp/otto-bgp/internal/model"
)

// InventoryError wraps any malformed-input failure while loading the
// device CSV. It always aborts the whole pipeline.
type InventoryError struct{ Msg string }

func (e *InventoryError) Error() string { return "inventory: " + e.Msg }

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

// addressPattern matches a DNS hostname/FQDN: labels of letters, digits,
// and hyphens, joined by dots, never starting or ending a label with a
// hyphen. IP literals are validated separately via net.ParseIP.
var addressPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*$`)

// dottedQuadPattern matches the shape of an IPv4 literal (four dot-
// separated all-digit labels) regardless of octet range, so a malformed
// IP like "10.0.0.999" is rejected instead of being accepted as a
// syntactically-valid-looking hostname.
var dottedQuadPattern = regexp.MustCompile(`^\d+(\.\d+){3}$`)

// Load reads a device inventory CSV from path. The header row is
// required and must contain an "address" column; "hostname", "role",
// "region", "username", and "port" are optional. Unknown columns are
// ignored. Order is preserved; duplicate hostnames and malformed rows
// are rejected.
func Load(path string) ([]model.DeviceInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &InventoryError{fmt.Sprintf("opening inventory file: %v", err)}
	}
	defer f.Close()

	return parse(f)
}

func parse(r io.Reader) ([]model.DeviceInfo, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, &InventoryError{fmt.Sprintf("reading header: %v", err)}
	}

	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.ToLower(strings.TrimSpace(name))] = i
	}

	addrIdx, ok := colIdx["address"]
	if !ok {
		return nil, &InventoryError{"required column \"address\" is missing"}
	}

	var devices []model.DeviceInfo
	seenHostnames := make(map[string]bool)
	rowNum := 1

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &InventoryError{fmt.Sprintf("reading row %d: %v", rowNum, err)}
		}
		rowNum++

		dev, err := buildDevice(row, colIdx, addrIdx)
		if err != nil {
			return nil, &InventoryError{fmt.Sprintf("row %d: %v", rowNum, err)}
		}

		if seenHostnames[dev.Hostname] {
			return nil, &InventoryError{fmt.Sprintf("row %d: duplicate hostname %q", rowNum, dev.Hostname)}
		}
		seenHostnames[dev.Hostname] = true

		devices = append(devices, dev)
	}

	return devices, nil
}

func buildDevice(row []string, colIdx map[string]int, addrIdx int) (model.DeviceInfo, error) {
	get := func(col string) string {
		idx, ok := colIdx[col]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	var dev model.DeviceInfo

	if addrIdx >= len(row) {
		return dev, fmt.Errorf("missing address field")
	}
	dev.Address = strings.TrimSpace(row[addrIdx])
	if dev.Address == "" {
		return dev, fmt.Errorf("address is required and cannot be empty")
	}
	if !isValidAddress(dev.Address) {
		return dev, fmt.Errorf("address %q is not a valid IPv4, IPv6, or DNS hostname", dev.Address)
	}

	dev.Hostname = get("hostname")
	if dev.Hostname == "" {
		dev.Hostname = deriveHostname(dev.Address)
	}
	if !hostnamePattern.MatchString(dev.Hostname) {
		return dev, fmt.Errorf("hostname %q contains characters outside [A-Za-z0-9.-]", dev.Hostname)
	}

	dev.Username = get("username")
	dev.Role = get("role")
	dev.Region = get("region")

	dev.Port = 22
	if p := get("port"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return dev, fmt.Errorf("invalid port %q", p)
		}
		dev.Port = n
	}

	return dev, nil
}

// isValidAddress accepts an IPv4 literal, an IPv6 literal, or a
// dotted-label DNS hostname; anything else (stray whitespace, shell
// metacharacters, malformed octets) is rejected before it ever reaches
// an SSH dial.
func isValidAddress(address string) bool {
	if net.ParseIP(address) != nil {
		return true
	}
	if dottedQuadPattern.MatchString(address) {
		return false
	}
	return addressPattern.MatchString(address) && len(address) <= 253
}

// deriveHostname builds "router-<address-slug>" when no hostname column
// value is present.
func deriveHostname(address string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, address)
	return "router-" + slug
}
