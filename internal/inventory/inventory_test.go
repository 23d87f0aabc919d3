package inventory

import (
	"strings"
	"testing"
)

func TestParseBasic(t *testing.T) {
	csvData := "address,hostname,role,region\n10.1.1.1,r1,edge,us-east\n10.1.1.2,,core,us-west\n"
	devices, err := parse(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}
	if devices[0].Hostname != "r1" {
		t.Errorf("devices[0].Hostname = %s, want r1", devices[0].Hostname)
	}
	if devices[1].Hostname != "router-10-1-1-2" {
		t.Errorf("devices[1].Hostname = %s, want derived hostname", devices[1].Hostname)
	}
	if devices[0].Port != 22 {
		t.Errorf("devices[0].Port = %d, want default 22", devices[0].Port)
	}
}

func TestParseOrderPreserved(t *testing.T) {
	csvData := "address\n10.0.0.3\n10.0.0.1\n10.0.0.2\n"
	devices, err := parse(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	want := []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"}
	for i, w := range want {
		if devices[i].Address != w {
			t.Errorf("devices[%d].Address = %s, want %s", i, devices[i].Address, w)
		}
	}
}

func TestParseMissingAddressColumn(t *testing.T) {
	if _, err := parse(strings.NewReader("hostname\nr1\n")); err == nil {
		t.Error("expected error for missing address column")
	}
}

func TestParseEmptyAddress(t *testing.T) {
	if _, err := parse(strings.NewReader("address,hostname\n,r1\n")); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestParseMalformedAddress(t *testing.T) {
	cases := []string{"10.0.0.999", "not a host", "-leading-hyphen.example.com", "router;rm -rf /"}
	for _, addr := range cases {
		if _, err := parse(strings.NewReader("address\n" + addr + "\n")); err == nil {
			t.Errorf("expected error for malformed address %q", addr)
		}
	}
}

func TestParseValidAddressForms(t *testing.T) {
	cases := []string{"10.0.0.1", "2001:db8::1", "router1.example.com", "router-1"}
	for _, addr := range cases {
		if _, err := parse(strings.NewReader("address\n" + addr + "\n")); err != nil {
			t.Errorf("unexpected error for valid address %q: %v", addr, err)
		}
	}
}

func TestParseDuplicateHostname(t *testing.T) {
	csvData := "address,hostname\n10.0.0.1,r1\n10.0.0.2,r1\n"
	if _, err := parse(strings.NewReader(csvData)); err == nil {
		t.Error("expected error for duplicate hostname")
	}
}

func TestParseInvalidHostnameChars(t *testing.T) {
	csvData := "address,hostname\n10.0.0.1,r1!bad\n"
	if _, err := parse(strings.NewReader(csvData)); err == nil {
		t.Error("expected error for hostname with invalid characters")
	}
}

func TestParseInvalidPort(t *testing.T) {
	csvData := "address,port\n10.0.0.1,99999\n"
	if _, err := parse(strings.NewReader(csvData)); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestParseUnknownColumnsIgnored(t *testing.T) {
	csvData := "address,vendor,serial\n10.0.0.1,juniper,ABC123\n"
	devices, err := parse(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("len(devices) = %d, want 1", len(devices))
	}
}
