package app

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestInstanceName(t *testing.T) {
	cases := map[string]string{
		"lab-pc":              "CampusWatch (lab-pc)",
		"gate.iitmandi.ac.in": "CampusWatch (gate)",
		"north_gate\n":        "CampusWatch (north gate)",
		"  ":                  "CampusWatch",
	}
	for in, want := range cases {
		if got := instanceName(in); got != want {
			t.Errorf("instanceName(%q) = %q, want %q", in, got, want)
		}
	}

	long := instanceName(strings.Repeat("é", 60))
	if len(long) > maxLabelLen || !utf8.ValidString(long) {
		t.Fatalf("long instance name %q (%d bytes)", long, len(long))
	}
}

func TestHostFQDN(t *testing.T) {
	cases := map[string]string{
		"Lab PC":              "lab-pc.local",
		"north_gate":          "north-gate.local",
		"gate.IITMandi.ac.in": "gate.iitmandi.ac.in",
		"-edge-":              "edge.local",
		"":                    "campuswatch.local",
		"..":                  "campuswatch.local",
	}
	for in, want := range cases {
		if got := hostFQDN(in); got != want {
			t.Errorf("hostFQDN(%q) = %q, want %q", in, got, want)
		}
	}

	got := hostFQDN(strings.Repeat("a", 80))
	if label, _, _ := strings.Cut(got, "."); len(label) != maxLabelLen {
		t.Fatalf("label length = %d, want %d", len(label), maxLabelLen)
	}
}

func TestBindPort(t *testing.T) {
	cases := map[string]int{
		":1883":          1883,
		"127.0.0.1:8883": 8883,
		"":               0,
		"localhost":      0,
		":mqtt":          0,
	}
	for in, want := range cases {
		if got := bindPort(in); got != want {
			t.Errorf("bindPort(%q) = %d, want %d", in, got, want)
		}
	}
}
