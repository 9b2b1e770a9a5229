package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolveNamedID(t *testing.T) {
	options := map[string]string{"Front lawn": "123", "Back-Lawn": "456"}

	for input, want := range map[string]string{
		"front lawn": "123",
		"FRONT_LAWN": "123",
		"back lawn":  "456",
	} {
		got, err := resolveNamedID("mower", input, options)
		if err != nil || got != want {
			t.Fatalf("%q: expected %s, got %s (%v)", input, want, got, err)
		}
	}

	if _, err := resolveNamedID("mower", "side lawn", options); err == nil {
		t.Fatalf("expected error for unknown mower")
	}
}

func TestDialAddr(t *testing.T) {
	for listen, want := range map[string]string{
		"0.0.0.0:9000":  "127.0.0.1:9000",
		":9000":         "127.0.0.1:9000",
		"gohome:9000":   "gohome:9000",
		"10.0.0.5:9000": "10.0.0.5:9000",
	} {
		if got := dialAddr(listen); got != want {
			t.Fatalf("%q: expected %s, got %s", listen, want, got)
		}
	}
}

func TestExtractJSONFlag(t *testing.T) {
	args, jsonOutput := extractJSONFlag([]string{"ambrogio", "--json", "devices"})
	if !jsonOutput {
		t.Fatalf("expected json output")
	}
	if diff := cmp.Diff([]string{"ambrogio", "devices"}, args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}
