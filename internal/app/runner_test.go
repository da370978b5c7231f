package app

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("wizard tokens list"); got != "tokens list" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestShouldOpenCache(t *testing.T) {
	for path, want := range map[string]bool{
		"run":            true,
		"cycle":          true,
		"prices":         true,
		"version":        false,
		"providers list": false,
		"portfolio show": false,
		"chat":           false,
	} {
		if got := shouldOpenCache(path); got != want {
			t.Fatalf("shouldOpenCache(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestRunnerProvidersList(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"providers", "list", "--results-only"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	if len(out) != 2 {
		t.Fatalf("expected two provider entries, got %d", len(out))
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"tokens", "list", "--enable-commands", "providers list", "--results-only"})
	if code != 16 {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr.String())
	}
	var env map[string]any
	if err := json.Unmarshal(stderr.Bytes(), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v output=%s", err, stderr.String())
	}
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
}

func TestRunnerUnknownCommandIsUsageError(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"definitely-not-a-command"})
	if code != 2 {
		t.Fatalf("expected usage exit 2, got %d stderr=%s", code, stderr.String())
	}
}
