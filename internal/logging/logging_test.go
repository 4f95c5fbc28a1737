package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNew_jsonLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "warn", Format: "json", Out: &buf})
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(lines[0], &rec); err != nil {
		t.Fatal(err)
	}
	if rec["message"] != "shown" || rec["level"] != "warn" {
		t.Errorf("record: %v", rec)
	}
}

func TestNew_badLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "chatty", Format: "json", Out: &buf})
	l.Debug().Msg("nope")
	l.Info().Msg("yes")
	if bytes.Contains(buf.Bytes(), []byte("nope")) || !bytes.Contains(buf.Bytes(), []byte("yes")) {
		t.Errorf("output: %q", buf.String())
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(Options{Format: "json", Out: &buf}), "mcast")
	l.Info().Msg("x")
	if !bytes.Contains(buf.Bytes(), []byte(`"component":"mcast"`)) {
		t.Errorf("output: %q", buf.String())
	}
}
