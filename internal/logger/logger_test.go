package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Debug("transform", "should not appear")
	l.Info("transform", "should not appear either")
	l.Warn("writer", "shard %d write failed", 2)
	l.Error("audio", "flush failed")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("DEBUG/INFO leaked through a WARN-level logger:\n%s", out)
	}
	if !strings.Contains(out, "[WARN] [writer] shard 2 write failed") {
		t.Fatalf("missing WARN line:\n%s", out)
	}
	if !strings.Contains(out, "[ERROR] [audio] flush failed") {
		t.Fatalf("missing ERROR line:\n%s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug": DEBUG,
		"INFO":  INFO,
		"warn":  WARN,
		"ERROR": ERROR,
		"none":  SILENT,
	}
	for s, want := range cases {
		got, err := ParseLevel(s)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", s, got, want)
		}
	}

	if _, err := ParseLevel("bogus"); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}
