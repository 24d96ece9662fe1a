package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewEmitsMappedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: "info"})

	logger.Info("block committed", slog.Int64("height", 12), slog.String("hash", "ab"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["message"] != "block committed" {
		t.Fatalf("message = %v", line["message"])
	}
	if line["severity"] != "INFO" {
		t.Fatalf("severity = %v", line["severity"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("line has no timestamp: %v", line)
	}
	if line["height"] != float64(12) {
		t.Fatalf("height = %v", line["height"])
	}
	for _, legacy := range []string{"time", "level", "msg"} {
		if _, ok := line[legacy]; ok {
			t.Fatalf("line still carries default key %q: %v", legacy, line)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: "warn"})

	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info line emitted at warn level: %q", buf.String())
	}
	logger.Warn("loud")
	if buf.Len() == 0 {
		t.Fatal("warn line suppressed at warn level")
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Format: "text"})

	logger.Info("hello")
	out := buf.String()
	if !strings.Contains(out, "message=hello") || !strings.Contains(out, "severity=INFO") {
		t.Fatalf("text output missing mapped keys: %q", out)
	}
}

func TestMaskField(t *testing.T) {
	if attr := MaskField("dsn", "postgres://user:pw@host/db"); attr.Value.String() != RedactedValue {
		t.Fatalf("dsn not redacted: %v", attr.Value)
	}
	if attr := MaskField("height", "42"); attr.Value.String() != "42" {
		t.Fatalf("allowlisted key redacted: %v", attr.Value)
	}
	if attr := MaskField("token", ""); attr.Value.String() != "" {
		t.Fatalf("empty value rewritten: %v", attr.Value)
	}
}

func TestRedactionAllowlistSortedAndMasking(t *testing.T) {
	keys := RedactionAllowlist()
	if len(keys) == 0 {
		t.Fatal("allowlist is empty")
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("allowlist not sorted: %v", keys)
		}
	}
	if !IsAllowlisted("Height") {
		t.Fatal("allowlist should be case-insensitive")
	}
	if MaskValue("secret") != RedactedValue {
		t.Fatal("MaskValue left a non-empty value visible")
	}
	if MaskValue(" ") != " " {
		t.Fatal("MaskValue rewrote a blank value")
	}
}
