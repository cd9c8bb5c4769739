package corrlog

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func captureLogOutput(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	orig := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(orig)
		log.SetFlags(origFlags)
	}()
	fn()
	return buf.String()
}

func TestNewIDProducesDistinctValues(t *testing.T) {
	a := NewID()
	b := NewID()
	if a == b {
		t.Fatalf("expected distinct correlation ids, got %q twice", a)
	}
	if a == "" || b == "" {
		t.Fatalf("expected non-empty correlation ids")
	}
}

func TestInfoEmitsStructuredJSONWithFields(t *testing.T) {
	out := captureLogOutput(t, func() {
		Info("corr-1", "operation started", Fields{"key": "k1", "op": "insert"})
	})

	prefix := "[INFO] "
	if !strings.HasPrefix(out, prefix) {
		t.Fatalf("expected output to start with %q, got %q", prefix, out)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(out), prefix)), &entry); err != nil {
		t.Fatalf("expected valid JSON payload: %v", err)
	}

	if entry["correlation_id"] != "corr-1" {
		t.Fatalf("got correlation_id %v want corr-1", entry["correlation_id"])
	}
	if entry["message"] != "operation started" {
		t.Fatalf("got message %v", entry["message"])
	}
	if entry["key"] != "k1" || entry["op"] != "insert" {
		t.Fatalf("expected merged fields in payload, got %+v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("expected a timestamp field")
	}
}

func TestWarnAndErrorUseDistinctLevels(t *testing.T) {
	warnOut := captureLogOutput(t, func() { Warn("c2", "slow fetch", nil) })
	if !strings.HasPrefix(warnOut, "[WARN] ") {
		t.Fatalf("expected WARN prefix, got %q", warnOut)
	}

	errOut := captureLogOutput(t, func() { Error("c3", "fetch failed", nil) })
	if !strings.HasPrefix(errOut, "[ERROR] ") {
		t.Fatalf("expected ERROR prefix, got %q", errOut)
	}
}
