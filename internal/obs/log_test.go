package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLogReservedKeysWin(t *testing.T) {
	l := Logger()
	orig := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(orig)

	Warn("rate_clamped", map[string]any{"msg": "spoofed", "field": "auto_mining_rate_per_hour"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["msg"] != "rate_clamped" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["field"] != "auto_mining_rate_per_hour" {
		t.Fatalf("field missing: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatal("ts missing")
	}
}
