package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func TestJSONLine(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	SetFormat("json")

	Info("relay.flow.new", Fields{"peer": "127.0.0.1:4000"})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected a JSON log line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "relay.flow.new" {
		t.Errorf("Expected msg relay.flow.new, got %v", line["msg"])
	}
	if line["level"] != "info" {
		t.Errorf("Expected level info, got %v", line["level"])
	}
	if line["peer"] != "127.0.0.1:4000" {
		t.Errorf("Expected peer field, got %v", line["peer"])
	}
}

func TestDebugGate(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	EnableDebug(false)
	Debug("select.ret", nil)
	if buf.Len() != 0 {
		t.Errorf("Expected debug line to be suppressed, got %q", buf.String())
	}

	EnableDebug(true)
	defer EnableDebug(false)
	Debug("select.ret", Fields{"ret": 0})
	if buf.Len() == 0 {
		t.Error("Expected debug line once debug is enabled")
	}
}
