package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"", logrus.InfoLevel},
		{"debug", logrus.DebugLevel},
		{" WARN ", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"trace", logrus.TraceLevel},
	}
	for _, tt := range tests {
		l, err := New(tt.in, "json", &bytes.Buffer{})
		if err != nil {
			t.Fatalf("New(%q): %v", tt.in, err)
		}
		if l.GetLevel() != tt.want {
			t.Errorf("New(%q) level = %v, want %v", tt.in, l.GetLevel(), tt.want)
		}
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("info", "", &buf)
	if err != nil {
		t.Fatal(err)
	}
	l.WithField("request_id", "req-1").Info("accepted")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %q", buf.String())
	}
	if entry["msg"] != "accepted" || entry["request_id"] != "req-1" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("info", "text", &buf)
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("hidden")
	l.Info("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Errorf("output = %q", out)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New("loud", "json", nil); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := New("info", "xml", nil); err == nil {
		t.Error("expected error for bad format")
	}
}
