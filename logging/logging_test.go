package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"", slog.LevelInfo, true},
		{"debug", slog.LevelDebug, true},
		{" WARN ", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"trace", slog.LevelInfo, false},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got, err := ParseLevel(c.in)
			if (err == nil) != c.ok || got != c.want {
				t.Fatalf("got %v %v, want %v ok=%v", got, err, c.want, c.ok)
			}
		})
	}
}

func TestJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := WithComponent(New(Config{Format: "json", Writer: &buf}), "session")
	l.Info("started", "frames", 5)

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v: %s", err, buf.String())
	}
	if rec["component"] != "session" || rec["msg"] != "started" {
		t.Fatalf("got %v", rec)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Writer: &buf})
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("got %q", buf.String())
	}
}

func TestValidate(t *testing.T) {
	if err := (Config{Level: "info", Format: "text"}).Validate(); err != nil {
		t.Fatal(err)
	}
	if err := (Config{Format: "xml"}).Validate(); err == nil {
		t.Fatalf("accepted xml format")
	}
	if err := (Config{Level: "loud"}).Validate(); err == nil {
		t.Fatalf("accepted unknown level")
	}
}
