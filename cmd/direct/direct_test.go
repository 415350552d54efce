package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunValidatesBeforeOpening(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "server.json")
	if err := os.WriteFile(file, []byte(`{"Bitrate": 1000}`), 0600); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out.h264")

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"config file", []string{"-config", file, "-o", out}, "bitrate"},
		{"flag override", []string{"-config", filepath.Join(dir, "missing.json"), "-w", "100", "-o", out}, "width"},
		{"log format", []string{"-config", filepath.Join(dir, "missing.json"), "-log-format", "xml", "-o", out}, "format"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := run(c.args)
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("got %v, want an error about %q", err, c.want)
			}
			if _, err := os.Stat(out); err == nil {
				t.Fatalf("sink opened before validation")
			}
		})
	}
}
