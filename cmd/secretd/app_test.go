package main

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestShellQuote(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"has space", "'has space'"},
		{"it's", `'it'\''s'`},
		{"$HOME `cmd`", "'$HOME `cmd`'"},
		{`double "q"`, `'double "q"'`},
	}
	for _, tc := range cases {
		if got := shellQuote(tc.in); got != tc.want {
			t.Fatalf("shellQuote(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestHumanizeBytes(t *testing.T) {
	if got := humanizeBytes(1 << 20); got != "1.0MB" {
		t.Fatalf("humanizeBytes(1MiB) = %q", got)
	}
}

func TestIsSubcommandToken(t *testing.T) {
	cmd := newRootCommand(pslog.NoopLogger())
	if !isSubcommandToken(cmd, "login") {
		t.Fatalf("login should be a subcommand")
	}
	if !isSubcommandToken(cmd, "projects") {
		t.Fatalf("projects alias should be a subcommand")
	}
	if isSubcommandToken(cmd, "--store") {
		t.Fatalf("flags are not subcommands")
	}
	if isSubcommandToken(cmd, "nonsense") {
		t.Fatalf("unknown tokens are not subcommands")
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "pkt.systems/secretd") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestDefaultConfigYAML(t *testing.T) {
	data, err := defaultConfigYAML()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text := string(data)
	for _, want := range []string{"listen:", "store: mem://", "commit-retry-attempts: 16", "log-level: info"} {
		if !strings.Contains(text, want) {
			t.Fatalf("default config missing %q:\n%s", want, text)
		}
	}
}
