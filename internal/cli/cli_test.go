package cli

import (
	"bytes"
	"regexp"
	"testing"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	cmds := root.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "status", "wake", "task", "state", "ledger", "approval", "constitution", "apikey"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_hasHomeFlag(t *testing.T) {
	root := NewRootCmd("")
	f := root.PersistentFlags().Lookup("home")
	if f == nil {
		t.Fatal("expected --home persistent flag")
	}
}

func TestApikeyGenerate(t *testing.T) {
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"apikey", "generate"})
	if err := root.Execute(); err != nil {
		t.Fatalf("apikey generate: %v", err)
	}
	out := buf.String()
	hexKey := regexp.MustCompile(`(?m)^  ([a-f0-9]{64})$`)
	if !hexKey.MatchString(out) {
		t.Errorf("output should contain a 64-char hex key on its own line; got:\n%s", out)
	}
	if !regexp.MustCompile(`WAKED_API_KEY`).MatchString(out) {
		t.Errorf("output should mention WAKED_API_KEY")
	}
	if !regexp.MustCompile(`X-API-Key`).MatchString(out) {
		t.Errorf("output should mention X-API-Key")
	}
}

func TestTaskAddAndList(t *testing.T) {
	home := t.TempDir()

	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", home, "task", "add", "write weekly report", "--priority", "high"})
	if err := root.Execute(); err != nil {
		t.Fatalf("task add: %v", err)
	}
	if !regexp.MustCompile(`Added task task-[0-9a-f]{8}`).MatchString(buf.String()) {
		t.Errorf("unexpected add output: %s", buf.String())
	}

	root = NewRootCmd("")
	buf.Reset()
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", home, "task", "list"})
	if err := root.Execute(); err != nil {
		t.Fatalf("task list: %v", err)
	}
	if !regexp.MustCompile(`write weekly report`).MatchString(buf.String()) {
		t.Errorf("task list should show the added task; got:\n%s", buf.String())
	}
}

func TestConstitutionCheck_default(t *testing.T) {
	home := t.TempDir()

	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", home, "constitution", "check", "shell.exec"})
	if err := root.Execute(); err != nil {
		t.Fatalf("constitution check: %v", err)
	}
	if !regexp.MustCompile(`shell\.exec: forbidden`).MatchString(buf.String()) {
		t.Errorf("expected shell.exec to be forbidden by default; got:\n%s", buf.String())
	}
}
