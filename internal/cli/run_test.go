package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ClemHeyd/stager/internal/stage"
)

func TestPrintPlan(t *testing.T) {
	var buf bytes.Buffer
	printPlan(&buf, []stage.Descriptor{
		{Order: 5, Name: "users", File: "05-users.sh", Path: "/stages/05-users.sh"},
		{Order: 10, Name: "net", File: "10-net.sh", Path: "/stages/10-net.sh"},
	})

	want := "05-users                 /stages/05-users.sh\n" +
		"10-net                   /stages/10-net.sh\n"
	if buf.String() != want {
		t.Fatalf("plan = %q, want %q", buf.String(), want)
	}
}

func TestRunSettingsFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	file := "stages: /from/file\nlocale: en_US.UTF-8\ntimeout: 1m\nenv:\n  A: file\n  B: file\n"
	if err := os.WriteFile(path, []byte(file), 0644); err != nil {
		t.Fatal(err)
	}

	saved := RootCmd.Config
	RootCmd.Config = path
	t.Cleanup(func() { RootCmd.Config = saved })

	cmd := &RunCmd{
		Stages:  "/from/flags",
		Timeout: 30 * time.Second,
		Env:     map[string]string{"B": "flag"},
		Stage:   []string{"users"},
	}

	cfg, err := cmd.settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}

	if cfg.Stages != "/from/flags" {
		t.Fatalf("Stages = %q, want %q", cfg.Stages, "/from/flags")
	}
	if cfg.Locale != "en_US.UTF-8" {
		t.Fatalf("Locale = %q, want %q", cfg.Locale, "en_US.UTF-8")
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("Timeout = %s, want 30s", cfg.Timeout)
	}
	if cfg.Env["A"] != "file" || cfg.Env["B"] != "flag" {
		t.Fatalf("Env = %v, want A=file B=flag", cfg.Env)
	}
	if len(cfg.Select) != 1 || cfg.Select[0] != "users" {
		t.Fatalf("Select = %v, want [users]", cfg.Select)
	}
}

func TestRunSettingsMissingConfig(t *testing.T) {
	saved := RootCmd.Config
	RootCmd.Config = filepath.Join(t.TempDir(), "absent.yaml")
	t.Cleanup(func() { RootCmd.Config = saved })

	if _, err := (&RunCmd{}).settings(); err == nil {
		t.Fatal("settings succeeded with a missing config file")
	}
}
