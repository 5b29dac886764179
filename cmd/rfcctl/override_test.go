package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/rfcctl/internal/config"
	"github.com/danmuck/rfcctl/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func baseServerConfig(t *testing.T) config.ServerConfig {
	t.Helper()
	f, err := config.Parse([]byte("[server]\nadmin = \":9042\"\nmax_restarts = 3\n"))
	if err != nil {
		t.Fatalf("parse base: %v", err)
	}
	return f.Server
}

func TestServerOverrideOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	cfg := baseServerConfig(t)
	path := writeFile(t, "server.toml", `
program_id = "ZOTHER"
max_restarts = 0
tables = "Memory"
`)
	if err := applyServerOverride(path, &cfg); err != nil {
		t.Fatalf("override: %v", err)
	}
	if cfg.ProgramID != "ZOTHER" {
		t.Fatalf("program id not overridden: %q", cfg.ProgramID)
	}
	if cfg.MaxRestarts != 0 {
		t.Fatalf("explicit zero not applied: %d", cfg.MaxRestarts)
	}
	if cfg.Admin != ":9042" || cfg.Listen != ":3342" {
		t.Fatalf("undefined keys changed: admin=%q listen=%q", cfg.Admin, cfg.Listen)
	}
	if cfg.Tables.Source != config.TablesMemory {
		t.Fatalf("tables source not normalized: %q", cfg.Tables.Source)
	}
}

func TestServerOverrideBlankProgramKeepsDefault(t *testing.T) {
	testlog.Start(t)
	cfg := baseServerConfig(t)
	path := writeFile(t, "server.toml", "program_id = \"  \"\nadmin = \"\"\n")
	if err := applyServerOverride(path, &cfg); err != nil {
		t.Fatalf("override: %v", err)
	}
	if cfg.ProgramID != config.DefaultProgramID || cfg.Admin != "" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestServerOverrideRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"unknown key":  "colour = \"red\"\n",
		"empty listen": "listen = \"\"\n",
		"bad tables":   "tables = \"csv\"\n",
		"syntax":       "listen = \n",
	}
	for name, body := range cases {
		cfg := baseServerConfig(t)
		err := applyServerOverride(writeFile(t, "server.toml", body), &cfg)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if name == "unknown key" && !strings.Contains(err.Error(), "colour") {
			t.Fatalf("unknown key not named: %v", err)
		}
	}
}
