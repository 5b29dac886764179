package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/rfcctl/internal/config"
)

// serverOverride is the rfcctl serve override file. Only keys present in the
// file replace values from the destinations file.
type serverOverride struct {
	ProgramID   string   `toml:"program_id"`
	Listen      string   `toml:"listen"`
	Admin       string   `toml:"admin"`
	SystemID    string   `toml:"system_id"`
	Release     string   `toml:"release"`
	TraceFile   string   `toml:"trace_file"`
	MaxRestarts int      `toml:"max_restarts"`
	CorsOrigins []string `toml:"cors_origins"`
	ImportFrom  string   `toml:"import_from"`
	Tables      string   `toml:"tables"`
	SampleWeeks int      `toml:"sample_weeks"`
}

func applyServerOverride(path string, cfg *config.ServerConfig) error {
	var raw serverOverride
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load server override: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("server override %s: unknown key %s", path, undecoded[0])
	}

	if meta.IsDefined("program_id") {
		if id := strings.TrimSpace(raw.ProgramID); id != "" {
			cfg.ProgramID = id
		}
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("admin") {
		cfg.Admin = strings.TrimSpace(raw.Admin)
	}
	if meta.IsDefined("system_id") {
		cfg.SystemID = strings.TrimSpace(raw.SystemID)
	}
	if meta.IsDefined("release") {
		cfg.Release = strings.TrimSpace(raw.Release)
	}
	if meta.IsDefined("trace_file") {
		cfg.TraceFile = strings.TrimSpace(raw.TraceFile)
	}
	if meta.IsDefined("max_restarts") {
		cfg.MaxRestarts = raw.MaxRestarts
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("import_from") {
		cfg.ImportFrom = strings.TrimSpace(raw.ImportFrom)
	}
	if meta.IsDefined("tables") {
		cfg.Tables.Source = strings.ToLower(strings.TrimSpace(raw.Tables))
	}
	if meta.IsDefined("sample_weeks") {
		cfg.Tables.SampleWeeks = raw.SampleWeeks
	}
	return config.ValidateServer(*cfg)
}
