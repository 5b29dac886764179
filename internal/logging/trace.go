package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Trace is a file-backed logger that records every frame of one session.
type Trace struct {
	zerolog.Logger
	file *os.File
}

// OpenTrace appends JSON trace lines to path. An empty path yields a no-op trace.
func OpenTrace(path string) (*Trace, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return &Trace{Logger: zerolog.Nop()}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: trace dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open trace %s: %w", path, err)
	}
	if zerolog.GlobalLevel() > zerolog.TraceLevel {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}
	logger := zerolog.New(f).Level(zerolog.TraceLevel).With().Timestamp().Logger()
	return &Trace{Logger: logger, file: f}, nil
}

// Enabled reports whether the trace writes anywhere.
func (t *Trace) Enabled() bool {
	return t != nil && t.file != nil
}

func (t *Trace) Close() error {
	if t == nil || t.file == nil {
		return nil
	}
	return t.file.Close()
}
