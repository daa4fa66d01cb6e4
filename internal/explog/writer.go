// Package explog writes per-experiment artifacts: a metadata file describing
// the run and an append-only JSONL stream of learner stats.
package explog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Writer owns one experiment directory under the configured savedir. It is
// used by a single learner goroutine and is not locked.
type Writer struct {
	xpid string
	dir  string
	logs *os.File
	log  *zap.Logger
}

// meta is the one-shot experiment descriptor persisted as meta.json.
type meta struct {
	XPID      string         `json:"xpid"`
	StartedAt time.Time      `json:"started_at"`
	Flags     map[string]any `json:"flags"`
}

// New creates (or reuses) savedir/xpid and opens the stats stream for
// appending. An empty xpid gets a generated one so parallel runs never
// collide.
func New(savedir, xpid string, flags map[string]any, logger *zap.Logger) (*Writer, error) {
	expanded, err := homedir.Expand(savedir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand savedir %q: %w", savedir, err)
	}
	if xpid == "" {
		xpid = fmt.Sprintf("brushbeast-%s", uuid.NewString())
	}

	dir := filepath.Join(expanded, xpid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create experiment dir: %w", err)
	}

	metaBytes, err := json.MarshalIndent(meta{XPID: xpid, StartedAt: time.Now().UTC(), Flags: flags}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal experiment meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), metaBytes, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write meta.json: %w", err)
	}

	logs, err := os.OpenFile(filepath.Join(dir, "logs.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats stream: %w", err)
	}

	logger.Info("Experiment logging started", zap.String("xpid", xpid), zap.String("dir", dir))
	return &Writer{xpid: xpid, dir: dir, logs: logs, log: logger.Named("explog")}, nil
}

// XPID returns the experiment id, generated or supplied.
func (w *Writer) XPID() string { return w.xpid }

// Dir returns the experiment directory.
func (w *Writer) Dir() string { return w.dir }

// Log appends one stats snapshot as a JSON line.
func (w *Writer) Log(stats map[string]any) error {
	line, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats line: %w", err)
	}
	if _, err := w.logs.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append stats line: %w", err)
	}
	return nil
}

// Close flushes and closes the stats stream.
func (w *Writer) Close() error {
	if err := w.logs.Close(); err != nil {
		return fmt.Errorf("failed to close stats stream: %w", err)
	}
	return nil
}
