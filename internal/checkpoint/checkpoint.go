// Package checkpoint persists and restores the full training state as one
// atomic JSON record.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/brushbeast/internal/nn"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is everything a run needs to resume: both networks, both optimizers,
// both schedulers, the stats map, and the hyperparameters it ran with.
type Record struct {
	ModelStateDict      nn.StateDict     `json:"model_state_dict"`
	DStateDict          nn.StateDict     `json:"d_state_dict"`
	OptimizerStateDict  nn.AdamState     `json:"optimizer_state_dict"`
	DOptimizerStateDict nn.AdamState     `json:"d_optimizer_state_dict"`
	SchedulerStateDict  nn.ScheduleState `json:"scheduler_state_dict"`
	DSchedulerStateDict nn.ScheduleState `json:"d_scheduler_state_dict"`
	Stats               map[string]any   `json:"stats"`
	Flags               map[string]any   `json:"flags"`
}

// Path resolves the checkpoint file location under the savedir, homedir
// expanded.
func Path(savedir, xpid string) (string, error) {
	expanded, err := homedir.Expand(savedir)
	if err != nil {
		return "", fmt.Errorf("failed to expand savedir %q: %w", savedir, err)
	}
	return filepath.Join(expanded, xpid, "model.json"), nil
}

// Save writes the record via a temp file and rename, so a crash mid-write
// never leaves a truncated checkpoint behind.
func Save(path string, rec *Record, log *zap.Logger) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish checkpoint: %w", err)
	}

	log.Info("Saved checkpoint", zap.String("path", path), zap.Int("bytes", len(payload)))
	return nil
}

// Load reads a checkpoint. A missing file is a fresh start, not an error:
// ok reports whether a record was found.
func Load(path string) (*Record, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("failed to decode checkpoint %q: %w", path, err)
	}
	return &rec, true, nil
}
