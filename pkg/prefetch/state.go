package prefetch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// maxProcessedIDs bounds the processed-job-id list persisted in the
// worker's state file, so a long-running queue never grows that file
// without limit (the same "prune oldest" discipline the packet index
// index.json uses).
const maxProcessedIDs = 5000

// WorkerState is the on-disk shape of prefetch_worker_state.json.
type WorkerState struct {
	Paused          bool      `json:"paused"`
	PauseReason     string    `json:"pause_reason"`
	LastRunAt       time.Time `json:"last_run_at"`
	ProcessedCount  int       `json:"processed_count"`
	ProcessedJobIDs []string  `json:"processed_job_ids"`
	LastResult      string    `json:"last_result"`
}

func newWorkerState() *WorkerState {
	return &WorkerState{}
}

// loadWorkerState reads statePath, tolerating a missing or corrupt file by
// returning a fresh, unpaused state — state corruption means "absent",
// the same rule the packet index follows.
func loadWorkerState(statePath string) *WorkerState {
	data, err := os.ReadFile(statePath)
	if err != nil {
		return newWorkerState()
	}
	var st WorkerState
	if err := json.Unmarshal(data, &st); err != nil {
		return newWorkerState()
	}
	return &st
}

func saveWorkerState(statePath string, st *WorkerState) error {
	if len(st.ProcessedJobIDs) > maxProcessedIDs {
		st.ProcessedJobIDs = st.ProcessedJobIDs[len(st.ProcessedJobIDs)-maxProcessedIDs:]
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("prefetch: marshaling worker state: %w", err)
	}
	dir := filepath.Dir(statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prefetch: creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "prefetch-state-*.tmp")
	if err != nil {
		return fmt.Errorf("prefetch: creating state temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("prefetch: writing state temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("prefetch: closing state temp file: %w", err)
	}
	if err := os.Rename(tmpName, statePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("prefetch: renaming state into place: %w", err)
	}
	return nil
}

func (st *WorkerState) processedSet() map[string]bool {
	set := make(map[string]bool, len(st.ProcessedJobIDs))
	for _, id := range st.ProcessedJobIDs {
		set[id] = true
	}
	return set
}
