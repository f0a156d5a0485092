package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cncforge/grblhost/internal/types"
)

// Storage is the pluggable sink the JobRunner's autosave and crash-recovery
// paths write JobState snapshots to (spec.md §6 "Persisted state"). The core
// does not prescribe a filesystem path; FileStorage is the default, simplest
// implementation an embedding application can swap out.
type Storage interface {
	// SaveAutosave writes the periodic autosave snapshot for a running job.
	SaveAutosave(ctx context.Context, state types.JobState) error
	// SaveCrashRecovery writes a crash-recovery snapshot, timestamped so
	// multiple stop events for the same job don't overwrite one another.
	SaveCrashRecovery(ctx context.Context, state types.JobState, epoch int64) error
	// LoadLatest returns the most recently written snapshot for jobID, or
	// ok=false if none exists.
	LoadLatest(ctx context.Context, jobID string) (types.JobState, bool, error)
}

// FileStorage persists JobState as JSON documents under Dir, following the
// filename convention spec.md §6 names: "autosave_<jobId>.json" and
// "crash_recovery_<jobId>_<epoch>.json". No domain library in the reference
// corpus covers ad hoc JSON-to-file persistence (the corpus's storage deps
// are all key-value/embedded-DB clients oriented at very different shapes
// of data), so this is plain encoding/json over the stdlib os package.
type FileStorage struct {
	Dir string
}

// NewFileStorage constructs a FileStorage rooted at dir, creating it if
// necessary.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("job: create state dir: %w", err)
	}
	return &FileStorage{Dir: dir}, nil
}

func (f *FileStorage) autosavePath(jobID string) string {
	return filepath.Join(f.Dir, fmt.Sprintf("autosave_%s.json", jobID))
}

func (f *FileStorage) crashPath(jobID string, epoch int64) string {
	return filepath.Join(f.Dir, fmt.Sprintf("crash_recovery_%s_%d.json", jobID, epoch))
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("job: marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("job: write state: %w", err)
	}
	return os.Rename(tmp, path)
}

func (f *FileStorage) SaveAutosave(_ context.Context, state types.JobState) error {
	return writeJSON(f.autosavePath(state.JobID), state)
}

func (f *FileStorage) SaveCrashRecovery(_ context.Context, state types.JobState, epoch int64) error {
	return writeJSON(f.crashPath(state.JobID, epoch), state)
}

func (f *FileStorage) LoadLatest(_ context.Context, jobID string) (types.JobState, bool, error) {
	path := f.autosavePath(jobID)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.JobState{}, false, nil
		}
		return types.JobState{}, false, fmt.Errorf("job: read state: %w", err)
	}
	var state types.JobState
	if err := json.Unmarshal(b, &state); err != nil {
		return types.JobState{}, false, fmt.Errorf("job: unmarshal state: %w", err)
	}
	return state, true, nil
}

// nowEpoch returns the current Unix epoch, isolated into a function so
// tests can override it without touching the system clock.
var nowEpoch = func() int64 { return time.Now().Unix() }
