package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink keeps the history as a JSON array in a single file. Appended
// records become visible in the file only after Persist.
type FileSink struct {
	path string

	mu      sync.Mutex
	records []Record
	pending []Record
}

// OpenFileSink loads the history at path; a missing file is an empty history
func OpenFileSink(path string) (*FileSink, error) {
	retv := &FileSink{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return retv, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) != 0 {
		if err := json.Unmarshal(data, &retv.records); err != nil {
			return nil, fmt.Errorf("history file %s: %w", path, err)
		}
	}
	return retv, nil
}

func (f *FileSink) Append(rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, rec)
	return nil
}

// Persist writes the pending records. The file is replaced atomically so a
// crash never leaves a half written history. Pending records are dropped
// whether or not the write succeeds.
func (f *FileSink) Persist() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil
	}
	pending := f.pending
	f.pending = nil

	all := make([]Record, 0, len(f.records)+len(pending))
	all = append(all, f.records...)
	all = append(all, pending...)
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".history-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return err
	}

	f.records = all
	return nil
}

// Discard drops the records appended since the last Persist
func (f *FileSink) Discard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
}

// Records returns the persisted history, oldest first
func (f *FileSink) Records() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record{}, f.records...)
}

// Batch returns the persisted records of a batch in item order
func (f *FileSink) Batch(batchID string) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	retv := make([]Record, 0)
	for _, r := range f.records {
		if r.BatchID == batchID {
			retv = append(retv, r)
		}
	}
	return retv
}
