package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileWeightStore persists learned detector weights as JSONL, same
// temp+rename discipline as the pattern store.
type FileWeightStore struct {
	mu   sync.Mutex
	path string
}

type weightFileHeader struct {
	SchemaVersion int `json:"schema_version"`
}

func NewFileWeightStore(path string) *FileWeightStore {
	return &FileWeightStore{path: path}
}

// SaveWeights replaces the file with the full weight set. Weights are
// few (one per detector/feature pair), so a full rewrite is fine.
func (s *FileWeightStore) SaveWeights(_ context.Context, weights []Weight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create weight dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".weights-*.jsonl")
	if err != nil {
		return fmt.Errorf("create temp weight file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	if err := enc.Encode(weightFileHeader{SchemaVersion: SchemaVersion}); err != nil {
		tmp.Close()
		return err
	}
	for _, wt := range weights {
		if err := enc.Encode(wt); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// LoadWeights reads the weight file; missing file or schema mismatch
// yields an empty set so detectors fall back to their defaults.
func (s *FileWeightStore) LoadWeights(_ context.Context) ([]Weight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open weight file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil, sc.Err()
	}
	var hdr weightFileHeader
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil || hdr.SchemaVersion != SchemaVersion {
		return nil, nil
	}

	var out []Weight
	for sc.Scan() {
		var wt Weight
		if json.Unmarshal(sc.Bytes(), &wt) == nil && wt.Detector != "" {
			out = append(out, wt)
		}
	}
	return out, sc.Err()
}

var _ WeightStore = (*FileWeightStore)(nil)
