package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/stylobot/gateway/internal/reputation"
)

// FilePatternStore keeps learned patterns in a JSONL file, one record
// per line with a versioned header. Saves merge the incoming batch into
// the resident set and rewrite the whole file through a temp+rename, so
// a crash mid-save leaves the previous file intact.
type FilePatternStore struct {
	mu      sync.Mutex
	path    string
	records map[string]reputation.Record
	loaded  bool
}

type patternFileHeader struct {
	SchemaVersion int `json:"schema_version"`
}

// NewFilePatternStore creates the store; the file is read lazily on the
// first LoadPatterns call.
func NewFilePatternStore(path string) *FilePatternStore {
	return &FilePatternStore{
		path:    path,
		records: make(map[string]reputation.Record),
	}
}

// LoadPatterns reads the JSONL file. A missing file is an empty store; a
// schema mismatch or corrupt header invalidates the file and starts
// fresh rather than loading stale shapes.
func (s *FilePatternStore) LoadPatterns(_ context.Context) ([]reputation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		s.loaded = true
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open pattern file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() {
		s.loaded = true
		return nil, sc.Err()
	}
	var hdr patternFileHeader
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil || hdr.SchemaVersion != SchemaVersion {
		s.loaded = true
		return nil, nil
	}

	for sc.Scan() {
		var rec reputation.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue // skip the bad line, keep the rest
		}
		if rec.Pattern != "" {
			s.records[rec.Pattern] = rec
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}
	s.loaded = true

	out := make([]reputation.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

// SavePatterns merges the batch and rewrites the file atomically.
func (s *FilePatternStore) SavePatterns(_ context.Context, records []reputation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		// Saving before loading would clobber durable records.
		if _, err := s.loadLocked(); err != nil {
			return err
		}
	}
	for _, rec := range records {
		if rec.Pattern != "" {
			s.records[rec.Pattern] = rec
		}
	}
	return s.writeLocked()
}

func (s *FilePatternStore) loadLocked() (int, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		s.loaded = true
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open pattern file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if sc.Scan() {
		var hdr patternFileHeader
		if err := json.Unmarshal(sc.Bytes(), &hdr); err == nil && hdr.SchemaVersion == SchemaVersion {
			for sc.Scan() {
				var rec reputation.Record
				if json.Unmarshal(sc.Bytes(), &rec) == nil && rec.Pattern != "" {
					if _, ok := s.records[rec.Pattern]; !ok {
						s.records[rec.Pattern] = rec
					}
				}
			}
		}
	}
	s.loaded = true
	return len(s.records), sc.Err()
}

func (s *FilePatternStore) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create pattern dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".patterns-*.jsonl")
	if err != nil {
		return fmt.Errorf("create temp pattern file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	if err := enc.Encode(patternFileHeader{SchemaVersion: SchemaVersion}); err != nil {
		tmp.Close()
		return err
	}
	for _, rec := range s.records {
		if err := enc.Encode(rec); err != nil {
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

var _ reputation.PatternStore = (*FilePatternStore)(nil)
