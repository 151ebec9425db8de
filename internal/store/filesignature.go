package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSignatureStore is the JSONL fallback for the DetectionRecord log,
// used when no Postgres DSN is configured. Appends go straight to disk;
// Scan and Purge stream the file, so memory stays flat regardless of
// log size.
type FileSignatureStore struct {
	mu   sync.Mutex
	path string
}

// NewFileSignatureStore creates the store and its parent directory.
func NewFileSignatureStore(path string) (*FileSignatureStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("signature store dir: %w", err)
	}
	return &FileSignatureStore{path: path}, nil
}

// AppendRecords writes one batch, one JSON object per line.
func (s *FileSignatureStore) AppendRecords(_ context.Context, records []DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open signature log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	return w.Flush()
}

// Scan returns up to limit records inside [from, to], oldest first.
// Lines that fail to parse are skipped; one corrupt line must not make
// the whole log unreadable.
func (s *FileSignatureStore) Scan(_ context.Context, from, to time.Time, limit int) ([]DetectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []DetectionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec DetectionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, scanner.Err()
}

// Purge rewrites the log keeping only records at or after olderThan,
// through a temp file and rename.
func (s *FileSignatureStore) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "signatures-*.tmp")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	var removed int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec DetectionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			removed++
			continue
		}
		if rec.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		w.Write(scanner.Bytes())
		w.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	return removed, os.Rename(tmp.Name(), s.path)
}

// Close is a no-op; every append already hit the filesystem.
func (s *FileSignatureStore) Close() error { return nil }
