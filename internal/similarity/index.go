// Package similarity maintains an approximate-nearest-neighbor index of
// per-request feature vectors. Learning handlers add vectors after each
// detection; detectors query for similar past sessions to reinforce or
// soften their evidence.
package similarity

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// HeuristicDim is the fixed feature-vector length; the schema is
	// index-ordered and missing features stay 0.
	HeuristicDim = 64

	// SemanticDim is the optional embedding-port vector length.
	SemanticDim = 384

	// IndexSchemaVersion is embedded in save files; mismatch invalidates.
	IndexSchemaVersion = 3

	heuristicScoreWeight = 0.6
	semanticScoreWeight  = 0.4
)

// Entry is the metadata attached to one indexed vector.
type Entry struct {
	ID         string    `json:"id"`
	WasBot     bool      `json:"was_bot"`
	Confidence float64   `json:"confidence"`
	AddedAt    time.Time `json:"added_at"`
}

// Neighbor is one search hit.
type Neighbor struct {
	ID         string
	Distance   float64 // cosine distance, 0 = identical
	WasBot     bool
	Confidence float64
}

// EmbeddingPort produces semantic embeddings for the dual-vector
// variant. Implementations must respect the context deadline and fail
// open (return an error) rather than block.
type EmbeddingPort interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the index.
type Config struct {
	// BuildThreshold: the graph is only built once this many vectors
	// exist; below it, searches are brute-force over the pending list.
	BuildThreshold int

	// RebuildThreshold: pending adds accumulate until this count, then
	// the whole graph is rebuilt.
	RebuildThreshold int

	// SaveInterval is the dirty-check cadence for the background saver.
	SaveInterval time.Duration

	// Dir is where the metadata and vector files live.
	Dir string
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig(dir string) Config {
	return Config{
		BuildThreshold:   5,
		RebuildThreshold: 50,
		SaveInterval:     5 * time.Minute,
		Dir:              dir,
	}
}

// Index is the concurrent similarity index. Adds go to a pending list;
// the HNSW graph is rebuilt when enough pending vectors accumulate.
type Index struct {
	mu  sync.RWMutex
	cfg Config

	entries   []Entry
	vectors   [][]float32 // heuristic vectors, parallel to entries
	semantics [][]float32 // nil per entry when no embedding available

	graph        *hnswGraph
	graphSize    int // entries covered by the graph; the rest are pending
	dirty        bool
	embedder     EmbeddingPort
	logger       *log.Logger
	stopCh       chan struct{}
	wg           sync.WaitGroup
	saverStarted bool
}

// NewIndex creates the index and starts the periodic saver when a
// directory is configured.
func NewIndex(cfg Config, embedder EmbeddingPort) *Index {
	if cfg.BuildThreshold <= 0 {
		cfg.BuildThreshold = 5
	}
	if cfg.RebuildThreshold <= 0 {
		cfg.RebuildThreshold = 50
	}
	idx := &Index{
		cfg:      cfg,
		embedder: embedder,
		logger:   log.New(log.Writer(), "[SIMILARITY] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
	if cfg.Dir != "" && cfg.SaveInterval > 0 {
		idx.saverStarted = true
		idx.wg.Add(1)
		go idx.saveLoop()
	}
	return idx
}

// Add indexes one vector. semanticContext, when non-empty and an
// embedding port is configured, produces the secondary semantic vector;
// embedding failures degrade to heuristic-only silently.
func (x *Index) Add(ctx context.Context, vec []float32, id string, wasBot bool, confidence float64, semanticContext string) error {
	if len(vec) != HeuristicDim {
		return fmt.Errorf("similarity: vector length %d, want %d", len(vec), HeuristicDim)
	}
	v := normalize(vec)

	var sem []float32
	if semanticContext != "" && x.embedder != nil {
		if emb, err := x.embedder.Embed(ctx, semanticContext); err == nil && len(emb) == SemanticDim {
			sem = normalize(emb)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = append(x.entries, Entry{ID: id, WasBot: wasBot, Confidence: confidence, AddedAt: time.Now().UTC()})
	x.vectors = append(x.vectors, v)
	x.semantics = append(x.semantics, sem)
	x.dirty = true

	pending := len(x.vectors) - x.graphSize
	if len(x.vectors) >= x.cfg.BuildThreshold && (x.graph == nil || pending >= x.cfg.RebuildThreshold) {
		x.rebuildLocked()
	}
	return nil
}

// rebuildLocked constructs a fresh graph over every vector. Fixed seed
// keeps builds deterministic for a given insert order.
func (x *Index) rebuildLocked() {
	g := newHNSW(16, 200, 64, 1)
	for _, v := range x.vectors {
		g.add(v)
	}
	x.graph = g
	x.graphSize = len(x.vectors)
}

// FindSimilar returns up to topK neighbors with similarity ≥ minSim
// (similarity = 1 - cosine distance). With a semantic context and
// embeddings available, heuristic and semantic scores merge 0.6/0.4.
func (x *Index) FindSimilar(ctx context.Context, vec []float32, topK int, minSim float64, semanticContext string) ([]Neighbor, error) {
	if len(vec) != HeuristicDim {
		return nil, fmt.Errorf("similarity: vector length %d, want %d", len(vec), HeuristicDim)
	}
	if topK <= 0 {
		topK = 5
	}
	v := normalize(vec)

	var sem []float32
	if semanticContext != "" && x.embedder != nil {
		if emb, err := x.embedder.Embed(ctx, semanticContext); err == nil && len(emb) == SemanticDim {
			sem = normalize(emb)
		}
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	// score per candidate id; start from graph hits plus brute-forced
	// pending tail, then optionally blend semantic similarity.
	scores := map[int]float64{}
	if x.graph != nil {
		for _, c := range x.graph.search(v, topK*2) {
			scores[c.id] = 1 - float64(c.dist)
		}
	}
	for i := x.graphSize; i < len(x.vectors); i++ {
		scores[i] = 1 - float64(cosineDistance(v, x.vectors[i]))
	}

	if sem != nil {
		for id, hs := range scores {
			if s := x.semantics[id]; s != nil {
				ss := 1 - float64(cosineDistance(sem, s))
				scores[id] = heuristicScoreWeight*hs + semanticScoreWeight*ss
			}
		}
	}

	out := make([]Neighbor, 0, len(scores))
	for id, sim := range scores {
		if sim < minSim {
			continue
		}
		e := x.entries[id]
		out = append(out, Neighbor{ID: e.ID, Distance: 1 - sim, WasBot: e.WasBot, Confidence: e.Confidence})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Len reports the indexed vector count.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// === Persistence ===

type indexMetaFile struct {
	SchemaVersion int     `json:"schema_version"`
	Dim           int     `json:"dim"`
	Entries       []Entry `json:"entries"`
}

func (x *Index) metaPath() string    { return filepath.Join(x.cfg.Dir, "similarity-meta.json") }
func (x *Index) vectorsPath() string { return filepath.Join(x.cfg.Dir, "similarity-vectors.jsonl") }

// Save writes the metadata and vector files through temp+rename.
func (x *Index) Save() error {
	x.mu.RLock()
	meta := indexMetaFile{SchemaVersion: IndexSchemaVersion, Dim: HeuristicDim, Entries: append([]Entry(nil), x.entries...)}
	vectors := make([][]float32, len(x.vectors))
	copy(vectors, x.vectors)
	semantics := make([][]float32, len(x.semantics))
	copy(semantics, x.semantics)
	x.mu.RUnlock()

	if err := os.MkdirAll(x.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	if err := writeJSONAtomic(x.metaPath(), meta); err != nil {
		return fmt.Errorf("save index metadata: %w", err)
	}

	tmp, err := os.CreateTemp(x.cfg.Dir, ".vectors-*.jsonl")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for i := range vectors {
		row := struct {
			V []float32 `json:"v"`
			S []float32 `json:"s,omitempty"`
		}{V: vectors[i], S: semantics[i]}
		if err := enc.Encode(row); err != nil {
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
	if err := os.Rename(tmp.Name(), x.vectorsPath()); err != nil {
		return err
	}

	x.mu.Lock()
	x.dirty = false
	x.mu.Unlock()
	return nil
}

// Load restores a saved index. Missing files are an empty index; a
// schema or dimension mismatch invalidates the save rather than loading
// incompatible vectors.
func (x *Index) Load() error {
	data, err := os.ReadFile(x.metaPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index metadata: %w", err)
	}
	var meta indexMetaFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("parse index metadata: %w", err)
	}
	if meta.SchemaVersion != IndexSchemaVersion || meta.Dim != HeuristicDim {
		x.logger.Printf("Discarding saved index: schema v%d dim %d, want v%d dim %d",
			meta.SchemaVersion, meta.Dim, IndexSchemaVersion, HeuristicDim)
		return nil
	}

	f, err := os.Open(x.vectorsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open index vectors: %w", err)
	}
	defer f.Close()

	var vectors, semantics [][]float32
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var row struct {
			V []float32 `json:"v"`
			S []float32 `json:"s"`
		}
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			return fmt.Errorf("parse vector row %d: %w", len(vectors), err)
		}
		vectors = append(vectors, row.V)
		semantics = append(semantics, row.S)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(vectors) != len(meta.Entries) {
		x.logger.Printf("Discarding saved index: %d vectors for %d entries", len(vectors), len(meta.Entries))
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = meta.Entries
	x.vectors = vectors
	x.semantics = semantics
	x.graph = nil
	x.graphSize = 0
	if len(x.vectors) >= x.cfg.BuildThreshold {
		x.rebuildLocked()
	}
	x.logger.Printf("Loaded %d vectors", len(x.entries))
	return nil
}

func (x *Index) saveLoop() {
	defer x.wg.Done()
	ticker := time.NewTicker(x.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			x.mu.RLock()
			dirty := x.dirty
			x.mu.RUnlock()
			if dirty {
				if err := x.Save(); err != nil {
					x.logger.Printf("periodic save failed: %v", err)
				}
			}
		case <-x.stopCh:
			return
		}
	}
}

// Stop halts the saver and flushes one final save when dirty.
func (x *Index) Stop() {
	if x.saverStarted {
		close(x.stopCh)
		x.wg.Wait()
		x.mu.RLock()
		dirty := x.dirty
		x.mu.RUnlock()
		if dirty {
			if err := x.Save(); err != nil {
				x.logger.Printf("final save failed: %v", err)
			}
		}
	}
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return append([]float32(nil), v...)
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) * inv)
	}
	return out
}

func writeJSONAtomic(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".meta-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
