// Package datasource manages the background-refreshed reference data
// the detectors consult: cloud provider IP ranges, known bot lists, and
// current browser versions. Each source publishes through an atomic
// pointer swap so the request path reads lock-free; refreshers retry on
// their own clock and never propagate failures into detection.
package datasource

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stylobot/gateway/internal/metrics"
)

// FetchFunc produces a fresh snapshot. Returning an error keeps the
// previous snapshot in place.
type FetchFunc[T any] func(ctx context.Context) (*T, error)

// Source is one periodically refreshed dataset.
type Source[T any] struct {
	name     string
	interval time.Duration
	fetch    FetchFunc[T]
	current  atomic.Pointer[T]

	logger  *log.Logger
	metrics *metrics.Metrics
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSource seeds the dataset and starts refreshing when interval > 0.
// The seed is served until the first successful fetch.
func NewSource[T any](name string, seed *T, interval time.Duration, fetch FetchFunc[T], m *metrics.Metrics) *Source[T] {
	s := &Source[T]{
		name:     name,
		interval: interval,
		fetch:    fetch,
		logger:   log.New(log.Writer(), "[DATASOURCE] ", log.LstdFlags),
		metrics:  m,
		stopCh:   make(chan struct{}),
	}
	s.current.Store(seed)
	if interval > 0 && fetch != nil {
		s.wg.Add(1)
		go s.refreshLoop()
	}
	return s
}

// Get returns the current snapshot. Never nil once constructed with a
// non-nil seed.
func (s *Source[T]) Get() *T {
	return s.current.Load()
}

// Refresh fetches once, swapping in the new snapshot on success.
func (s *Source[T]) Refresh(ctx context.Context) error {
	next, err := s.fetch(ctx)
	if s.metrics != nil {
		s.metrics.ObserveDatasourceRefresh(s.name, err)
	}
	if err != nil {
		s.logger.Printf("%s refresh failed, keeping previous snapshot: %v", s.name, err)
		return err
	}
	s.current.Store(next)
	return nil
}

func (s *Source[T]) refreshLoop() {
	defer s.wg.Done()

	// First fetch shortly after startup so the seed is replaced quickly.
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = s.Refresh(ctx)
			cancel()
			timer.Reset(s.interval)
		case <-s.stopCh:
			return
		}
	}
}

// Stop terminates the refresher; an in-flight fetch finishes first.
func (s *Source[T]) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
