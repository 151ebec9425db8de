package middleware

import (
	"log"
	"sync"
	"time"
)

// Throttler enforces the Throttle action: per-signature sliding windows
// with the limits supplied by the triggered action policy. Windows are
// garbage-collected in the background so idle signatures do not leak.
type Throttler struct {
	mu      sync.RWMutex
	windows map[string]*throttleWindow
	logger  *log.Logger
	stopCh  chan struct{}
}

type throttleWindow struct {
	count       int
	windowStart time.Time
	length      time.Duration
}

// NewThrottler starts the cleanup loop.
func NewThrottler() *Throttler {
	t := &Throttler{
		windows: make(map[string]*throttleWindow),
		logger:  log.New(log.Writer(), "[THROTTLE] ", log.LstdFlags),
		stopCh:  make(chan struct{}),
	}
	go t.cleanup()
	return t
}

// Allow counts one request against the signature's window and reports
// whether it fits under maxRequests per window.
func (t *Throttler) Allow(key string, maxRequests, windowSeconds int) bool {
	if maxRequests <= 0 {
		maxRequests = 30
	}
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	window := time.Duration(windowSeconds) * time.Second
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[key]
	if !ok || now.Sub(w.windowStart) > window {
		t.windows[key] = &throttleWindow{count: 1, windowStart: now, length: window}
		return true
	}
	w.count++
	if w.count > maxRequests {
		t.logger.Printf("throttled signature %s: %d in %s exceeds %d", key, w.count, window, maxRequests)
		return false
	}
	return true
}

func (t *Throttler) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			now := time.Now()
			for key, w := range t.windows {
				if now.Sub(w.windowStart) > 2*w.length {
					delete(t.windows, key)
				}
			}
			t.mu.Unlock()
		}
	}
}

// Stats reports the live window count.
func (t *Throttler) Stats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]interface{}{"active_windows": len(t.windows)}
}

// Stop halts the cleanup loop.
func (t *Throttler) Stop() {
	close(t.stopCh)
}
