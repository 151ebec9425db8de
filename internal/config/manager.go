package config

import (
	"log"
	"sync/atomic"
)

// Manager holds the live configuration snapshot. Readers call Current
// and get an immutable *Config; Reload parses the file again and swaps
// the pointer, leaving in-flight requests on the old snapshot.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	logger  *log.Logger
}

// NewManager loads the initial snapshot.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		path:   path,
		logger: log.New(log.Writer(), "[CONFIG] ", log.LstdFlags),
	}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the live snapshot. Never nil.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Reload parses the file again. On error the old snapshot stays live.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Printf("reload failed, keeping previous config: %v", err)
		return err
	}
	m.current.Store(cfg)
	m.logger.Printf("configuration reloaded from %s", m.path)
	return nil
}
