package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"cvcounter/internal/log"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when the config file or a required key is absent.
	ErrNotFound = errors.New("config not found")
	// ErrInvalid is returned when the config file cannot be parsed.
	ErrInvalid = errors.New("invalid config")
)

// Manager owns the JSON configuration document. Values are addressed by
// dotted paths ("detections.line1.confidence"). Mutations go through Set and
// are only durable after Save.
type Manager struct {
	path    string
	mu      sync.RWMutex
	data    map[string]any
	version int64
	logger  zerolog.Logger
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Manager, error) {
	m := &Manager{
		path:   path,
		data:   make(map[string]any),
		logger: log.WithComponent("config"),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the file, replacing the in-memory document and bumping the
// snapshot version.
func (m *Manager) Reload() error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, m.path)
		}
		return fmt.Errorf("read config: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	m.mu.Lock()
	m.data = data
	m.version++
	m.mu.Unlock()

	m.logger.Info().Str("path", m.path).Msg("configuration loaded")
	return nil
}

// Save writes the current document back to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	raw, err := json.MarshalIndent(m.data, "", "    ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(m.path, raw, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Get returns the value at the dotted path, or nil when absent.
func (m *Manager) Get(path string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lookup(m.data, strings.Split(path, "."))
}

// GetString returns the string at path or def.
func (m *Manager) GetString(path, def string) string {
	if v, ok := m.Get(path).(string); ok {
		return v
	}
	return def
}

// GetBool returns the boolean at path or def.
func (m *Manager) GetBool(path string, def bool) bool {
	if v, ok := m.Get(path).(bool); ok {
		return v
	}
	return def
}

// GetInt returns the integer at path or def. JSON numbers decode as float64.
func (m *Manager) GetInt(path string, def int) int {
	switch v := m.Get(path).(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// GetFloat returns the float at path or def.
func (m *Manager) GetFloat(path string, def float64) float64 {
	switch v := m.Get(path).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// Set stores value at the dotted path, creating intermediate maps as needed.
func (m *Manager) Set(path string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	store(m.data, strings.Split(path, "."), value)
	m.version++
}

// Delete removes the value at the dotted path, if present.
func (m *Manager) Delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := strings.Split(path, ".")
	node := m.data
	for _, k := range keys[:len(keys)-1] {
		next, ok := node[k].(map[string]any)
		if !ok {
			return
		}
		node = next
	}
	delete(node, keys[len(keys)-1])
	m.version++
}

// Version returns the current document version. It increases on every
// mutation or reload.
func (m *Manager) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Snapshot returns an immutable deep copy of the document together with its
// version. Engines hold a snapshot for the duration of a frame step.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Snapshot{data: deepCopy(m.data), version: m.version}
}

// Snapshot is a frozen view of the configuration document.
type Snapshot struct {
	data    map[string]any
	version int64
}

// Version returns the document version this snapshot was taken at.
func (s *Snapshot) Version() int64 { return s.version }

// Get returns the value at the dotted path, or nil when absent.
func (s *Snapshot) Get(path string) any {
	return lookup(s.data, strings.Split(path, "."))
}

func lookup(node map[string]any, keys []string) any {
	for i, k := range keys {
		v, ok := node[k]
		if !ok {
			return nil
		}
		if i == len(keys)-1 {
			return v
		}
		node, ok = v.(map[string]any)
		if !ok {
			return nil
		}
	}
	return nil
}

func store(node map[string]any, keys []string, value any) {
	for _, k := range keys[:len(keys)-1] {
		next, ok := node[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[k] = next
		}
		node = next
	}
	node[keys[len(keys)-1]] = value
}

func deepCopy(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		switch t := v.(type) {
		case map[string]any:
			dst[k] = deepCopy(t)
		case []any:
			cp := make([]any, len(t))
			for i, e := range t {
				if sub, ok := e.(map[string]any); ok {
					cp[i] = deepCopy(sub)
				} else {
					cp[i] = e
				}
			}
			dst[k] = cp
		default:
			dst[k] = v
		}
	}
	return dst
}
