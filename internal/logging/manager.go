package logging

import (
	"fmt"
	"sync"
)

var (
	defaultManager *Manager
	once           sync.Once
)

// Manager hands out one logger per component name, all sharing a root
// handler and level.
type Manager struct {
	mu      sync.RWMutex
	root    *Logger
	loggers map[string]*Logger
}

func NewManager(config *Config) (*Manager, error) {
	root, err := NewLogger(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create root logger: %w", err)
	}
	return newManager(root), nil
}

func newManager(root *Logger) *Manager {
	return &Manager{
		root:    root,
		loggers: map[string]*Logger{"default": root},
	}
}

// GetManager returns the process-wide manager, creating it with the default
// configuration on first use.
func GetManager() *Manager {
	once.Do(func() {
		root, err := NewLogger(DefaultConfig())
		if err != nil {
			root = Discard()
		}
		defaultManager = newManager(root)
	})
	return defaultManager
}

// GetLogger returns the logger for name, tagging its records with a module
// attribute.
func (m *Manager) GetLogger(name string) *Logger {
	m.mu.RLock()
	logger, exists := m.loggers[name]
	m.mu.RUnlock()
	if exists {
		return logger
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if logger, exists := m.loggers[name]; exists {
		return logger
	}
	logger = m.root.With("module", name)
	m.loggers[name] = logger
	return logger
}

// Reconfigure swaps the root handler. Loggers handed out earlier keep their
// old handler but follow level changes made through UpdateLevel.
func (m *Manager) Reconfigure(config *Config) error {
	root, err := NewLogger(config)
	if err != nil {
		return fmt.Errorf("failed to reconfigure logging: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = root
	m.loggers = map[string]*Logger{"default": root}
	return nil
}

func (m *Manager) UpdateLevel(level string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.root.UpdateLevel(level)
}

func (m *Manager) GetLoggerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.loggers))
	for name := range m.loggers {
		names = append(names, name)
	}
	return names
}

// GetLogger returns a named logger from the process-wide manager.
func GetLogger(name string) *Logger {
	return GetManager().GetLogger(name)
}

// Configure applies config to the process-wide manager.
func Configure(config *Config) error {
	return GetManager().Reconfigure(config)
}

func Default() *Logger {
	return GetLogger("default")
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
