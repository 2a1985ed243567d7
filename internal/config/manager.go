package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent describes a change to a watched file.
type ChangeEvent struct {
	File      string    `json:"file"`
	Action    string    `json:"action"` // initial_load, create, modify, delete, manual_reload
	Data      []byte    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeHandler is called when a watched file changes.
type ChangeHandler func(event ChangeEvent) error

// ConfigManager watches files in one directory and hands their contents to
// registered handlers. Only files with a handler are watched. Handlers run
// one at a time on the watch goroutine.
type ConfigManager struct {
	configDir  string
	handlers   map[string][]ChangeHandler
	validators map[string]func([]byte) error
	current    map[string][]byte
	watcher    *fsnotify.Watcher
	started    bool
	stopCh     chan struct{}
	done       sync.WaitGroup
	logger     *zap.Logger
	mu         sync.RWMutex
	loadMu     sync.Mutex

	// Polling fallback for filesystems where fsnotify is unreliable
	pollInterval  time.Duration
	enablePolling bool
	debounce      time.Duration
}

// NewConfigManager creates a manager for configDir.
func NewConfigManager(configDir string, logger *zap.Logger) (*ConfigManager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &ConfigManager{
		configDir:    configDir,
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]func([]byte) error),
		current:      make(map[string][]byte),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
		debounce:     50 * time.Millisecond,
	}, nil
}

// Start loads every watched file that exists and begins watching.
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.started = true
	polling := cm.enablePolling
	files := make([]string, 0, len(cm.handlers))
	for name := range cm.handlers {
		files = append(files, name)
	}
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	for _, name := range files {
		path := filepath.Join(cm.configDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := cm.loadFile(path, "initial_load"); err != nil {
			return fmt.Errorf("failed to load initial config: %w", err)
		}
	}

	cm.done.Add(1)
	go cm.watchLoop(ctx)
	if polling {
		cm.done.Add(1)
		go cm.pollLoop(ctx)
	}
	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.configDir),
		zap.Strings("files", files),
		zap.Bool("polling_enabled", polling))
	return nil
}

// Stop stops watching and waits for the watch goroutines to exit.
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	if !cm.started {
		cm.mu.Unlock()
		return cm.watcher.Close()
	}
	cm.started = false
	close(cm.stopCh)
	cm.mu.Unlock()

	err := cm.watcher.Close()
	cm.done.Wait()
	cm.logger.Info("Configuration manager stopped")
	return err
}

// RegisterHandler registers a change handler for a file in the directory.
func (cm *ConfigManager) RegisterHandler(filename string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[filename] = append(cm.handlers[filename], handler)
}

// RegisterValidator registers a check that new contents must pass before
// any handler sees them. Rejected contents leave the previous version live.
func (cm *ConfigManager) RegisterValidator(filename string, validator func([]byte) error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[filename] = validator
}

// Current returns the last accepted contents of a file.
func (cm *ConfigManager) Current(filename string) ([]byte, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	data, ok := cm.current[filename]
	return data, ok
}

// ReloadConfig reloads a file on demand.
func (cm *ConfigManager) ReloadConfig(filename string) error {
	return cm.loadFile(filepath.Join(cm.configDir, filename), "manual_reload")
}

// EnablePolling turns on the mtime polling fallback. Call before Start.
func (cm *ConfigManager) EnablePolling(interval time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.enablePolling = true
	cm.pollInterval = interval
}

func (cm *ConfigManager) watched(path string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	_, ok := cm.handlers[filepath.Base(path)]
	return ok
}

func (cm *ConfigManager) watchLoop(ctx context.Context) {
	defer cm.done.Done()
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-cm.stopCh:
			return
		case <-ctx.Done():
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleWatchEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) pollLoop(ctx context.Context) {
	defer cm.done.Done()
	ticker := time.NewTicker(cm.pollInterval)
	defer ticker.Stop()
	lastMod := make(map[string]time.Time)
	for {
		select {
		case <-cm.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.checkForChanges(lastMod)
		}
	}
}

func (cm *ConfigManager) checkForChanges(lastMod map[string]time.Time) {
	cm.mu.RLock()
	names := make([]string, 0, len(cm.handlers))
	for name := range cm.handlers {
		names = append(names, name)
	}
	cm.mu.RUnlock()

	for _, name := range names {
		path := filepath.Join(cm.configDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(lastMod[name]) {
			first := lastMod[name].IsZero()
			lastMod[name] = info.ModTime()
			if first {
				continue
			}
			if err := cm.loadFile(path, "polling_detected"); err != nil {
				cm.logger.Error("Failed to reload config file", zap.String("file", name), zap.Error(err))
			}
		}
	}
}

func (cm *ConfigManager) handleWatchEvent(event fsnotify.Event) {
	if !cm.watched(event.Name) {
		return
	}
	filename := filepath.Base(event.Name)

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove, event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "delete"
	default:
		return
	}
	cm.logger.Debug("File system event", zap.String("file", filename), zap.String("action", action))

	if action == "delete" {
		cm.handleFileRemoval(filename)
		return
	}
	// rapid successive writes settle before the read
	time.Sleep(cm.debounce)
	if err := cm.loadFile(event.Name, action); err != nil {
		cm.logger.Error("Failed to load config file",
			zap.String("file", filename),
			zap.String("action", action),
			zap.Error(err))
	}
}

func (cm *ConfigManager) loadFile(path, action string) error {
	cm.loadMu.Lock()
	defer cm.loadMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	filename := filepath.Base(path)

	cm.mu.RLock()
	validator := cm.validators[filename]
	prev, seen := cm.current[filename]
	cm.mu.RUnlock()

	if seen && string(prev) == string(data) && action != "manual_reload" {
		return nil
	}
	if validator != nil {
		if err := validator(data); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	cm.mu.Lock()
	cm.current[filename] = data
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.notify(handlers, ChangeEvent{File: filename, Action: action, Data: data, Timestamp: time.Now()})
	cm.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.Int("bytes", len(data)))
	return nil
}

func (cm *ConfigManager) handleFileRemoval(filename string) {
	cm.loadMu.Lock()
	defer cm.loadMu.Unlock()

	cm.mu.Lock()
	last := cm.current[filename]
	delete(cm.current, filename)
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.notify(handlers, ChangeEvent{File: filename, Action: "delete", Data: last, Timestamp: time.Now()})
	cm.logger.Info("Configuration file removed", zap.String("filename", filename))
}

func (cm *ConfigManager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, h := range handlers {
		if err := h(event); err != nil {
			cm.logger.Error("Configuration handler error",
				zap.String("filename", event.File),
				zap.String("action", event.Action),
				zap.Error(err))
		}
	}
}
