package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/coordinator"
	"github.com/Jmi2020/KITT-sub000/internal/models"
)

// LoadProfiles reads a models.yaml file.
func LoadProfiles(path string) ([]models.ModelProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model profiles %s: %w", path, err)
	}
	return coordinator.ParseProfiles(data)
}

// WatchProfiles keeps registry in step with filename in the manager's
// directory. Invalid edits are rejected and the running profiles stay.
// Deleting the file keeps the last profiles.
func WatchProfiles(cm *ConfigManager, filename string, registry *coordinator.Registry, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cm.RegisterValidator(filename, func(data []byte) error {
		_, err := coordinator.ParseProfiles(data)
		return err
	})
	cm.RegisterHandler(filename, func(ev ChangeEvent) error {
		if ev.Action == "delete" {
			logger.Warn("Model profiles file removed; keeping current profiles", zap.String("file", ev.File))
			return nil
		}
		profiles, err := coordinator.ParseProfiles(ev.Data)
		if err != nil {
			return err
		}
		if err := registry.Update(profiles); err != nil {
			return fmt.Errorf("apply model profiles: %w", err)
		}
		logger.Info("Model profiles reloaded",
			zap.String("file", ev.File),
			zap.String("action", ev.Action),
			zap.Int("backends", len(profiles)))
		return nil
	})
}
