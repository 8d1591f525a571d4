package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"deid-viewer/backend"
)

const (
	configDir    = "config"
	settingsFile = "settings.json"
)

// Settings are the UI settings persisted between restarts.
type Settings struct {
	// Policy is submitted by protect requests that do not carry their own.
	Policy backend.Policy `json:"policy"`
}

var (
	settings      Settings
	settingsMutex sync.RWMutex
)

func defaultSettings() Settings {
	return Settings{Policy: backend.DefaultPolicy()}
}

// currentPolicy returns the configured default protection policy.
func currentPolicy() backend.Policy {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settings.Policy
}

// saveSettingsLocked performs the actual saving without locking the mutex.
// This is to be called from functions that already hold the lock.
func saveSettingsLocked() error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, settingsFile), data, 0644)
}

// updateSettings replaces the settings and persists them.
func updateSettings(s Settings) error {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	settings = s
	return saveSettingsLocked()
}

// loadSettings loads the settings from settings.json, creating it with defaults if it doesn't exist or is corrupt.
func loadSettings() {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settingsPath := filepath.Join(configDir, settingsFile)
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		settings = defaultSettings()
		if os.IsNotExist(err) {
			log.Infof("Settings file not found at %s, creating with default values.", settingsPath)
			if err := saveSettingsLocked(); err != nil {
				log.Errorf("Failed to create default settings file: %v", err)
			}
		} else {
			log.Warnf("Failed to read settings file: %v. Loading default settings.", err)
		}
		return
	}

	loaded := defaultSettings()
	if err := json.Unmarshal(data, &loaded); err != nil {
		log.Warnf("Failed to parse settings file, please check its format. Loading default settings. Error: %v", err)
		settings = defaultSettings()
		return
	}
	if err := validate.Struct(loaded.Policy); err != nil {
		log.Warnf("Invalid policy in settings file, loading default settings. Error: %v", err)
		settings = defaultSettings()
		return
	}

	settings = loaded
	log.Info("Successfully loaded settings from settings.json")
}
