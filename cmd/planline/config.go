package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all planline server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	Monitor    bool   `json:"monitor"`
	MCP        bool   `json:"mcp"`

	Devices    []DeviceConfig    `json:"devices"`
	Suspenders []SuspenderConfig `json:"suspenders"`
}

// DeviceConfig declares a simulated device to register at startup.
type DeviceConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"` // motor, signal, shutter
	Initial any    `json:"initial,omitempty"`
}

// SuspenderConfig declares a beam-condition watchdog to install at startup.
type SuspenderConfig struct {
	Name   string  `json:"name"`
	Device string  `json:"device"`
	Kind   string  `json:"kind"` // floor, ceil, bool
	Limit  float64 `json:"limit,omitempty"`
	Trip   bool    `json:"trip,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4300",
		DBPath:     filepath.Join(planlineDir(), "planline.db"),
		LogLevel:   "info",
		Monitor:    true,
		MCP:        true,
	}
}

func planlineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".planline"
	}
	return filepath.Join(home, ".planline")
}

func settingsPath() string {
	return filepath.Join(planlineDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PLANLINE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PLANLINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PLANLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PLANLINE_MONITOR"); v != "" {
		cfg.Monitor = v == "true" || v == "1"
	}
	if v := os.Getenv("PLANLINE_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}

	return cfg
}
