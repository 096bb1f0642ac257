package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all weft runner configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	PoolSize   int    `json:"pool_size"`
	MaxScatter int    `json:"max_scatter"`
	FSRoot     string `json:"fs_root"`
}

func defaultConfig() Config {
	return Config{
		DBPath:     filepath.Join(weftDir(), "weft.db"),
		LogLevel:   "info",
		PoolSize:   10,
		MaxScatter: 3,
		FSRoot:     ".",
	}
}

func weftDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weft"
	}
	return filepath.Join(home, ".weft")
}

func settingsPath() string {
	return filepath.Join(weftDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("WEFT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WEFT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WEFT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("WEFT_MAX_SCATTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxScatter = n
		}
	}
	if v := os.Getenv("WEFT_FS_ROOT"); v != "" {
		cfg.FSRoot = v
	}

	return cfg
}
