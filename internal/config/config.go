package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration
type Config struct {
	ServerAddr           string `toml:"server_addr"`
	MaxConcurrent        int    `toml:"max_concurrent"`
	DedupWindowSeconds   int    `toml:"dedup_window_seconds"`
	StaleAfterMinutes    int    `toml:"stale_after_minutes"`
	ReviewTimeoutMinutes int    `toml:"review_timeout_minutes"`
	FollowupTickSeconds  int    `toml:"followup_tick_seconds"`

	// Reviewer invocation
	ReviewerCmd     string `toml:"reviewer_cmd"`
	DefaultModel    string `toml:"default_model"`
	DefaultLanguage string `toml:"default_language"`

	// Platform CLI commands
	GHCmd   string `toml:"gh_cmd"`
	GlabCmd string `toml:"glab_cmd"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerAddr:           "127.0.0.1:7474",
		MaxConcurrent:        2,
		DedupWindowSeconds:   300,
		StaleAfterMinutes:    240,
		ReviewTimeoutMinutes: 30,
		FollowupTickSeconds:  600,
		ReviewerCmd:          "claude",
		DefaultModel:         "sonnet",
		DefaultLanguage:      "en",
		GHCmd:                "gh",
		GlabCmd:              "glab",
	}
}

// DataDir returns the reviewd data directory.
// Uses REVIEWD_DATA_DIR env var if set, otherwise ~/.reviewd
func DataDir() string {
	if dir := os.Getenv("REVIEWD_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".reviewd")
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// LoadGlobal loads the global configuration from the default path
func LoadGlobal() (*Config, error) {
	return LoadGlobalFrom(GlobalConfigPath())
}

// LoadGlobalFrom loads the global configuration from a specific path.
// A missing file is not an error; defaults are returned.
func LoadGlobalFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveGlobal saves the global configuration
func SaveGlobal(cfg *Config) error {
	path := GlobalConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ResolveModel determines which reviewer model to use:
// explicit parameter, then config, then built-in default.
// The model is threaded through each invocation rather than
// stored as process-wide mutable state.
func ResolveModel(explicit string, cfg *Config) string {
	if explicit != "" {
		return explicit
	}
	if cfg != nil && cfg.DefaultModel != "" {
		return cfg.DefaultModel
	}
	return "sonnet"
}

// ResolveLanguage determines the review output language with the
// same priority as ResolveModel.
func ResolveLanguage(explicit string, cfg *Config) string {
	if explicit != "" {
		return explicit
	}
	if cfg != nil && cfg.DefaultLanguage != "" {
		return cfg.DefaultLanguage
	}
	return "en"
}
