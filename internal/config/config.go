package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	defaultConfigPath = "~/.config/phototag/config.json"
	defaultPort       = 5000
)

// Config holds user-editable settings for the service.
type Config struct {
	Server  Server  `json:"server"`
	Spool   Spool   `json:"spool"`
	Tool    Tool    `json:"exiftool"`
	Encoder Encoder `json:"encoder"`
	Cleanup Cleanup `json:"cleanup"`
	Logging Logging `json:"logging"`
	Paths   Paths   `json:"paths"`
}

// Server configures the HTTP listener.
type Server struct {
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	MaxUploadMB    int64    `json:"max_upload_mb"`
}

// Spool configures the transient artifact directories.
type Spool struct {
	TempDir      string `json:"temp_dir"`      // intermediate (re-encoded) artifacts
	DownloadDir  string `json:"download_dir"`  // final (metadata-embedded) artifacts
	SweepEnabled bool   `json:"sweep_enabled"` // background sweep of stale artifacts
	SweepMaxAge  int    `json:"sweep_max_age"` // seconds before an orphan is swept
	SweepEvery   int    `json:"sweep_every"`   // seconds between sweep passes
}

// Tool locates the external metadata tool.
type Tool struct {
	Path string `json:"path"` // empty means discover on PATH
}

// Encoder controls image re-encoding.
type Encoder struct {
	Quality uint `json:"quality"` // JPEG/WEBP compression quality
}

// Cleanup configures the retrying deleter.
type Cleanup struct {
	Attempts int `json:"attempts"`
	DelayMS  int `json:"delay_ms"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures persistent file locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// The PORT environment variable overrides the configured listen port.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("PHOTOTAG_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		applyEnv(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// CleanupDelay returns the configured inter-attempt delay.
func (c *Config) CleanupDelay() time.Duration {
	return time.Duration(c.Cleanup.DelayMS) * time.Millisecond
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}
	if path := os.Getenv("EXIFTOOL_PATH"); path != "" {
		cfg.Tool.Path = path
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: Server{
			Port:           defaultPort,
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxUploadMB:    32,
		},
		Spool: Spool{
			TempDir:      "temp",
			DownloadDir:  "downloads",
			SweepEnabled: true,
			SweepMaxAge:  600,
			SweepEvery:   60,
		},
		Encoder: Encoder{
			Quality: 90,
		},
		Cleanup: Cleanup{
			Attempts: 5,
			DelayMS:  1000,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "phototag.db"),
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
