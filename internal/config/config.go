// Package config loads the nimbus server configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Listen        string        `yaml:"listen"`
	DataDir       string        `yaml:"data_dir"`
	TempDir       string        `yaml:"temp_dir"`
	Workers       int           `yaml:"workers"`
	CacheDuration int           `yaml:"cache_duration"` // seconds, sent as max-age
	BuildTimeout  time.Duration `yaml:"build_timeout"`
	Log           Log           `yaml:"log"`
	Preview       Preview       `yaml:"preview"`
	Webshot       Webshot       `yaml:"webshot"`
	Tools         Tools         `yaml:"tools"`
}

// Log configures the global logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Preview bounds generated thumbnails.
type Preview struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Webshot configures URL screenshots.
type Webshot struct {
	Width   int           `yaml:"width"`
	Height  int           `yaml:"height"`
	Timeout time.Duration `yaml:"timeout"` // how long a screenshot stays cached
	Rate    int           `yaml:"rate"`    // requests per minute per client IP
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
}

// Tools holds paths of the external programs used by the media builders.
type Tools struct {
	FFmpeg    string `yaml:"ffmpeg"`
	Convert   string `yaml:"convert"`
	MediaInfo string `yaml:"mediainfo"`
	PdfToPpm  string `yaml:"pdftoppm"`
	PdfInfo   string `yaml:"pdfinfo"`
	Unoconv   string `yaml:"unoconv"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:        ":8080",
		DataDir:       "data",
		CacheDuration: 3600,
		BuildTimeout:  10 * time.Minute,
		Log:           Log{Level: "info", Format: "console"},
		Preview:       Preview{Width: 256, Height: 256},
		Webshot: Webshot{
			Width:   1024,
			Height:  768,
			Timeout: 12 * time.Hour,
			Rate:    30,
			Command: "chromium",
			Args: []string{
				"--headless", "--disable-gpu", "--hide-scrollbars",
				"--window-size={width},{height}", "--screenshot={output}", "{url}",
			},
		},
		Tools: Tools{
			FFmpeg:    "ffmpeg",
			Convert:   "convert",
			MediaInfo: "mediainfo",
			PdfToPpm:  "pdftoppm",
			PdfInfo:   "pdfinfo",
			Unoconv:   "unoconv",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Write stores cfg as YAML at path, creating parent directories.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		c.Listen = ":" + port
	}
	if dir := os.Getenv("NIMBUS_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if lvl := os.Getenv("NIMBUS_LOG_LEVEL"); lvl != "" {
		c.Log.Level = lvl
	}
	if w := os.Getenv("NIMBUS_WORKERS"); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil {
			return fmt.Errorf("NIMBUS_WORKERS: %w", err)
		}
		c.Workers = n
	}
	return nil
}

// Validate checks value ranges and fills derived defaults.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.TempDir == "" {
		// Uploads are renamed into the tree, so they must share a filesystem.
		c.TempDir = filepath.Join(c.DataDir, "tmp")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if c.CacheDuration < 0 {
		return fmt.Errorf("cache_duration must be >= 0, got %d", c.CacheDuration)
	}
	if c.BuildTimeout <= 0 {
		return fmt.Errorf("build_timeout must be positive, got %s", c.BuildTimeout)
	}
	if c.Preview.Width <= 0 || c.Preview.Height <= 0 {
		return fmt.Errorf("preview size must be positive, got %dx%d", c.Preview.Width, c.Preview.Height)
	}
	if c.Webshot.Timeout <= 0 {
		return fmt.Errorf("webshot.timeout must be positive, got %s", c.Webshot.Timeout)
	}
	return nil
}
