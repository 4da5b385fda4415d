package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	UploadsDir   string `toml:"uploads_dir"`
	ArtifactsDir string `toml:"artifacts_dir"`
	SynthemesDir string `toml:"synthemes_dir"`
	LogDir       string `toml:"log_dir"`
	APIBind      string `toml:"api_bind"`
}

// Intake contains upload acceptance settings.
type Intake struct {
	MaxUploadMiB int `toml:"max_upload_mib"`
}

// Render contains settings for render job execution.
type Render struct {
	MaxConcurrent     int    `toml:"max_concurrent"`
	JobTimeoutSeconds int    `toml:"job_timeout_seconds"`
	FFmpegBinary      string `toml:"ffmpeg_binary"`
	FFprobeBinary     string `toml:"ffprobe_binary"`
	PreviewThumbnails bool   `toml:"preview_thumbnails"`
}

// Cleanup contains retention and sweep timing settings.
type Cleanup struct {
	UploadRetentionHours   int `toml:"upload_retention_hours"`
	ArtifactRetentionHours int `toml:"artifact_retention_hours"`
	SweepIntervalSeconds   int `toml:"sweep_interval_seconds"`
	ShutdownGraceSeconds   int `toml:"shutdown_grace_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the syntheme daemon.
type Config struct {
	Paths   Paths   `toml:"paths"`
	Intake  Intake  `toml:"intake"`
	Render  Render  `toml:"render"`
	Cleanup Cleanup `toml:"cleanup"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/syntheme/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a config file was actually found.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = os.Getenv("SYNTHEME_CONFIG")
	}
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("syntheme.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the configured storage and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.UploadsDir, c.Paths.ArtifactsDir, c.Paths.SynthemesDir, c.Paths.LogDir}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteSample writes the embedded sample configuration to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// MaxUploadBytes returns the configured upload ceiling in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Intake.MaxUploadMiB) << 20
}

// JobTimeout returns the per-job render timeout.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Render.JobTimeoutSeconds) * time.Second
}

// UploadRetention returns the retention window for uploaded source assets.
func (c *Config) UploadRetention() time.Duration {
	return time.Duration(c.Cleanup.UploadRetentionHours) * time.Hour
}

// ArtifactRetention returns the retention window for finished artifacts.
func (c *Config) ArtifactRetention() time.Duration {
	return time.Duration(c.Cleanup.ArtifactRetentionHours) * time.Hour
}

// SweepInterval returns the cleanup sweep cadence.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Cleanup.SweepIntervalSeconds) * time.Second
}

// ShutdownGrace returns how long shutdown waits for in-flight jobs.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Cleanup.ShutdownGraceSeconds) * time.Second
}
