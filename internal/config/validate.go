package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateIntake(); err != nil {
		return err
	}
	if err := c.validateRender(); err != nil {
		return err
	}
	if err := c.validateCleanup(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.UploadsDir == "" {
		return errors.New("paths.uploads_dir must be set")
	}
	if c.Paths.ArtifactsDir == "" {
		return errors.New("paths.artifacts_dir must be set")
	}
	if c.Paths.UploadsDir == c.Paths.ArtifactsDir {
		return errors.New("paths.uploads_dir and paths.artifacts_dir must differ")
	}
	if c.Paths.SynthemesDir == "" {
		return errors.New("paths.synthemes_dir must be set")
	}
	return nil
}

func (c *Config) validateIntake() error {
	if c.Intake.MaxUploadMiB <= 0 {
		return errors.New("intake.max_upload_mib must be positive")
	}
	return nil
}

func (c *Config) validateRender() error {
	if c.Render.MaxConcurrent <= 0 {
		return errors.New("render.max_concurrent must be positive")
	}
	if c.Render.JobTimeoutSeconds <= 0 {
		return errors.New("render.job_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateCleanup() error {
	if c.Cleanup.UploadRetentionHours < 0 {
		return errors.New("cleanup.upload_retention_hours must not be negative")
	}
	if c.Cleanup.ArtifactRetentionHours < 0 {
		return errors.New("cleanup.artifact_retention_hours must not be negative")
	}
	if c.Cleanup.SweepIntervalSeconds <= 0 {
		return errors.New("cleanup.sweep_interval_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
		return nil
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
}
