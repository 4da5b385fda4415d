package config

const (
	defaultUploadsDir             = "~/.local/share/syntheme/uploads"
	defaultArtifactsDir           = "~/.local/share/syntheme/artifacts"
	defaultSynthemesDir           = "~/.config/syntheme/synthemes"
	defaultLogDir                 = "~/.local/share/syntheme/logs"
	defaultAPIBind                = "127.0.0.1:7319"
	defaultMaxUploadMiB           = 100
	defaultMaxConcurrent          = 2
	defaultJobTimeoutSeconds      = 600
	defaultFFmpegBinary           = "ffmpeg"
	defaultFFprobeBinary          = "ffprobe"
	defaultUploadRetentionHours   = 24
	defaultArtifactRetentionHours = 72
	defaultSweepIntervalSeconds   = 300
	defaultShutdownGraceSeconds   = 30
	defaultLogFormat              = "auto"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			UploadsDir:   defaultUploadsDir,
			ArtifactsDir: defaultArtifactsDir,
			SynthemesDir: defaultSynthemesDir,
			LogDir:       defaultLogDir,
			APIBind:      defaultAPIBind,
		},
		Intake: Intake{
			MaxUploadMiB: defaultMaxUploadMiB,
		},
		Render: Render{
			MaxConcurrent:     defaultMaxConcurrent,
			JobTimeoutSeconds: defaultJobTimeoutSeconds,
			FFmpegBinary:      defaultFFmpegBinary,
			FFprobeBinary:     defaultFFprobeBinary,
			PreviewThumbnails: true,
		},
		Cleanup: Cleanup{
			UploadRetentionHours:   defaultUploadRetentionHours,
			ArtifactRetentionHours: defaultArtifactRetentionHours,
			SweepIntervalSeconds:   defaultSweepIntervalSeconds,
			ShutdownGraceSeconds:   defaultShutdownGraceSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
