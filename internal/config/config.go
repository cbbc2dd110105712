// Package config provides the configuration schema, loader, and hot-reload
// watcher for the audio retargeting service.
package config

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	TTS      TTSConfig      `yaml:"tts"`
	Queue    QueueConfig    `yaml:"queue"`
	Toolkit  ToolkitConfig  `yaml:"toolkit"`
	Combiner CombinerConfig `yaml:"combiner"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// LogLevel constrains Server.LogLevel to a known set of values.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the known log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ServerConfig holds network, logging, and metrics listener settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the job intake/status HTTP server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the TCP address the Prometheus exporter listens on.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// DatabaseConfig configures the Job Store / Queue Store Postgres connection.
type DatabaseConfig struct {
	// URL is a Postgres connection string (DATABASE_URL).
	URL string `yaml:"url"`
}

// StorageConfig configures the workspace temp root and upload destination.
type StorageConfig struct {
	// TempRoot is the base directory under which per-job Workspaces are created.
	TempRoot string `yaml:"temp_root"`

	// BucketName is the blob store bucket final mixes are uploaded to.
	BucketName string `yaml:"bucket_name"`
}

// TTSConfig configures the TTS Client and its vendor backend.
type TTSConfig struct {
	// APIKey authenticates against the vendor TTS API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the vendor's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// DefaultVoiceID is the vendor voice used when a cloning request is
	// downgraded for lack of a reference clip.
	DefaultVoiceID string `yaml:"default_voice_id"`

	// MaxConcurrency bounds in-flight vendor calls. Default 5.
	MaxConcurrency int `yaml:"max_concurrency"`

	// TimeoutMS is the per-request wall-clock budget. Default 1,200,000 (20 min).
	TimeoutMS int `yaml:"timeout_ms"`

	// ChunkSize is the batch chunk size. Defaults to MaxConcurrency.
	ChunkSize int `yaml:"chunk_size"`
}

// QueueConfig configures the durable priority queue runtime.
type QueueConfig struct {
	// WorkerConcurrency is the number of jobs processed concurrently. Default 2.
	WorkerConcurrency int `yaml:"worker_concurrency"`

	// MaxAttempts bounds retries for a failed job before it is marked terminal failed. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// PriorityMap maps a Transcreation's plan/priority class string to a
	// numeric priority (lower value is served first). Unknown classes map to
	// the lowest priority.
	PriorityMap map[string]int `yaml:"priority_map"`
}

// ToolkitConfig configures the external transcoder/separator binaries and
// loudness/stretch defaults.
type ToolkitConfig struct {
	// TranscoderBin is the path to the ffmpeg-compatible transcoder binary.
	TranscoderBin string `yaml:"transcoder_bin"`

	// ProbeBin is the path to the ffprobe-compatible probe binary.
	ProbeBin string `yaml:"probe_bin"`

	// SeparatorBin is the path to the source-separation helper binary.
	SeparatorBin string `yaml:"separator_bin"`

	// TargetLUFS is the integrated loudness target for loudnorm. Default -16.
	TargetLUFS float64 `yaml:"target_lufs"`

	// TruePeakDB is the true peak ceiling for loudnorm. Default -1.5.
	TruePeakDB float64 `yaml:"true_peak_db"`

	// LoudnessRangeLRA is the target loudness range for loudnorm. Default 11.
	LoudnessRangeLRA float64 `yaml:"loudness_range_lra"`

	// StretchMin and StretchMax are checked to form a valid range at load
	// time. They are not passed to the Media Toolkit, which always clamps the
	// time-fit ratio to its fixed mediatoolkit.StretchMin/StretchMax (0.5, 2.0).
	StretchMin float64 `yaml:"stretch_min"`
	StretchMax float64 `yaml:"stretch_max"`
}

// CombinerConfig configures the Segment Combiner's overlap resolution and mix weights.
type CombinerConfig struct {
	// MinGapMS is the minimum gap enforced between consecutive speech segments.
	MinGapMS int64 `yaml:"min_gap_ms"`

	// MinSegmentMS is the minimum surviving segment duration after overlap resolution.
	MinSegmentMS int64 `yaml:"min_segment_ms"`

	// BackgroundWeight and SpeechWeight are the mix weights applied to the
	// accompaniment track and each fitted speech clip.
	BackgroundWeight float64 `yaml:"background_weight"`
	SpeechWeight     float64 `yaml:"speech_weight"`
}

// DiscordConfig optionally enables Discord DM notification of job owners.
type DiscordConfig struct {
	// BotToken authenticates the notification bot. Empty disables Discord
	// notification; the Notifier then logs only.
	BotToken string `yaml:"bot_token"`
}
