package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates the result.
// $VAR and ${VAR} environment references in the text are expanded before decoding.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in the defaults spec.md §6 names for any zero-valued field.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9090"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.TTS.MaxConcurrency <= 0 {
		cfg.TTS.MaxConcurrency = 5
	}
	if cfg.TTS.TimeoutMS <= 0 {
		cfg.TTS.TimeoutMS = 1_200_000
	}
	if cfg.TTS.ChunkSize <= 0 {
		cfg.TTS.ChunkSize = cfg.TTS.MaxConcurrency
	}
	if cfg.Queue.WorkerConcurrency <= 0 {
		cfg.Queue.WorkerConcurrency = 2
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Toolkit.TranscoderBin == "" {
		cfg.Toolkit.TranscoderBin = "ffmpeg"
	}
	if cfg.Toolkit.ProbeBin == "" {
		cfg.Toolkit.ProbeBin = "ffprobe"
	}
	if cfg.Toolkit.SeparatorBin == "" {
		cfg.Toolkit.SeparatorBin = "source-separate"
	}
	if cfg.Toolkit.TargetLUFS == 0 {
		cfg.Toolkit.TargetLUFS = -16
	}
	if cfg.Toolkit.TruePeakDB == 0 {
		cfg.Toolkit.TruePeakDB = -1.5
	}
	if cfg.Toolkit.LoudnessRangeLRA == 0 {
		cfg.Toolkit.LoudnessRangeLRA = 11
	}
	if cfg.Toolkit.StretchMin == 0 {
		cfg.Toolkit.StretchMin = 0.5
	}
	if cfg.Toolkit.StretchMax == 0 {
		cfg.Toolkit.StretchMax = 2.0
	}
	if cfg.Combiner.MinGapMS == 0 {
		cfg.Combiner.MinGapMS = 100
	}
	if cfg.Combiner.MinSegmentMS == 0 {
		cfg.Combiner.MinSegmentMS = 100
	}
	if cfg.Combiner.BackgroundWeight == 0 {
		cfg.Combiner.BackgroundWeight = 0.4
	}
	if cfg.Combiner.SpeechWeight == 0 {
		cfg.Combiner.SpeechWeight = 1.0
	}
	if cfg.Storage.TempRoot == "" {
		cfg.Storage.TempRoot = os.TempDir()
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.TTS.APIKey == "" {
		slog.Warn("tts.api_key is empty; vendor calls will fail")
	}
	if cfg.TTS.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("tts.max_concurrency must be >= 0, got %d", cfg.TTS.MaxConcurrency))
	}

	if cfg.Database.URL == "" {
		slog.Warn("database.url is empty; the job store cannot persist state")
	}

	if cfg.Queue.WorkerConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("queue.worker_concurrency must be > 0, got %d", cfg.Queue.WorkerConcurrency))
	}
	if cfg.Queue.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be > 0, got %d", cfg.Queue.MaxAttempts))
	}

	if cfg.Toolkit.StretchMin <= 0 || cfg.Toolkit.StretchMax <= 0 || cfg.Toolkit.StretchMin > cfg.Toolkit.StretchMax {
		errs = append(errs, fmt.Errorf("toolkit.stretch_min/stretch_max must form a valid range, got [%v, %v]", cfg.Toolkit.StretchMin, cfg.Toolkit.StretchMax))
	}

	if cfg.Combiner.MinGapMS < 0 {
		errs = append(errs, fmt.Errorf("combiner.min_gap_ms must be >= 0, got %d", cfg.Combiner.MinGapMS))
	}
	if cfg.Combiner.BackgroundWeight < 0 || cfg.Combiner.SpeechWeight < 0 {
		errs = append(errs, errors.New("combiner.background_weight and combiner.speech_weight must be >= 0"))
	}

	if cfg.Storage.BucketName == "" {
		slog.Warn("storage.bucket_name is empty; uploads will fail")
	}

	return errors.Join(errs...)
}
