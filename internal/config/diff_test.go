package config_test

import (
	"testing"

	"github.com/dubforge/retargetd/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		TTS:    config.TTSConfig{MaxConcurrency: 5, ChunkSize: 5},
		Queue:  config.QueueConfig{WorkerConcurrency: 2, MaxAttempts: 3, PriorityMap: map[string]int{"rush": 0}},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.TTSConcurrencyChanged || d.TTSChunkSizeChanged ||
		d.QueueWorkerConcurrencyChanged || d.QueueMaxAttemptsChanged || d.PriorityMapChanged {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_TTSConcurrencyChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{TTS: config.TTSConfig{MaxConcurrency: 5}}
	new := &config.Config{TTS: config.TTSConfig{MaxConcurrency: 10}}

	d := config.Diff(old, new)
	if !d.TTSConcurrencyChanged {
		t.Error("expected TTSConcurrencyChanged=true")
	}
	if d.NewTTSConcurrency != 10 {
		t.Errorf("expected NewTTSConcurrency=10, got %d", d.NewTTSConcurrency)
	}
}

func TestDiff_TTSChunkSizeChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{TTS: config.TTSConfig{ChunkSize: 5}}
	new := &config.Config{TTS: config.TTSConfig{ChunkSize: 8}}

	d := config.Diff(old, new)
	if !d.TTSChunkSizeChanged {
		t.Error("expected TTSChunkSizeChanged=true")
	}
}

func TestDiff_QueueWorkerConcurrencyChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Queue: config.QueueConfig{WorkerConcurrency: 2}}
	new := &config.Config{Queue: config.QueueConfig{WorkerConcurrency: 4}}

	d := config.Diff(old, new)
	if !d.QueueWorkerConcurrencyChanged {
		t.Error("expected QueueWorkerConcurrencyChanged=true")
	}
	if d.NewQueueWorkerConcurrency != 4 {
		t.Errorf("expected NewQueueWorkerConcurrency=4, got %d", d.NewQueueWorkerConcurrency)
	}
}

func TestDiff_QueueMaxAttemptsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Queue: config.QueueConfig{MaxAttempts: 3}}
	new := &config.Config{Queue: config.QueueConfig{MaxAttempts: 5}}

	d := config.Diff(old, new)
	if !d.QueueMaxAttemptsChanged {
		t.Error("expected QueueMaxAttemptsChanged=true")
	}
}

func TestDiff_PriorityMapChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Queue: config.QueueConfig{PriorityMap: map[string]int{"rush": 0, "standard": 1}}}
	new := &config.Config{Queue: config.QueueConfig{PriorityMap: map[string]int{"rush": 0, "standard": 2}}}

	d := config.Diff(old, new)
	if !d.PriorityMapChanged {
		t.Error("expected PriorityMapChanged=true")
	}
}

func TestDiff_PriorityMapUnchangedWhenEqual(t *testing.T) {
	t.Parallel()
	old := &config.Config{Queue: config.QueueConfig{PriorityMap: map[string]int{"rush": 0, "standard": 1}}}
	new := &config.Config{Queue: config.QueueConfig{PriorityMap: map[string]int{"standard": 1, "rush": 0}}}

	d := config.Diff(old, new)
	if d.PriorityMapChanged {
		t.Error("expected PriorityMapChanged=false for reordered-but-equal maps")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		TTS:    config.TTSConfig{MaxConcurrency: 5},
		Queue:  config.QueueConfig{MaxAttempts: 3},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		TTS:    config.TTSConfig{MaxConcurrency: 10},
		Queue:  config.QueueConfig{MaxAttempts: 5},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.TTSConcurrencyChanged {
		t.Error("expected TTSConcurrencyChanged=true")
	}
	if !d.QueueMaxAttemptsChanged {
		t.Error("expected QueueMaxAttemptsChanged=true")
	}
}
