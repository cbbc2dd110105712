package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (listen addresses, database URL, toolkit binaries) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TTSConcurrencyChanged bool
	NewTTSConcurrency     int

	TTSChunkSizeChanged bool
	NewTTSChunkSize     int

	QueueWorkerConcurrencyChanged bool
	NewQueueWorkerConcurrency     int

	QueueMaxAttemptsChanged bool
	NewQueueMaxAttempts     int

	PriorityMapChanged bool
	NewPriorityMap     map[string]int
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restarting the process.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.TTS.MaxConcurrency != new.TTS.MaxConcurrency {
		d.TTSConcurrencyChanged = true
		d.NewTTSConcurrency = new.TTS.MaxConcurrency
	}

	if old.TTS.ChunkSize != new.TTS.ChunkSize {
		d.TTSChunkSizeChanged = true
		d.NewTTSChunkSize = new.TTS.ChunkSize
	}

	if old.Queue.WorkerConcurrency != new.Queue.WorkerConcurrency {
		d.QueueWorkerConcurrencyChanged = true
		d.NewQueueWorkerConcurrency = new.Queue.WorkerConcurrency
	}

	if old.Queue.MaxAttempts != new.Queue.MaxAttempts {
		d.QueueMaxAttemptsChanged = true
		d.NewQueueMaxAttempts = new.Queue.MaxAttempts
	}

	if !priorityMapsEqual(old.Queue.PriorityMap, new.Queue.PriorityMap) {
		d.PriorityMapChanged = true
		d.NewPriorityMap = new.Queue.PriorityMap
	}

	return d
}

func priorityMapsEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
