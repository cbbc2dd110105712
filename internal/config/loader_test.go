package config_test

import (
	"strings"
	"testing"

	"github.com/dubforge/retargetd/internal/config"
)

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
toolkit:
  stretch_min: 3.0
  stretch_max: 1.0
combiner:
  min_gap_ms: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "stretch_min", "min_gap_ms"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %q, got: %v", want, errStr)
		}
	}
}

func TestValidate_CombinerNegativeWeightsRejected(t *testing.T) {
	t.Parallel()
	yaml := `
combiner:
  background_weight: -0.1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative background_weight, got nil")
	}
	if !strings.Contains(err.Error(), "weight") {
		t.Errorf("error should mention weight, got: %v", err)
	}
}

func TestValidate_MissingDatabaseURLWarnsButSucceeds(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: info
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("missing database.url should warn, not fail: %v", err)
	}
}

func TestValidate_MissingBucketNameWarnsButSucceeds(t *testing.T) {
	t.Parallel()
	yaml := `
database:
  url: "postgres://localhost/test"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("missing storage.bucket_name should warn, not fail: %v", err)
	}
}

func TestValidate_FullyPopulatedConfigIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: debug
database:
  url: "postgres://localhost/test"
storage:
  bucket_name: retargetd-renders
tts:
  api_key: el-test
  max_concurrency: 4
queue:
  worker_concurrency: 3
  max_attempts: 4
toolkit:
  stretch_min: 0.5
  stretch_max: 2.0
combiner:
  min_gap_ms: 50
  background_weight: 0.4
  speech_weight: 1.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
