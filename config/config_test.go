package config

import (
	"testing"
	"time"
)

func fakeEnv(values map[string]string) func(string) string {
	return func(k string) string { return values[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(fakeEnv(map[string]string{"NBD_S3_BUCKET": "my-bucket"}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.LeaseTTL != 30*time.Second {
		t.Errorf("LeaseTTL = %v, want 30s", cfg.LeaseTTL)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", cfg.HeartbeatInterval)
	}
	if cfg.ExportSize != defaultExportSizeBytes {
		t.Errorf("ExportSize = %d, want %d", cfg.ExportSize, defaultExportSizeBytes)
	}
}

func TestLoadMissingBucketIsError(t *testing.T) {
	_, err := Load(fakeEnv(nil))
	if err == nil {
		t.Fatal("expected error for missing NBD_S3_BUCKET")
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(fakeEnv(map[string]string{
		"NBD_S3_BUCKET":                      "b",
		"NBD_S3_PORT":                        "12345",
		"NBD_S3_EXPORT_SIZE_BYTES":           "1048576",
		"NBD_S3_LEASE_TTL_SECONDS":           "60",
		"NBD_S3_HEARTBEAT_INTERVAL_SECONDS":  "20",
		"NBD_S3_FLUSH_PARALLELISM":           "5",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 12345 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.ExportSize != 1048576 {
		t.Errorf("ExportSize = %d", cfg.ExportSize)
	}
	if cfg.LeaseTTL != 60*time.Second {
		t.Errorf("LeaseTTL = %v", cfg.LeaseTTL)
	}
	if cfg.HeartbeatInterval != 20*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval)
	}
	if cfg.FlushParallelism != 5 {
		t.Errorf("FlushParallelism = %d", cfg.FlushParallelism)
	}
}

func TestLoadInvalidIntegerIsError(t *testing.T) {
	_, err := Load(fakeEnv(map[string]string{
		"NBD_S3_BUCKET": "b",
		"NBD_S3_PORT":   "not-a-number",
	}))
	if err == nil {
		t.Fatal("expected error for invalid NBD_S3_PORT")
	}
}
