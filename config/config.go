// Package config loads the server's configuration from environment
// variables, per spec §6.1.
package config

import (
	"fmt"
	"strconv"
	"time"
)

// Config is the fully-resolved set of settings a running server needs.
type Config struct {
	Host string
	Port int

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string

	ExportSize uint64

	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	FlushParallelism  int

	LogLevel string
}

// defaults mirror the values spec §4 and §6.1 call out explicitly.
const (
	defaultPort              = 10809
	defaultExportSizeBytes   = 10 << 30 // 10 GiB
	defaultLeaseTTLSeconds   = 30
	defaultHeartbeatSeconds  = 15
	defaultFlushParallelism  = 10
	defaultLogLevel          = "info"
)

// Load reads configuration from environment variables via getenv (pass
// os.Getenv in production; tests can substitute a map-backed stub).
func Load(getenv func(string) string) (Config, error) {
	cfg := Config{
		Host:              firstNonEmpty(getenv("NBD_S3_HOST"), "0.0.0.0"),
		Port:              defaultPort,
		S3Endpoint:        getenv("NBD_S3_ENDPOINT"),
		S3AccessKey:       getenv("NBD_S3_ACCESS_KEY"),
		S3SecretKey:       getenv("NBD_S3_SECRET_KEY"),
		S3Bucket:          getenv("NBD_S3_BUCKET"),
		S3Region:          firstNonEmpty(getenv("NBD_S3_REGION"), "us-east-1"),
		LeaseTTL:          defaultLeaseTTLSeconds * time.Second,
		HeartbeatInterval: defaultHeartbeatSeconds * time.Second,
		FlushParallelism:  defaultFlushParallelism,
		LogLevel:          firstNonEmpty(getenv("NBD_S3_LOG_LEVEL"), defaultLogLevel),
	}

	if v := getenv("NBD_S3_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: NBD_S3_PORT: %w", err)
		}
		cfg.Port = p
	}

	cfg.ExportSize = uint64(defaultExportSizeBytes)
	if v := getenv("NBD_S3_EXPORT_SIZE_BYTES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("config: NBD_S3_EXPORT_SIZE_BYTES: %w", err)
		}
		cfg.ExportSize = n
	}

	if v := getenv("NBD_S3_BLOCK_SIZE_BYTES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("config: NBD_S3_BLOCK_SIZE_BYTES: %w", err)
		}
		if n != 131072 {
			return Config{}, fmt.Errorf("config: NBD_S3_BLOCK_SIZE_BYTES must be 131072, got %d", n)
		}
	}

	if v := getenv("NBD_S3_LEASE_TTL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: NBD_S3_LEASE_TTL_SECONDS: %w", err)
		}
		cfg.LeaseTTL = time.Duration(n) * time.Second
	}
	if v := getenv("NBD_S3_HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: NBD_S3_HEARTBEAT_INTERVAL_SECONDS: %w", err)
		}
		cfg.HeartbeatInterval = time.Duration(n) * time.Second
	}
	if v := getenv("NBD_S3_FLUSH_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: NBD_S3_FLUSH_PARALLELISM: %w", err)
		}
		cfg.FlushParallelism = n
	}

	if cfg.S3Bucket == "" {
		return Config{}, fmt.Errorf("config: NBD_S3_BUCKET is required")
	}
	return cfg, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
