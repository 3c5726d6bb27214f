package engine

import "time"

// Config bounds the processor's resource usage, mirroring the environment
// knobs named in spec §6.
type Config struct {
	MaxStepOutputBytes   int
	MaxContextSizeBytes  int
	DefaultStepTimeoutMs int
	MaxStepTimeoutMs     int
	LockTTL              time.Duration
	LockRetryDelay       time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		MaxStepOutputBytes:   262_144,
		MaxContextSizeBytes:  1_048_576,
		DefaultStepTimeoutMs: 300_000,
		MaxStepTimeoutMs:     1_800_000,
		LockTTL:              60 * time.Second,
		LockRetryDelay:       1 * time.Second,
	}
}
