package chunkuploader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

const (
	// DefaultChunkSize is the size of every chunk but the last one.
	DefaultChunkSize = 10 * units.MiB

	// DefaultContentType is sent with every chunk unless Config.ContentType is set.
	DefaultContentType = "application/octet-stream"
)

// Environment variables read by ConfigFromEnv.
const (
	ChunkSizeEnvKey             = "PARALLEL_UPLOAD_CHUNK_SIZE"
	ConcurrencyEnvKey           = "PARALLEL_UPLOAD_CONCURRENCY"
	MaxChunkRetriesEnvKey       = "PARALLEL_UPLOAD_MAX_CHUNK_RETRIES"
	MaxRetriesEnvKey            = "PARALLEL_UPLOAD_MAX_RETRIES"
	FinalChunkWaitTimeoutEnvKey = "PARALLEL_UPLOAD_FINAL_CHUNK_TIMEOUT"
	HungThresholdEnvKey         = "PARALLEL_UPLOAD_HUNG_THRESHOLD"
	RetryBackoffEnvKey          = "PARALLEL_UPLOAD_RETRY_BACKOFF"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// ChunkSize is the number of bytes sent per chunk.
	// Default: 10 MiB
	ChunkSize int64

	// Concurrency is the number of upload workers.
	// Default: 5
	Concurrency int

	// MaxChunkRetries is the number of failed attempts after which a chunk is abandoned,
	// which abandons the whole upload.
	// Default: 3
	MaxChunkRetries int

	// MaxRetries is the number of failed chunk attempts allowed across the whole upload.
	// It must be at least MaxChunkRetries, otherwise a single chunk could use up the budget
	// before its own attempts run out.
	// Default: 5
	MaxRetries int

	// FinalChunkWaitTimeout bounds how long the final chunk waits without any other chunk
	// completing. Zero disables the bound.
	// Default: 10 minutes
	FinalChunkWaitTimeout time.Duration

	// HungThreshold is how much longer than the average transmission an attempt may run
	// before it is cancelled and retried. The last attempt of a chunk is never cancelled.
	// Zero disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// RetryBackoff is multiplied by the number of failed attempts to get the pause before
	// the next attempt of the same chunk.
	// Default: 2 seconds
	RetryBackoff time.Duration

	// ContentType is sent with every chunk.
	// Default: application/octet-stream
	ContentType string

	// FileName is the name reported to the service.
	// Default: base name of the uploaded file
	FileName string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:             DefaultChunkSize,
		Concurrency:           5,
		MaxChunkRetries:       3,
		MaxRetries:            5,
		FinalChunkWaitTimeout: 10 * time.Minute,
		HungThreshold:         30 * time.Second,
		RetryBackoff:          2 * time.Second,
		ContentType:           DefaultContentType,
	}
}

// Validate checks the configuration before any network activity happens.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfiguration, c.ChunkSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfiguration, c.Concurrency)
	}
	if c.MaxChunkRetries <= 0 {
		return fmt.Errorf("%w: max chunk retries must be positive, got %d", ErrInvalidConfiguration, c.MaxChunkRetries)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("%w: max retries must be positive, got %d", ErrInvalidConfiguration, c.MaxRetries)
	}
	if c.MaxRetries < c.MaxChunkRetries {
		return fmt.Errorf("%w: max retries (%d) must not be less than max chunk retries (%d)", ErrInvalidConfiguration, c.MaxRetries, c.MaxChunkRetries)
	}
	if c.HungThreshold < 0 {
		return fmt.Errorf("%w: hung threshold must not be negative, got %s", ErrInvalidConfiguration, c.HungThreshold)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("%w: retry backoff must not be negative, got %s", ErrInvalidConfiguration, c.RetryBackoff)
	}
	if c.FinalChunkWaitTimeout < 0 {
		return fmt.Errorf("%w: final chunk wait timeout must not be negative, got %s", ErrInvalidConfiguration, c.FinalChunkWaitTimeout)
	}
	return nil
}

// ConfigFromEnv returns the default configuration overridden by the PARALLEL_UPLOAD_* environment variables.
// Sizes accept human readable values (10MiB, 16m, 5242880), timeouts accept Go durations (90s, 15m).
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()

	if v := strings.TrimSpace(envRepo.Get(ChunkSizeEnvKey)); v != "" {
		size, err := units.RAMInBytes(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidConfiguration, ChunkSizeEnvKey, err)
		}
		config.ChunkSize = size
	}

	ints := []struct {
		key   string
		value *int
	}{
		{ConcurrencyEnvKey, &config.Concurrency},
		{MaxChunkRetriesEnvKey, &config.MaxChunkRetries},
		{MaxRetriesEnvKey, &config.MaxRetries},
	}
	for _, i := range ints {
		v := strings.TrimSpace(envRepo.Get(i.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidConfiguration, i.key, err)
		}
		*i.value = n
	}

	durations := []struct {
		key   string
		value *time.Duration
	}{
		{FinalChunkWaitTimeoutEnvKey, &config.FinalChunkWaitTimeout},
		{HungThresholdEnvKey, &config.HungThreshold},
		{RetryBackoffEnvKey, &config.RetryBackoff},
	}
	for _, d := range durations {
		v := strings.TrimSpace(envRepo.Get(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidConfiguration, d.key, err)
		}
		*d.value = parsed
	}

	return config, config.Validate()
}
