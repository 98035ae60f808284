// Package config implements the configuration management for the dispatcher
// server. It holds all server parameters and validates them; flag parsing
// happens in cmd/dispatchd.
package config

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxBatchSize is the default clamp for get_work's batch_size
// query parameter.
const DefaultMaxBatchSize = 1024

// DefaultMaxConcurrentHandlers bounds how many requests may execute
// tracker operations at once. Contention on the tracker lock is negligible
// next to worker round-trip time, so the bound exists to cap goroutine and
// request-body memory growth under a worker stampede, not for throughput.
const DefaultMaxConcurrentHandlers = 16

// Config holds all configuration for the dispatcher server.
type Config struct {
	Infile                string        // Input file, one JSON record per line
	Outfile               string        // Output file, one result per line
	CheckpointPath        string        // Checkpoint destination: local path or s3:// URI
	Host                  string        // HTTP listen host
	Port                  int           // HTTP listen port
	WorkTimeout           time.Duration // Reissue deadline for an issued item
	CheckpointInterval    time.Duration // Minimum time between checkpoint writes
	MaxBatchSize          int           // Clamp for get_work's batch_size
	MaxConcurrentHandlers int           // Bound on concurrently-executing request handlers
	ShutdownPollInterval  time.Duration // How often the lifecycle poller checks AllWorkComplete
}

// Validate ensures all required fields are present and have valid values.
func (c *Config) Validate() error {
	if c.Infile == "" {
		return fmt.Errorf("infile is required")
	}
	if c.Outfile == "" {
		return fmt.Errorf("outfile is required")
	}
	if c.CheckpointPath == "" {
		return fmt.Errorf("checkpoint path is required")
	}
	if !strings.HasPrefix(c.CheckpointPath, "s3://") && !strings.HasPrefix(c.CheckpointPath, "/") {
		return fmt.Errorf("checkpoint path must be absolute or an s3:// URI")
	}
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.WorkTimeout <= 0 {
		return fmt.Errorf("work timeout must be positive")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max batch size must be at least 1")
	}
	if c.MaxConcurrentHandlers < 1 {
		return fmt.Errorf("max concurrent handlers must be at least 1")
	}
	if c.ShutdownPollInterval <= 0 {
		return fmt.Errorf("shutdown poll interval must be positive")
	}
	return nil
}
