// Package main implements the dispatcher server's command-line interface.
// It parses flags, builds the checkpoint backend, and runs the
// coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"

	"github.com/gurre/dispatchd/checkpoint"
	"github.com/gurre/dispatchd/config"
	"github.com/gurre/dispatchd/coordinator"
	"github.com/gurre/dispatchd/metrics"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Error("dispatchd exited with error")
		if isBadArgs(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// badArgsError marks a configuration error that should map to exit code 2
// rather than the generic fatal exit code 1.
type badArgsError struct{ err error }

func (e *badArgsError) Error() string { return e.err.Error() }
func (e *badArgsError) Unwrap() error { return e.err }

func isBadArgs(err error) bool {
	_, ok := err.(*badArgsError)
	return ok
}

// run parses flags, validates configuration, and runs the coordinator.
func run() error {
	fs := flag.NewFlagSet("dispatchd", flag.ExitOnError)

	infile := fs.String("infile", "", "Input file, one JSON record per line (required)")
	outfile := fs.String("outfile", "", "Output file, one result per line (required)")
	checkpointPath := fs.String("checkpoint", "", "Checkpoint destination: local path or s3:// URI (defaults to <outfile>.checkpoint)")
	host := fs.String("host", "0.0.0.0", "HTTP listen host")
	port := fs.Int("port", 8080, "HTTP listen port")
	workTimeout := fs.Duration("work-timeout", time.Hour, "Reissue deadline for an issued work item")
	checkpointInterval := fs.Duration("checkpoint-interval", time.Minute, "Minimum time between checkpoint writes")
	maxBatchSize := fs.Int("max-batch-size", config.DefaultMaxBatchSize, "Clamp for get_work's batch_size")
	maxConcurrentHandlers := fs.Int("max-concurrent-handlers", config.DefaultMaxConcurrentHandlers, "Bound on concurrently-executing request handlers")
	shutdownPollInterval := fs.Duration("shutdown-poll-interval", time.Second, "How often the lifecycle poller checks all_work_complete")
	region := fs.String("region", "", "AWS region for the S3 checkpoint backend (defaults to AWS_REGION env)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return &badArgsError{err}
	}

	if *checkpointPath == "" {
		if *outfile == "" {
			return &badArgsError{fmt.Errorf("-outfile is required")}
		}
		*checkpointPath = *outfile + ".checkpoint"
	}

	cfg := &config.Config{
		Infile:                *infile,
		Outfile:               *outfile,
		CheckpointPath:        *checkpointPath,
		Host:                  *host,
		Port:                  *port,
		WorkTimeout:           *workTimeout,
		CheckpointInterval:    *checkpointInterval,
		MaxBatchSize:          *maxBatchSize,
		MaxConcurrentHandlers: *maxConcurrentHandlers,
		ShutdownPollInterval:  *shutdownPollInterval,
	}
	if err := cfg.Validate(); err != nil {
		return &badArgsError{fmt.Errorf("invalid configuration: %w", err)}
	}

	ctx := context.Background()
	store, err := buildCheckpointStore(ctx, cfg.CheckpointPath, *region)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	m := metrics.New(nil)
	coord := coordinator.New(cfg, store, m)

	log.WithFields(log.Fields{
		"infile":     cfg.Infile,
		"outfile":    cfg.Outfile,
		"checkpoint": cfg.CheckpointPath,
		"addr":       fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}).Info("starting dispatchd")

	return coord.Run(ctx)
}

// buildCheckpointStore selects FileStore or S3Store based on the scheme
// of path.
func buildCheckpointStore(ctx context.Context, path, region string) (checkpoint.Store, error) {
	if strings.HasPrefix(path, "s3://") {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return checkpoint.NewS3Store(client, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint path: %w", err)
	}
	return checkpoint.NewFileStore(abs)
}
