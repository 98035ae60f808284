// Package coordinator implements the server lifecycle: load checkpoint,
// open the input/output files, initialize the tracker, bind the listener,
// and accept requests until all work is complete or a termination signal
// arrives.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gurre/dispatchd/checkpoint"
	"github.com/gurre/dispatchd/config"
	"github.com/gurre/dispatchd/handler"
	"github.com/gurre/dispatchd/metrics"
	"github.com/gurre/dispatchd/reader"
	"github.com/gurre/dispatchd/tracker"
	"github.com/gurre/dispatchd/writer"
)

// shutdownTimeout bounds how long Run waits for in-flight handlers to
// drain after it stops accepting new connections.
const shutdownTimeout = 30 * time.Second

// Coordinator owns the dispatcher server's process lifecycle: opening
// dependencies, running the HTTP listener, and shutting down cleanly
// once all work is complete or a signal arrives.
type Coordinator struct {
	cfg     *config.Config
	store   checkpoint.Store
	metrics *metrics.Metrics

	fatalOnce sync.Once
	fatalErr  error
	fatalCh   chan struct{}
}

// New creates a Coordinator. store is the already-selected checkpoint
// backend (local file or S3, chosen by the caller from cfg.CheckpointPath).
func New(cfg *config.Config, store checkpoint.Store, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		store:   store,
		metrics: m,
		fatalCh: make(chan struct{}),
	}
}

// Run loads the checkpoint, opens input/output, initializes the tracker,
// binds the listener, and accepts requests; it shuts down cleanly once all
// work is complete or a termination signal arrives.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	state, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	log.WithFields(log.Fields{
		"lastProcessedWorkId": state.LastProcessedWorkID,
		"inputOffset":         state.InputOffset,
	}).Info("loaded checkpoint")

	r, err := reader.Open(c.cfg.Infile)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	if err := r.Seek(state.InputOffset, uint64(state.LastProcessedWorkID+1)); err != nil {
		_ = r.Close()
		return fmt.Errorf("failed to resume input reader: %w", err)
	}

	w, err := writer.Open(c.cfg.Outfile)
	if err != nil {
		_ = r.Close()
		return fmt.Errorf("failed to open output file: %w", err)
	}
	if err := reconcileOutput(w, state); err != nil {
		_ = w.Close()
		_ = r.Close()
		return err
	}

	t := tracker.New(r, w, c.store, c.metrics, state, c.cfg.WorkTimeout, c.cfg.CheckpointInterval, c.onFatal)

	h := handler.New(t, c.cfg, c.metrics)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port),
		Handler: h.Router(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	pollCtx, stopPoll := context.WithCancel(context.Background())
	defer stopPoll()
	completeCh := make(chan struct{})
	go c.pollCompletion(pollCtx, t, completeCh)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	case <-completeCh:
		log.Info("all work complete, draining")
	case <-c.fatalCh:
		log.WithError(c.fatalErr).Error("fatal error, draining")
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("listener failed: %w", err)
		}
	}
	stopPoll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful HTTP shutdown did not complete cleanly")
	}

	closeErr := t.Close(shutdownCtx)

	report := c.metrics.GenerateReport(t.LastProcessedWorkID())
	log.WithFields(log.Fields{
		"durationSeconds":     report.Duration.Seconds(),
		"lastProcessedWorkId": report.LastProcessedWorkID,
	}).Info(report.String())

	if c.fatalErr != nil {
		return fmt.Errorf("fatal tracker error: %w", c.fatalErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close tracker cleanly: %w", closeErr)
	}
	return nil
}

// reconcileOutput squares the output file against the loaded checkpoint.
// A file shorter than the checkpoint claims, or a non-empty file alongside
// a fresh checkpoint, means the job's files have diverged and restarting
// would corrupt line correspondence. A file longer than the checkpoint is
// the normal crash case (lines written after the last checkpoint record);
// those lines are dropped and rewritten as work is re-completed.
func reconcileOutput(w *writer.FileWriter, state checkpoint.State) error {
	switch {
	case state.LastProcessedWorkID < 0 && w.Offset() > 0:
		return fmt.Errorf("checkpoint inconsistent: output file has %d bytes but no checkpoint exists", w.Offset())
	case w.Offset() < state.OutputOffset:
		return fmt.Errorf("checkpoint inconsistent: output file has %d bytes, checkpoint expects at least %d", w.Offset(), state.OutputOffset)
	case w.Offset() > state.OutputOffset:
		log.WithFields(log.Fields{
			"fileBytes":       w.Offset(),
			"checkpointBytes": state.OutputOffset,
		}).Warn("output file is ahead of checkpoint, truncating back")
		if err := w.Truncate(state.OutputOffset); err != nil {
			return err
		}
	}
	return nil
}

// pollCompletion checks AllWorkComplete on cfg.ShutdownPollInterval and
// closes done the first time it observes true.
func (c *Coordinator) pollCompletion(ctx context.Context, t *tracker.Tracker, done chan<- struct{}) {
	ticker := time.NewTicker(c.cfg.ShutdownPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if t.AllWorkComplete() {
				close(done)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// onFatal is wired into the tracker as its fatal I/O callback: the first
// fatal error triggers the same drain-and-shutdown path as a signal or
// natural completion, and is surfaced as Run's returned error so the
// process can exit non-zero.
func (c *Coordinator) onFatal(err error) {
	c.fatalOnce.Do(func() {
		c.fatalErr = err
		close(c.fatalCh)
	})
}
