// Package main provides the CasaFlow engine runner, the scheduled process
// that drains due enrollments in batches.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casaflow/casaflow/pkg/engine"
	"github.com/casaflow/casaflow/pkg/locks"
)

// RunnerManager drives the engine on a fixed interval. When a Redis lock is
// configured, only one replica runs a batch per tick; the others skip.
type RunnerManager struct {
	id       string
	runner   *engine.Runner
	lock     *locks.RedisLock
	interval time.Duration
	logger   *slog.Logger
}

func NewRunnerManager(
	id string,
	runner *engine.Runner,
	lock *locks.RedisLock,
	interval time.Duration,
	logger *slog.Logger,
) *RunnerManager {
	return &RunnerManager{
		id:       id,
		runner:   runner,
		lock:     lock,
		interval: interval,
		logger:   logger.With("module", "runner-manager"),
	}
}

// Start runs batches until the context is cancelled or a termination signal
// arrives. The first batch runs immediately, then one per interval.
func (m *RunnerManager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.handleSignals(cancel)

	m.logger.InfoContext(ctx, "Starting engine runner", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Engine runner stopped")

			return nil
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *RunnerManager) handleSignals(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		m.logger.Info("Received signal, shutting down gracefully", "signal", sig)
		cancel()
	}()
}

func (m *RunnerManager) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if m.lock != nil {
		acquired, err := m.lock.TryAcquire(ctx)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to acquire runner lock", "error", err)

			return
		}

		if !acquired {
			m.logger.DebugContext(ctx, "Another runner holds the lock, skipping tick")

			return
		}

		defer func() {
			err := m.lock.Release(ctx)
			if err != nil && !errors.Is(err, locks.ErrNotHeld) {
				m.logger.ErrorContext(ctx, "Failed to release runner lock", "error", err)
			}
		}()
	}

	report, err := m.runner.RunBatch(ctx, time.Now().UTC())
	if err != nil {
		m.logger.ErrorContext(ctx, "Batch run failed", "error", err)

		return
	}

	if report.Remaining > 0 {
		m.logger.InfoContext(ctx, "Backlog remains after batch", "remaining", report.Remaining)
	}
}
