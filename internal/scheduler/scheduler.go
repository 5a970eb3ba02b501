// Package scheduler runs the detection pipeline immediately and then on a
// fixed interval, never overlapping runs.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/meshguard/internal/pipeline"
)

var (
	runsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshguard_pipeline_runs_skipped_total",
			Help: "Ticks skipped because the previous run was still active",
		},
	)
	lastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshguard_pipeline_last_run_timestamp_seconds",
			Help: "Unix time the last pipeline run finished",
		},
	)
)

func init() {
	prometheus.MustRegister(runsSkipped)
	prometheus.MustRegister(lastRun)
}

// Runner executes one pipeline cycle.
type Runner interface {
	Run(ctx context.Context) pipeline.Result
}

// Scheduler triggers a Runner on a ticker.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	log      *logrus.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a scheduler that runs r every interval.
func New(r Runner, interval time.Duration, log *logrus.Logger) *Scheduler {
	return &Scheduler{runner: r, interval: interval, log: log}
}

// Start runs the first cycle immediately and then one per tick until ctx is
// cancelled. It blocks.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.WithField("interval", s.interval.String()).Info("Starting pipeline scheduler")

	s.trigger(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

// trigger starts a run unless one is active. It reports whether a run was started.
func (s *Scheduler) trigger(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		runsSkipped.Inc()
		s.log.Warn("Previous pipeline run still active, skipping tick")
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.runner.Run(ctx)
		lastRun.SetToCurrentTime()
	}()
	return true
}

// Shutdown waits for an in-flight run until ctx expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down scheduler")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("Shutdown timeout, pipeline run may not have finished")
		return ctx.Err()
	}
}
