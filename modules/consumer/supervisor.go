package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/plugin/kprom"

	fetchlog "github.com/grafana/fetchqueue/internal/util/log"
	"github.com/grafana/fetchqueue/pkg/ingest"
	"github.com/grafana/fetchqueue/pkg/workqueue"
)

// dispatcherStopGrace bounds how long Supervisor waits for the dispatcher
// goroutine to observe cancellation before giving up on it during
// shutdown's second phase.
const dispatcherStopGrace = time.Second

// Supervisor owns a worker pool and a dedicated dispatcher goroutine that
// bridges Redis's work list into the pool's internal queue, per spec.md
// §4.5. It is itself a dskit service so it composes with the rest of a
// consumer process's module lifecycle.
type Supervisor struct {
	services.Service

	cfg      Config
	delegate Delegate

	queue        *workqueue.Queue
	downstream   chan []ingest.Message
	poolQueue    chan *workqueue.Claimed
	metrics      *metrics
	kpromMetrics *kprom.Metrics
}

// New builds a Supervisor. downstream may be nil, in which case a channel
// of capacity cfg.DownstreamChannelCapacity (default 100) is created. A
// single kprom.Metrics instance is built here and shared by every worker's
// Producer Registry, matching the *kprom.Metrics parameter the teacher's
// own Kafka client factory takes (modules/livestore), so per-broker client
// metrics land on one set of collectors under reg instead of each worker
// registering its own.
func New(cfg Config, delegate Delegate, downstream chan []ingest.Message, reg prometheus.Registerer) *Supervisor {
	if downstream == nil {
		capacity := cfg.DownstreamChannelCapacity
		if capacity <= 0 {
			capacity = 100
		}
		downstream = make(chan []ingest.Message, capacity)
	}

	s := &Supervisor{
		cfg:          cfg,
		delegate:     delegate,
		queue:        workqueue.NewQueue(cfg.Redis, cfg.Queues),
		downstream:   downstream,
		poolQueue:    make(chan *workqueue.Claimed, cfg.ConsumerQueueLimit),
		metrics:      newMetrics(reg),
		kpromMetrics: kprom.NewMetrics("fetchqueue", kprom.Registerer(reg)),
	}

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

// Messages returns the downstream channel messages are delivered on.
func (s *Supervisor) Messages() <-chan []ingest.Message { return s.downstream }

func (s *Supervisor) starting(_ context.Context) error {
	level.Info(fetchlog.Logger).Log("msg", "consumer supervisor starting",
		"workers", s.cfg.ConsumerThreads, "queue_limit", s.cfg.ConsumerQueueLimit)
	return nil
}

func (s *Supervisor) running(ctx context.Context) error {
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		s.runDispatcher(ctx)
	}()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		s.runWorkerPool(ctx)
	}()

	<-ctx.Done()

	// Phase 1: give the worker pool a grace period to finish in-flight
	// units before forcing anything.
	select {
	case <-workersDone:
	case <-time.After(s.cfg.ShutdownGracePeriod):
		level.Warn(fetchlog.Logger).Log("msg", "worker pool did not drain within grace period, forcing stop",
			"grace_period", s.cfg.ShutdownGracePeriod)
	}

	// Phase 2: forcibly stop the dispatcher.
	select {
	case <-dispatcherDone:
	case <-time.After(dispatcherStopGrace):
		level.Warn(fetchlog.Logger).Log("msg", "dispatcher did not stop within grace period")
	}

	return nil
}

// stopping closes the Redis pool last, per spec.md §4.5. Producer
// connections are not closed here: each worker closes its own Registry in
// runWorkerWithRestart when it returns.
func (s *Supervisor) stopping(failureCase error) error {
	if failureCase != nil {
		level.Error(fetchlog.Logger).Log("msg", "consumer supervisor stopping after failure", "err", failureCase)
	}
	if err := s.queue.Close(); err != nil {
		return fmt.Errorf("consumer: closing redis pool: %w", err)
	}
	return nil
}

// runDispatcher implements the dispatcher thread of spec.md §4.5: claim
// one work unit, publish it into the pool queue, repeat until cancelled.
// Claim errors are logged and the loop continues; they never terminate
// the dispatcher.
func (s *Supervisor) runDispatcher(ctx context.Context) {
	for {
		claimed, err := s.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.metrics.claimErrorsTotal.Inc()
			level.Error(fetchlog.Logger).Log("msg", "dispatcher claim failed", "err", err)
			continue
		}

		s.metrics.claimsTotal.Inc()
		select {
		case s.poolQueue <- claimed:
			s.metrics.dispatcherQueueDepth.Set(float64(len(s.poolQueue)))
		case <-ctx.Done():
			return
		}
	}
}

// runWorkerPool starts cfg.ConsumerThreads workers and blocks until every
// one has returned (either because ctx was cancelled or, in the unlikely
// case a worker exits cleanly some other way).
func (s *Supervisor) runWorkerPool(ctx context.Context) {
	done := make(chan struct{}, s.cfg.ConsumerThreads)
	for i := 0; i < s.cfg.ConsumerThreads; i++ {
		go func(id int) {
			s.runWorkerWithRestart(ctx, id)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < s.cfg.ConsumerThreads; i++ {
		<-done
	}
}

// runWorkerWithRestart implements the pool's init/exec/fail lifecycle
// hooks from spec.md §4.5: a worker that returns an error (an uncaught
// cycle failure) is closed and replaced with a freshly initialised one,
// with a restart counter carried across generations. Each restart re-runs
// supervisor-startup-lite: a worker restart gets a new Producer Registry
// (closing the old one releases any orphaned connections, per the Design
// Notes resolution in SPEC_FULL.md §9) but keeps using the shared queue
// and downstream channel.
func (s *Supervisor) runWorkerWithRestart(ctx context.Context, id int) {
	restarts := 0
	worker := NewWorker(id, s.cfg, s.queue, s.delegate, s.downstream, s.metrics, s.kpromMetrics)

	for {
		err := worker.Run(ctx, s.poolQueue)
		worker.Close()

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		restarts++
		generationID := uuid.New().String()
		s.metrics.workerRestartsTotal.Inc()
		level.Error(fetchlog.Logger).Log("msg", "worker failed, restarting", "worker", id, "restarts", restarts,
			"generation_id", generationID, "err", err)

		worker = NewWorker(id, s.cfg, s.queue, s.delegate, s.downstream, s.metrics, s.kpromMetrics)
		worker.restarts = restarts
		worker.generationID = generationID
	}
}
