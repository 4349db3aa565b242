package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/grafana/fetchqueue/internal/fetchevent"
	fetchlog "github.com/grafana/fetchqueue/internal/util/log"
	"github.com/grafana/fetchqueue/pkg/ingest"
	"github.com/grafana/fetchqueue/pkg/workqueue"
)

// Delegate is the downstream hook invoked with every accepted message
// batch. It is treated as a fallible side effect: a panic or error here
// never aborts the worker, it only forces the current unit's outcome to
// fail, per spec.md §4.4.
type Delegate func(ctx context.Context, messages []ingest.Message) error

// maxReconnectAttempts bounds how many Reconnected sentinels a single
// fetch wait tolerates before giving up. This replaces the source's
// unbounded recursive re-entry into handle-response with an iterative,
// bounded loop (SPEC_FULL.md §9).
const maxReconnectAttempts = 5

// Worker repeatedly dequeues a claimed work unit and runs it through one
// fetch/parse/commit cycle (§4.4). A Worker is owned by exactly one
// goroutine; its Registry is not shared with any other Worker.
type Worker struct {
	id         int
	cfg        Config
	queue      *workqueue.Queue
	registry   *ingest.Registry
	delegate   Delegate
	downstream chan<- []ingest.Message
	metrics    *metrics
	restarts   int

	// generationID identifies this worker incarnation across a restart, for
	// correlating its log lines with the supervisor's restart log entry.
	// Empty for a worker's first (non-restarted) generation.
	generationID string
}

// NewWorker builds a Worker with its own Producer Registry. kpromMetrics is
// shared across every worker in the pool (and every broker connection each
// worker's registry creates) so per-broker client metrics accumulate under
// one set of collectors instead of colliding on re-registration; it may be
// nil in tests that have no registerer to report into.
func NewWorker(id int, cfg Config, queue *workqueue.Queue, delegate Delegate, downstream chan<- []ingest.Message, m *metrics, kpromMetrics *kprom.Metrics) *Worker {
	return &Worker{
		id:         id,
		cfg:        cfg,
		queue:      queue,
		registry:   ingest.NewRegistry(cfg.Kafka, kpromMetrics),
		delegate:   delegate,
		downstream: downstream,
		metrics:    m,
	}
}

// Close releases the worker's producer connections. Called on restart or
// final shutdown, per the Design Notes' resolution of "close-for-restart"
// in SPEC_FULL.md §9.
func (w *Worker) Close() {
	w.registry.CloseAll()
}

// Run pulls claimed units off the pool's internal queue until the channel
// is closed or ctx is cancelled. A panic inside one cycle is recovered and
// converted into a failed settle rather than crashing the goroutine; the
// caller (the pool) still observes an error return so it can apply its
// restart policy.
func (w *Worker) Run(ctx context.Context, units <-chan *workqueue.Claimed) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case claimed, ok := <-units:
			if !ok {
				return nil
			}
			if err := w.safeProcess(ctx, claimed); err != nil {
				return err
			}
		}
	}
}

// safeProcess runs one cycle, recovering any panic into a failed settle.
// This is the single point at which "any uncaught throwable inside the
// cycle" (§4.4 step 8) is handled, guaranteeing exactly one settle call
// per unit (the Open Question resolution in SPEC_FULL.md §9).
func (w *Worker) safeProcess(ctx context.Context, claimed *workqueue.Claimed) (err error) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(fetchlog.Logger).Log("msg", "worker cycle panicked, settling as failed",
				"worker", w.id, "generation_id", w.generationID, "panic", r)
			if settleErr := w.queue.Settle(ctx, claimed, workqueue.StatusFail, nil); settleErr != nil {
				level.Error(fetchlog.Logger).Log("msg", "failed to settle after panic", "worker", w.id, "err", settleErr)
			}
			w.metrics.settlesTotal.WithLabelValues(string(workqueue.StatusFail)).Inc()
			err = fmt.Errorf("worker %d: recovered panic: %v", w.id, r)
		}
	}()
	return w.processCycle(ctx, claimed)
}

func (w *Worker) processCycle(ctx context.Context, claimed *workqueue.Claimed) error {
	unit := claimed.Unit

	conn, err := w.registry.GetOrCreate(ctx, unit.Producer)
	if err != nil {
		level.Warn(fetchlog.Logger).Log("msg", "failed to resolve producer", "broker", unit.Producer, "err", err)
		w.metrics.producerCreateErrors.Inc()
		return w.settle(ctx, claimed, workqueue.StatusFail, nil)
	}

	status, messages, fetchErrs := w.dispatchAndWait(ctx, conn, unit)
	for _, fe := range fetchErrs {
		level.Warn(fetchlog.Logger).Log("msg", "fetch error", "topic", fe.Topic, "partition", fe.Partition, "err", fe.Err)
	}

	status = w.invokeDelegate(ctx, status, messages)

	return w.settle(ctx, claimed, status, messages)
}

// dispatchAndWait implements §4.4 steps 3-5: send the fetch request, wait
// on the multiplexed event/timeout sources, and classify the result.
func (w *Worker) dispatchAndWait(ctx context.Context, conn *ingest.ProducerConn, unit workqueue.WorkUnit) (workqueue.Status, []ingest.Message, []ingest.FetchError) {
	if err := ingest.VerifyTopicExists(ctx, conn.Client, unit.Topic); err != nil {
		level.Warn(fetchlog.Logger).Log("msg", "topic verification failed", "topic", unit.Topic, "err", err)
		return workqueue.StatusFail, nil, nil
	}

	offsets := map[string]map[int32]kgo.Offset{
		unit.Topic: {unit.Partition: kgo.NewOffset().At(unit.Offset)},
	}
	conn.Client.AddConsumePartitions(offsets)
	defer conn.Client.RemoveConsumePartitions(map[string][]int32{unit.Topic: {unit.Partition}})

	timer := time.NewTimer(w.cfg.FetchTimeout)
	defer timer.Stop()

	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return workqueue.StatusFail, nil, nil

		case <-timer.C:
			return workqueue.StatusFail, nil, nil

		case ev, ok := <-conn.Events:
			if !ok {
				return workqueue.StatusFail, nil, nil
			}
			switch ev.Kind {
			case fetchevent.KindReconnected:
				// Retry wait; do not resend the request.
				continue
			case fetchevent.KindPoison:
				return workqueue.StatusFail, nil, nil
			case fetchevent.KindError:
				return workqueue.StatusFail, nil, nil
			case fetchevent.KindData:
				messages, fetchErrs, err := ingest.Read(unit, ev.Fetches)
				if err != nil {
					// A fatal decoder bug fails the unit outright.
					return workqueue.StatusFail, nil, fetchErrs
				}
				return workqueue.StatusOK, messages, fetchErrs
			}
		}
	}
	// Exhausted bounded reconnect retries without a resolution.
	return workqueue.StatusFail, nil, nil
}

// invokeDelegate runs the downstream hook guarded against panics and
// errors, per §4.4 step 6. It never changes an already-failed status to
// ok, and forces a failing status when the delegate itself fails.
func (w *Worker) invokeDelegate(ctx context.Context, status workqueue.Status, messages []ingest.Message) (result workqueue.Status) {
	result = status
	defer func() {
		if r := recover(); r != nil {
			level.Error(fetchlog.Logger).Log("msg", "delegate panicked", "worker", w.id, "panic", r)
			result = workqueue.StatusFail
		}
	}()

	if err := w.delegate(ctx, messages); err != nil {
		level.Error(fetchlog.Logger).Log("msg", "delegate returned error", "worker", w.id, "err", err)
		return workqueue.StatusFail
	}
	return status
}

// settle computes resp-data per §4.4 step 7 and commits the outcome.
func (w *Worker) settle(ctx context.Context, claimed *workqueue.Claimed, status workqueue.Status, messages []ingest.Message) error {
	var resp *workqueue.RespData
	if status == workqueue.StatusOK && len(messages) > 0 {
		var maxOffset int64 = -1
		for _, m := range messages {
			if m.Offset > maxOffset {
				maxOffset = m.Offset
			}
		}
		resp = &workqueue.RespData{OffsetRead: maxOffset}

		if err := w.sendDownstream(ctx, messages); err != nil {
			level.Error(fetchlog.Logger).Log("msg", "downstream send failed", "worker", w.id, "err", err)
		}
	}

	if err := w.queue.Settle(ctx, claimed, status, resp); err != nil {
		return err
	}
	w.metrics.settlesTotal.WithLabelValues(string(status)).Inc()
	return nil
}

// sendDownstream performs the blocking send described in §5: a full
// downstream channel applies backpressure through the worker, all the way
// to the dispatcher.
func (w *Worker) sendDownstream(ctx context.Context, messages []ingest.Message) error {
	start := time.Now()
	defer func() { w.metrics.downstreamSendLatency.Observe(time.Since(start).Seconds()) }()

	select {
	case w.downstream <- messages:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
