package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/grafana/fetchqueue/internal/fetchevent"
	"github.com/grafana/fetchqueue/pkg/workqueue"
)

// ProducerConn is a Kafka fetch client connection to one broker endpoint —
// not a Kafka producer in the publish sense (see GLOSSARY). Events is fed
// by a dedicated pump goroutine translating the client's PollFetches loop
// into the tagged-variant stream described in SPEC_FULL.md §9.
type ProducerConn struct {
	Broker workqueue.Broker
	Client *kgo.Client
	Events <-chan fetchevent.Event

	cancel context.CancelFunc
}

// Close stops the pump goroutine and closes the underlying client. Safe to
// call more than once.
func (p *ProducerConn) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.Client.Close()
}

// Registry lazily creates and caches one ProducerConn per broker endpoint.
// It is intentionally NOT safe for concurrent use: per SPEC_FULL.md §9, the
// simplest realization of the source's per-iteration "registry threaded
// through state" pattern is a single owner per worker goroutine. The
// supervisor hands each worker its own Registry; the cost of two workers
// independently connecting to the same broker is bounded and recoverable,
// matching §5's "Shared mutable state" note.
type Registry struct {
	conf    Config
	metrics *kprom.Metrics
	conns   map[workqueue.Broker]*ProducerConn
}

// NewRegistry builds an empty registry sharing conf and metrics across
// every connection it creates. metrics may be nil, in which case the
// created clients report no client-level metrics (used by tests that have
// no registerer to report into).
func NewRegistry(conf Config, metrics *kprom.Metrics) *Registry {
	return &Registry{conf: conf, metrics: metrics, conns: make(map[workqueue.Broker]*ProducerConn)}
}

// GetOrCreate returns the existing connection for broker, or creates one.
// Creation failure does not retry internally: the caller settles the
// current unit as failed and the next unit targeting this broker will
// retry creation, per spec.md §7.
func (r *Registry) GetOrCreate(ctx context.Context, broker workqueue.Broker) (*ProducerConn, error) {
	if conn, ok := r.conns[broker]; ok {
		return conn, nil
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(broker.String()),
		kgo.ClientID(r.conf.ClientID),
		kgo.DialTimeout(r.conf.DialTimeout),
	}
	if r.metrics != nil {
		opts = append(opts, kgo.WithHooks(r.metrics))
	} else {
		opts = append(opts, kgo.DisableClientMetrics())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("ingest: create fetch client for %s: %w", broker, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	events := make(chan fetchevent.Event, 1)
	go pump(pumpCtx, client, events)

	conn := &ProducerConn{Broker: broker, Client: client, Events: events, cancel: cancel}
	r.conns[broker] = conn
	return conn, nil
}

// CloseAll tears down every cached connection. It is called through
// Worker.Close when a worker exits, on restart or on consumer stop — the
// registry never closes connections on failure of a single work unit (§4.2).
func (r *Registry) CloseAll() {
	for _, conn := range r.conns {
		conn.Close()
	}
	r.conns = make(map[workqueue.Broker]*ProducerConn)
}

// pump repeatedly polls the client and republishes results as tagged
// events. It is the one goroutine per ProducerConn mentioned in §5 ("each
// producer connection runs its own I/O task").
func pump(ctx context.Context, client *kgo.Client, out chan<- fetchevent.Event) {
	defer close(out)

	var consecutiveErrOnly int
	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		errs := fetches.Errors()
		if len(errs) > 0 && fetchesHaveNoRecords(fetches) {
			consecutiveErrOnly++
		} else {
			consecutiveErrOnly = 0
		}

		switch {
		case consecutiveErrOnly >= poisonThreshold:
			send(ctx, out, fetchevent.Poison())
			return
		case len(errs) > 0 && anyTransient(errs):
			send(ctx, out, fetchevent.Reconnected())
		case len(errs) > 0:
			send(ctx, out, fetchevent.Error(errs[0].Err))
		default:
			send(ctx, out, fetchevent.Data(fetches))
		}
	}
}

// poisonThreshold bounds how many consecutive all-error fetch cycles a
// connection tolerates before it is declared permanently unusable. This
// keeps the worker's classification bounded and avoids the source's
// unbounded re-entrant recovery (SPEC_FULL.md §9).
const poisonThreshold = 5

func fetchesHaveNoRecords(fetches kgo.Fetches) bool {
	found := false
	fetches.EachRecord(func(*kgo.Record) { found = true })
	return !found
}

func anyTransient(errs []kgo.FetchError) bool {
	for _, e := range errs {
		if errIsTransient(e.Err) {
			return true
		}
	}
	return false
}

func send(ctx context.Context, out chan<- fetchevent.Event, ev fetchevent.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// errIsTransient reports whether err represents a recoverable broker
// condition (leadership flux, a broker restart, a network blip) rather
// than a fatal fetch-response error. kerr.IsRetriable classifies the
// protocol-level Kafka error codes the pack's own client wrappers treat as
// retriable (leader-not-available, broker-not-available, network
// exception, not-coordinator, ...); a net.Error on top of that covers a
// raw transport-level failure (connection refused, dial timeout) that
// never made it far enough to carry a Kafka error code at all.
func errIsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return kerr.IsRetriable(err)
}
