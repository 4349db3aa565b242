package workqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"

	fetchlog "github.com/grafana/fetchqueue/internal/util/log"
)

// claimTimeout is the per-attempt blocking timeout for BRPOPLPUSH, per §4.3.
const claimTimeout = 1 * time.Second

// retrySleep is the pause between claim attempts after a blocking-pop
// timeout, per §4.3's "brief sleep (1s) and a retry".
const retrySleep = 1 * time.Second

// Queue implements the three-list reliable work-queue protocol of §4.3 on
// top of a shared go-redis client.
type Queue struct {
	client redis.UniversalClient
	names  QueueNames
}

// NewQueue builds a Queue from a RedisConfig and a set of list names. The
// returned Queue owns the redis client and must be closed by the caller
// (the supervisor) at shutdown.
func NewQueue(cfg RedisConfig, names QueueNames) *Queue {
	addrs := cfg.addrWithPort()

	var client redis.UniversalClient
	if len(addrs) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        addrs,
			Password:     cfg.Password.String(),
			PoolSize:     cfg.MaxActive,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         addrs[0],
			Password:     cfg.Password.String(),
			PoolSize:     cfg.MaxActive,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})
	}

	return &Queue{client: client, names: names}
}

// Close releases the underlying Redis connection pool.
func (q *Queue) Close() error {
	return q.client.Close()
}

// RawClient exposes the underlying Redis client for callers (tests,
// reconciliation tooling) that need to inspect the three lists directly.
func (q *Queue) RawClient() redis.UniversalClient {
	return q.client
}

// Claimed is a work unit popped from the work list and already moved to
// the working list. Raw is the exact encoded bytes stored on Redis; it
// must be passed back to Settle so the LREM removes the identical value.
type Claimed struct {
	Unit WorkUnit
	Raw  []byte
}

// Claim performs one atomic right-pop-from-work/left-push-to-working
// attempt, retrying on timeout and on Redis errors until ctx is cancelled.
// A nil, nil result never occurs: Claim either returns a unit, returns an
// error for a claimed value that cannot be decoded, or blocks/retries until
// ctx.Done(), at which point it returns ctx.Err().
func (q *Queue) Claim(ctx context.Context) (*Claimed, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := q.client.BRPopLPush(ctx, q.names.Work, q.names.Working, claimTimeout).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// Blocking-pop timeout: not an error, sleep and retry.
			select {
			case <-time.After(retrySleep):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			level.Error(fetchlog.Logger).Log("msg", "claim failed, retrying", "queue", q.names.Work, "err", err)
			select {
			case <-time.After(retrySleep):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			unit, derr := DecodeWorkUnit(raw)
			if derr != nil {
				return nil, fmt.Errorf("workqueue: claimed unparsable unit: %w", derr)
			}
			return &Claimed{Unit: unit, Raw: raw}, nil
		}
	}
}

// Settle commits the outcome of a claimed unit: LPUSH onto complete and
// LREM the claimed raw value off working, issued as a single transaction
// per §4.3. If the transaction fails the unit remains on working; recovery
// from orphaned working entries is an external reconciler's job, not ours.
func (q *Queue) Settle(ctx context.Context, claimed *Claimed, status Status, resp *RespData) error {
	outcome := WorkOutcome{WorkUnit: claimed.Unit, Status: status, RespData: resp}
	encoded, err := EncodeWorkOutcome(outcome)
	if err != nil {
		return fmt.Errorf("workqueue: encode outcome: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.names.Complete, encoded)
		// Remove exactly one occurrence from the tail side, matching the
		// "claimed from the right, removed from the right" orientation.
		pipe.LRem(ctx, q.names.Working, -1, claimed.Raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("workqueue: settle transaction failed, unit remains on %s: %w", q.names.Working, err)
	}
	return nil
}

// Publish left-pushes a validated WorkUnit onto the work list. Invalid
// units are rejected synchronously without touching Redis.
func (q *Queue) Publish(ctx context.Context, unit WorkUnit) error {
	if err := unit.Validate(); err != nil {
		return err
	}
	encoded, err := EncodeWorkUnit(unit)
	if err != nil {
		return fmt.Errorf("workqueue: encode unit: %w", err)
	}
	if err := q.client.LPush(ctx, q.names.Work, encoded).Err(); err != nil {
		return fmt.Errorf("workqueue: publish failed: %w", err)
	}
	return nil
}
