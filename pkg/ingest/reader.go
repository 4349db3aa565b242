package ingest

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/fetchqueue/pkg/workqueue"
)

// partitionKey is the unordered (topic, partition) pair the Reader
// deduplicates on, per §4.1: a fetch is assumed to return one
// logically-latest message per distinct partition it covers.
type partitionKey struct {
	topic     string
	partition int32
}

// Read folds a decoded fetch batch into the message/error pair described in
// spec.md §4.1. It never panics: a panic raised while walking a malformed
// record stream is recovered and appended to the returned FetchError slice,
// and the already accumulated messages are still returned. The returned
// error is always nil.
//
// Messages are deduplicated by (topic, partition): when a fetch covers the
// same partition more than once, the last record observed wins. This is a
// deliberate, preserved upstream behavior (see SPEC_FULL.md §9) and is
// pinned by TestRead_DedupWithinFetch.
func Read(unit workqueue.WorkUnit, fetches kgo.Fetches) ([]Message, []FetchError, error) {
	if fetches == nil {
		return nil, nil, nil
	}

	byPartition := make(map[partitionKey]Message)
	var fetchErrs []FetchError

	for _, fetchErr := range fetches.Errors() {
		fetchErrs = append(fetchErrs, FetchError{
			Topic:     fetchErr.Topic,
			Partition: fetchErr.Partition,
			Err:       fetchErr.Err,
		})
	}

	iterErr := safeEachRecord(fetches, func(rec *kgo.Record) {
		if rec.Topic != unit.Topic || rec.Partition != unit.Partition {
			// Kafka may return adjacent records due to protocol framing;
			// discard silently.
			return
		}
		if rec.Offset >= unit.Offset+unit.Len {
			return
		}

		key := partitionKey{topic: rec.Topic, partition: rec.Partition}
		byPartition[key] = Message{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Bytes:     rec.Value,
		}
	})
	if iterErr != nil {
		fetchErrs = append(fetchErrs, FetchError{
			Topic:     unit.Topic,
			Partition: unit.Partition,
			Err:       iterErr,
		})
	}

	if len(byPartition) == 0 {
		return nil, fetchErrs, nil
	}

	messages := make([]Message, 0, len(byPartition))
	for _, m := range byPartition {
		messages = append(messages, m)
	}
	return messages, fetchErrs, nil
}

// safeEachRecord recovers any panic raised while walking fetches so a
// single malformed batch cannot bring a worker down; it folds into the
// error vector instead, per §4.1's "any thrown exception during iteration
// is caught, logged, and folded into the error vector".
func safeEachRecord(fetches kgo.Fetches, fn func(*kgo.Record)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest: panic while reading fetch response: %v", r)
		}
	}()
	fetches.EachRecord(fn)
	return nil
}
