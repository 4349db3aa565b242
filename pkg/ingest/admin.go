package ingest

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// VerifyTopicExists confirms topic is known to the broker the client is
// connected to, using the same metadata-lookup pattern as franz-go's own
// admin client wrapper. It fails fast on an unknown topic instead of
// letting a fetch cycle time out waiting for data that will never arrive.
func VerifyTopicExists(ctx context.Context, client *kgo.Client, topic string) error {
	topics, err := kadm.NewClient(client).ListTopics(ctx, topic)
	if err != nil {
		return fmt.Errorf("ingest: list topics: %w", err)
	}
	if err := topics.Error(); err != nil {
		return fmt.Errorf("ingest: topic metadata error: %w", err)
	}
	if !topics.Has(topic) {
		return fmt.Errorf("ingest: topic %q not found on broker", topic)
	}
	return nil
}
