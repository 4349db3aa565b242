package ingest_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/grafana/fetchqueue/internal/fetchevent"
	"github.com/grafana/fetchqueue/pkg/ingest"
	"github.com/grafana/fetchqueue/pkg/workqueue"
)

// testKpromMetrics mirrors the teacher's own test construction
// (pkg/ingest/partition_offset_client_test.go), a fresh pedantic registry
// per test so repeated NewMetrics calls across tests never collide.
func testKpromMetrics(t *testing.T) *kprom.Metrics {
	t.Helper()
	return kprom.NewMetrics("", kprom.Registerer(prometheus.NewPedanticRegistry()))
}

func brokerFromAddr(t *testing.T, addr string) workqueue.Broker {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return workqueue.Broker{Host: host, Port: port}
}

func TestRegistryGetOrCreateCachesConnection(t *testing.T) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, "t"))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	broker := brokerFromAddr(t, cluster.ListenAddrs()[0])

	registry := ingest.NewRegistry(ingest.Config{DialTimeout: 5 * time.Second, ClientID: "test"}, testKpromMetrics(t))

	first, err := registry.GetOrCreate(context.Background(), broker)
	require.NoError(t, err)

	second, err := registry.GetOrCreate(context.Background(), broker)
	require.NoError(t, err)

	require.Same(t, first, second, "at most one ProducerConn per broker endpoint, per spec.md invariant 4")

	registry.CloseAll()
}

func TestRegistryDeliversFetchedRecords(t *testing.T) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, "t"))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addr := cluster.ListenAddrs()[0]
	broker := brokerFromAddr(t, addr)

	producer, err := kgo.NewClient(kgo.SeedBrokers(addr))
	require.NoError(t, err)
	t.Cleanup(producer.Close)

	produceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := producer.ProduceSync(produceCtx, &kgo.Record{Topic: "t", Value: []byte("hello")})
	require.NoError(t, result.FirstErr())

	registry := ingest.NewRegistry(ingest.Config{DialTimeout: 5 * time.Second, ClientID: "test"}, testKpromMetrics(t))
	t.Cleanup(registry.CloseAll)

	conn, err := registry.GetOrCreate(context.Background(), broker)
	require.NoError(t, err)
	conn.Client.AddConsumeTopics("t")

	select {
	case ev := <-conn.Events:
		require.Equal(t, fetchevent.KindData, ev.Kind)
		require.NotEmpty(t, ev.Fetches)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for fetch event")
	}
}
