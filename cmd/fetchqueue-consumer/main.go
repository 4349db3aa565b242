package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/fetchqueue/internal/util/log"
	"github.com/grafana/fetchqueue/modules/consumer"
	"github.com/grafana/fetchqueue/pkg/ingest"
)

func main() {
	var cfg consumer.Config
	logLevel := flag.String("log.level", "info", "One of debug, info, warn, error.")
	httpAddr := flag.String("http.listen-address", ":8090", "Address to serve /metrics on.")

	cfg.RegisterFlagsAndApplyDefaults("consumer", flag.CommandLine)
	flag.Parse()

	log.InitLogger(*logLevel)

	if cfg.Queues.Work == "" || cfg.Queues.Working == "" || cfg.Queues.Complete == "" {
		fmt.Fprintln(os.Stderr, "consumer.work-queue, consumer.working-queue and consumer.complete-queue are required")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	delegate := func(_ context.Context, messages []ingest.Message) error {
		for _, m := range messages {
			level.Info(log.Logger).Log("msg", "delivered message", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "bytes", len(m.Bytes))
		}
		return nil
	}

	sup := consumer.New(cfg, delegate, nil, reg)

	httpServer := &http.Server{Addr: *httpAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(log.Logger).Log("msg", "metrics server failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := services.StartAndAwaitRunning(ctx, sup); err != nil {
		level.Error(log.Logger).Log("msg", "consumer failed to start", "err", err)
		os.Exit(1)
	}
	level.Info(log.Logger).Log("msg", "consumer running")

	<-ctx.Done()
	level.Info(log.Logger).Log("msg", "shutting down")

	if err := services.StopAndAwaitTerminated(context.Background(), sup); err != nil {
		level.Error(log.Logger).Log("msg", "consumer failed to stop cleanly", "err", err)
	}
	_ = httpServer.Close()
}
