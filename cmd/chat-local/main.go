// Command chat-local runs the HTTP API, the gateway and a worker in one
// process over the in-memory broker. Nothing survives a restart.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/chatrelay-go/broker/memorybroker"
	"github.com/ggoodman/chatrelay-go/chat"
	"github.com/ggoodman/chatrelay-go/gateway"
	"github.com/ggoodman/chatrelay-go/httpapi"
	"github.com/ggoodman/chatrelay-go/internal/config"
	"github.com/ggoodman/chatrelay-go/internal/metrics"
	"github.com/ggoodman/chatrelay-go/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat-local: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gcfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	wcfg, err := config.LoadWorker()
	if err != nil {
		return err
	}
	log, err := gcfg.Logger(os.Stderr)
	if err != nil {
		return err
	}

	b := memorybroker.New()
	defer b.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	w := worker.New(b, chat.NewStore(),
		worker.WithLogger(log.With(slog.String("component", "worker"))),
		worker.WithConcurrency(wcfg.Concurrency),
		worker.WithQueues(wcfg.WorkQueue, wcfg.ReplyQueue),
		worker.WithReplayCache(wcfg.ReplayCacheSize, wcfg.ReplayCacheTTL),
		worker.WithMetrics(m),
	)
	client := gateway.New(b,
		gateway.WithLogger(log.With(slog.String("component", "gateway"))),
		gateway.WithTimeout(gcfg.RequestTimeout),
		gateway.WithQueues(gcfg.WorkQueue, gcfg.ReplyQueue),
		gateway.WithMetrics(m),
	)
	srv := &http.Server{
		Addr: gcfg.HTTPAddr,
		Handler: httpapi.New(client,
			httpapi.WithLogger(log),
			httpapi.WithRoute("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The backend outlives HTTP shutdown so in-flight requests still get
	// their replies.
	backendCtx, stopBackend := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackend()

	for _, runFn := range []func(context.Context) error{w.Run, client.Run} {
		g.Go(func() error {
			if err := runFn(backendCtx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		log.InfoContext(gctx, "http.listen", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		defer stopBackend()

		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), gcfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
