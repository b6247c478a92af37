// Command chat-gateway serves the chat HTTP API and forwards every call to
// the session workers over Redis.
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

	"github.com/ggoodman/chatrelay-go/gateway"
	"github.com/ggoodman/chatrelay-go/httpapi"
	"github.com/ggoodman/chatrelay-go/internal/config"
	"github.com/ggoodman/chatrelay-go/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	log, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}

	b, err := cfg.RedisBroker(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := gateway.New(b,
		gateway.WithLogger(log),
		gateway.WithTimeout(cfg.RequestTimeout),
		gateway.WithQueues(cfg.WorkQueue, cfg.ReplyQueue),
		gateway.WithMetrics(metrics.New(reg)),
	)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.New(client,
			httpapi.WithLogger(log),
			httpapi.WithRoute("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return serve(ctx, log, srv, client, cfg.ShutdownTimeout)
}

// serve runs the HTTP server and the reply dispatcher until ctx ends or
// either fails. In-flight requests get ShutdownTimeout to finish while the
// dispatcher keeps routing their replies.
func serve(ctx context.Context, log *slog.Logger, srv *http.Server, client *gateway.Client, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()

	g.Go(func() error {
		err := client.Run(dispatchCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		log.InfoContext(gctx, "http.listen", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		defer stopDispatch()

		log.InfoContext(gctx, "http.shutdown")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
