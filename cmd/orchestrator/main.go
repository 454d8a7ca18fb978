package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iamtxena/trade-nexus-sub001/internal/api"
	"github.com/iamtxena/trade-nexus-sub001/internal/bootstrap"
	"github.com/iamtxena/trade-nexus-sub001/internal/observability"
)

func main() {
	_ = godotenv.Load()

	shutdownTracing, err := observability.InitTracingFromEnv("trade-nexus-orchestrator")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}

	cp, err := bootstrap.NewControlPlaneFromEnv()
	if err != nil {
		log.Fatalf("bootstrap control plane: %v", err)
	}

	port := os.Getenv("TRADENEXUS_PORT")
	if port == "" {
		port = "8080"
	}
	server := api.NewServer(cp.Service, cp.Dispatcher, cp.Monitor, cp.Adapter, cp.Store)
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("trade-nexus orchestrator listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := cp.Engine.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		interval := time.Duration(getenvInt("TRADENEXUS_MONITOR_INTERVAL_SECONDS", 30)) * time.Second
		err := cp.Monitor.Run(ctx, cp.Adapter, interval)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("orchestrator failed: %v", err)
	}
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
