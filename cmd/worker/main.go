// The worker resumes suspended runs. It consumes scheduled wake-ups from
// the queue and, as a safety net, periodically scans the store for due
// runs the queue may have missed.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowmesh/flowmesh/internal/bootstrap"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/observability"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(os.Getenv("FLOWMESH_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLogger("worker")

	rt, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer rt.Close()

	go consumeQueue(ctx, rt, cfg)
	go scanDue(ctx, rt, cfg)

	logger.Info("worker started", map[string]interface{}{
		"queue":         cfg.Queue.Kind,
		"scan_interval": cfg.Worker.ScanInterval.String(),
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down", nil)
	cancel()
	time.Sleep(time.Second) // drain in-flight dispatches
}

func consumeQueue(ctx context.Context, rt *bootstrap.Runtime, cfg *config.Config) {
	if rt.Queue == nil {
		return
	}
	ticker := time.NewTicker(cfg.Worker.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := rt.Queue.DequeueDue(ctx, time.Now().UTC(), cfg.Worker.BatchSize)
			if err != nil {
				rt.Logger.Error("wakeup dequeue failed", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			for _, msg := range msgs {
				if err := rt.Engine.Execute(ctx, msg.RunID); err != nil {
					rt.Logger.Error("run resume failed", map[string]interface{}{
						"run_id": msg.RunID,
						"error":  err.Error(),
					})
				}
			}
		}
	}
}

func scanDue(ctx context.Context, rt *bootstrap.Runtime, cfg *config.Config) {
	ticker := time.NewTicker(cfg.Worker.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rt.Engine.ResumeDue(ctx, time.Now().UTC())
			if err != nil {
				rt.Logger.Error("due-run scan failed", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			if n > 0 {
				rt.Logger.Info("resumed due runs", map[string]interface{}{"count": n})
			}
		}
	}
}
