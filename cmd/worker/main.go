package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/push-dispatch/internal/app"
	"github.com/ignite/push-dispatch/internal/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the YAML config file")
	noRSS := flag.Bool("no-rss", false, "Disable the RSS poller")
	flag.Parse()

	log.Println("Starting push dispatch worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	app.ConfigureLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	clock := a.RecurrenceClock()
	if err := clock.Start(); err != nil {
		log.Fatalf("Failed to start recurrence clock: %v", err)
	}
	log.Printf("Recurrence clock started (tick %s)", cfg.Scheduler.RecurrenceTick())

	if !*noRSS {
		poller := a.RSSPoller()
		poller.Start()
		defer poller.Stop()
		log.Printf("RSS poller started (every %s)", cfg.Scheduler.RSSPollInterval())
	}

	// Periodic heartbeat with executor counters
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Printf("Worker heartbeat - clock %v, executor %v", clock.Stats(), a.Executor.Stats())
			}
		}
	}()

	log.Println("Worker running...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	// Stop waits for runs already fired; the poller stops via defer.
	clock.Stop()

	log.Println("Worker stopped")
}
