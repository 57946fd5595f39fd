package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/safewalk/internal/config"
	"example.com/safewalk/internal/cron"
	"example.com/safewalk/internal/outbox"
	persistence "example.com/safewalk/internal/persistence/postgres"
	"example.com/safewalk/internal/sms"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	twilioCfg := sms.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioPhoneNumber,
	}
	if !twilioCfg.Configured() {
		log.Fatal("twilio credentials are required for the deadline sweep")
	}

	repo := persistence.NewRepository(pool)
	sender := sms.NewTwilioClient(twilioCfg)

	producer := outbox.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()
	dispatcher := outbox.NewDispatcher(pool, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Start(ctx)

	sweeper := cron.NewSweeper(repo, sender, cfg.SweepInterval, cfg.SweepBatchSize)
	go sweeper.Start(ctx)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("deadline sweep metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	log.Printf("deadline sweep started (interval=%s, batch=%d)", cfg.SweepInterval, cfg.SweepBatchSize)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("deadline sweep received shutdown signal")
	cancel()
	sweeper.Wait()
	dispatcher.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}
