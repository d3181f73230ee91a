// Worker runs the session engine's background maintenance: the expiry sweep
// and the used-token/anomaly-history prune. It shares the sessions database
// with the embedding application and emits security events to Kafka and OTel.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessionguard/backend/internal/audit"
	auditrepo "sessionguard/backend/internal/audit/repository"
	"sessionguard/backend/internal/config"
	"sessionguard/backend/internal/db"
	"sessionguard/backend/internal/events"
	"sessionguard/backend/internal/events/producer"
	"sessionguard/backend/internal/security"
	"sessionguard/backend/internal/session/repository"
	"sessionguard/backend/internal/session/service"
	"sessionguard/backend/internal/session/store"
	otelx "sessionguard/backend/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("worker: DATABASE_URL is required")
	}

	ctx := context.Background()

	providers, err := otelx.NewProviders(ctx, cfg.OTLPEndpoint, "sessionguard-worker", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()
	metrics, err := otelx.NewMetrics(providers.MeterProvider)
	if err != nil {
		log.Fatalf("otel metrics: %v", err)
	}

	pool, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()
	sessions := repository.NewPostgresStore(pool)
	auditor := audit.NewLogger(auditrepo.NewPostgresRepository(pool))

	var used service.UsedTokenStore
	if cfg.RedisURL != "" {
		redisUsed, err := store.NewRedisUsedTokens(cfg.RedisURL, cfg.RefreshLifetime())
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer redisUsed.Close()
		used = redisUsed
	} else {
		used = store.NewMemoryUsedTokens(cfg.RefreshLifetime())
	}

	emitter := events.Emitter(otelx.NewEventEmitter(providers.LoggerProvider))
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		kafkaEmitter, err := producer.NewKafkaEmitter(brokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatalf("kafka: %v", err)
		}
		defer kafkaEmitter.Close()
		emitter = events.Multi(emitter, kafkaEmitter)
	}

	priv, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("jwt private key: %v", err)
	}
	pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("jwt public key: %v", err)
	}
	minter := security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())

	manager := service.NewManager(cfg, sessions, used, minter, emitter, auditor, metrics)
	reaper := service.NewReaper(manager, cfg.SweepInterval(), cfg.PruneInterval())
	reaper.Start()
	log.Printf("worker: sweeping every %s, pruning every %s", cfg.SweepInterval(), cfg.PruneInterval())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("worker: shutting down...")
	reaper.Stop()
	log.Println("worker: stopped")
}
