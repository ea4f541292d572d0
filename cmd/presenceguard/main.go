package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"presenceguard/internal/api"
	"presenceguard/internal/auth"
	"presenceguard/internal/config"
	"presenceguard/internal/engine"
	"presenceguard/internal/events"
	"presenceguard/internal/ingest"
	"presenceguard/internal/logging"
	"presenceguard/internal/metrics"
	"presenceguard/internal/storage"
	"presenceguard/internal/trust"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "presenceguard.yaml", "path to the YAML or JSON config file")
	issueSubject := flag.String("issue-token", "", "print a bearer token for this subject and exit")
	issueRole := flag.String("role", auth.RoleStudent, "role for -issue-token: student or admin")
	issueDevice := flag.String("device", "", "device id embedded in a student token")
	issueTTL := flag.Duration("ttl", 24*time.Hour, "lifetime of an issued token")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfgManager, err := config.NewManager(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", path, err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	if *issueSubject != "" {
		token, exp, err := auth.Issue(*issueSubject, *issueRole, *issueDevice, cfg.Auth.Issuer, cfg.Auth.SigningKey, *issueTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n# expires %s\n", token, exp.UTC().Format(time.RFC3339))
		return
	}

	logger := logging.NewLogger(cfg.LogLevel)
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage open failed", "err", err)
		os.Exit(1)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			logger.Error("storage init failed", "driver", cfg.Storage.Driver, "err", err)
			os.Exit(1)
		}
		defer store.Close()
		logger.Info("storage ready", "driver", cfg.Storage.Driver)
	}

	health := map[string]func(context.Context) bool{}
	var trustStore trust.Store
	switch strings.ToLower(cfg.Trust.Backend) {
	case "sql":
		trustStore = store
	case "redis":
		redisStore := storage.NewRedisTrustStore(cfg.Trust.Redis.Addr, cfg.Trust.Redis.Prefix)
		defer redisStore.Close()
		health["redis"] = redisStore.Healthy
		trustStore = redisStore
	default:
		trustStore = trust.NewMemoryStore(0)
	}
	logger.Info("device trust backend", "backend", cfg.Trust.Backend, "cooldown", cfg.Trust.Cooldown.String())

	publisher := events.NewPublisher(cfg.Events.Kafka, logger)
	defer publisher.Close()

	prom := metrics.NewCollectors()
	eng := engine.NewEngine(cfg, engine.Deps{
		Logger:     logger,
		Prometheus: prom,
		Publisher:  publisher,
		Store:      store,
		TrustStore: trustStore,
	})
	eng.Start(ctx)
	defer eng.Stop()

	decisions := make(chan ingest.Decision, 256)
	ingest.StartKafka(ctx, cfgManager, decisions, logger)
	go ingest.Dispatch(ctx, decisions, eng, logger)

	watchStop := make(chan struct{})
	go cfgManager.Watch(3*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		logger.Info("config reloaded", "path", path)
	}, func(err error) {
		logger.Warn("config reload failed", "path", path, "err", err)
	}, watchStop)
	defer close(watchStop)

	srv := api.Start(ctx, cfgManager, eng, api.Options{Prometheus: prom, Version: version, Health: health}, logger)

	logger.Info("presenceguard started", "version", version, "classrooms", len(cfg.Classrooms))
	<-ctx.Done()
	logger.Info("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
