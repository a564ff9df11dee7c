package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"juntaut/internal/access"
	"juntaut/internal/audit"
	"juntaut/internal/auth"
	"juntaut/internal/config"
	"juntaut/internal/db"
	"juntaut/internal/httpserver"
	"juntaut/internal/logging"
)

// Usage: juntaut [serve|provision]. "provision" applies migrations, seeds roles
// and users from PROVISION_PATH and exits. With DEBUG on, the demo board from
// DEMO_USERS_PATH is seeded as well.
func main() {
	ctx := context.Background()

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var (
		store    auth.Store
		auditLog audit.Store
	)
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer conn.Close()
		if err := db.RunMigrations(ctx, conn); err != nil {
			log.Fatalf("run migrations: %v", err)
		}
		store = auth.NewPGStore(conn)
		auditLog = audit.NewPGStore(conn)
	} else {
		// Only reachable with DEBUG on; config rejects it otherwise.
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		store = auth.NewMemoryStore()
		auditLog = audit.NewMemoryStore(0)
	}

	opts := auth.ProvisionOptions{AllowInlinePasswords: cfg.Debug}
	res, err := auth.Provision(ctx, store, cfg.ProvisionPath, logger, opts)
	if err != nil {
		log.Fatalf("provision: %v", err)
	}
	if cfg.Debug {
		demo, err := auth.ProvisionUsers(ctx, store, cfg.DemoUsersPath, logger, opts)
		if err != nil {
			log.Fatalf("provision demo users: %v", err)
		}
		res.UsersCreated += demo.UsersCreated
		res.UsersUpdated += demo.UsersUpdated
	}
	logger.Info("provisioning done",
		"roles_merged", res.RolesMerged,
		"users_created", res.UsersCreated,
		"users_updated", res.UsersUpdated,
	)

	switch cmd {
	case "provision":
		return
	case "serve":
	default:
		log.Fatalf("unknown command %q", cmd)
	}

	policy, err := access.LoadPolicy(cfg.ProvisionPath)
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}

	sinks := audit.Multi{
		audit.LogSink{Logger: logger.With("component", "audit")},
		audit.StoreSink{Store: auditLog, Logger: logger},
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := audit.NewKafkaSink(logger, cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}

	authSvc := auth.NewService(store, cfg.SecretKey, cfg.SessionTTL, auth.NewLimiter(cfg.Login.Burst, cfg.Login.Refill))
	gate := access.NewGate(policy, sinks, httpserver.LoginPath)

	handler := httpserver.NewRouter(httpserver.Deps{
		Logger:        logger,
		Auth:          authSvc,
		Gate:          gate,
		Audit:         sinks,
		AuditLog:      auditLog,
		AllowedHosts:  cfg.AllowedHosts,
		SecureCookies: !cfg.Debug,
	})
	server := httpserver.New(cfg.HTTPAddr, handler, logger)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
