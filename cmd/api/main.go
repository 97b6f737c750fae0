package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telehealth-calls/internal/audit"
	"telehealth-calls/internal/auth"
	"telehealth-calls/internal/calls"
	"telehealth-calls/internal/config"
	"telehealth-calls/internal/httpapi"
	"telehealth-calls/internal/presence"
	"telehealth-calls/internal/recorder"
	"telehealth-calls/internal/reporting"
	"telehealth-calls/internal/signaling"
	"telehealth-calls/pkg/logger"
	"telehealth-calls/pkg/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
		MaxOpenConns: cfg.DB.MaxOpenConns,
	})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.DB.AutoMigrate {
		schema := append(append([]string{}, recorder.Schema...), audit.Schema...)
		if err := utils.EnsureSchema(rootCtx, db, schema...); err != nil {
			log.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
	}

	// Redis only mirrors presence; the relay works without it.
	var tableOpts []presence.Option
	tableOpts = append(tableOpts, presence.WithLogger(log))
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		tableOpts = append(tableOpts, presence.WithMirror(presence.NewRedisMirror(rdb, 3*cfg.Signaling.HeartbeatGrace)))
	}

	// Call core
	table := presence.NewTable(tableOpts...)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	auditWriter := audit.NewWriter(auditSvc, audit.WriterConfig{}, log)
	machine := calls.NewMachine(calls.NewStore(), table,
		calls.WithRingTimeout(cfg.Signaling.RingTimeout),
		calls.WithLogger(log),
		calls.WithEventSink(auditWriter),
	)

	records := recorder.NewPostgresRepo(db)
	rec := recorder.New(records, recorder.Config{
		MaxAttempts: cfg.Signaling.RecorderMaxAttempts,
		BaseBackoff: cfg.Signaling.RecorderBaseBackoff,
	}, recorder.WithLogger(log), recorder.WithCompletion(machine.Forget))
	machine.SetRecorder(rec)

	relay := signaling.NewRelay(machine, table, cfg.Signaling, cfg.App.AllowedOrigins, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz"))
	r.Use(corsMiddleware(cfg.App.AllowedOrigins))

	registerRoutes(r, routeDeps{
		handlers: httpapi.Handlers{
			Env:       cfg.App.Env,
			Auth:      authManager,
			Machine:   machine,
			Presence:  table,
			Reporting: reporting.NewService(records),
			Audit:     auditSvc,
		},
		authMW: auth.RequireAccessToken(authManager),
		wsMW:   auth.RequireAccessTokenOrQuery(authManager),
		ws:     relay.ServeWS,
		db:     db,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// Websockets are hijacked and not covered by srv.Shutdown. Closing them ends live
	// calls as network_lost, which the recorder still has to persist.
	if err := relay.Shutdown(shutdownCtx); err != nil {
		log.Error("signaling shutdown failed", "err", err)
	}
	// Flushes the offline marks written as connections closed.
	table.Close()
	if err := rec.Close(shutdownCtx); err != nil {
		log.Error("recorder drain incomplete", "err", err)
	}
	if err := auditWriter.Close(shutdownCtx); err != nil {
		log.Error("audit drain incomplete", "err", err)
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposeHeaders:    []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
		cc.AllowCredentials = false
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}
