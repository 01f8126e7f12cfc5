package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/config"
	"github.com/boopnet/boopd/internal/gateway"
	"github.com/boopnet/boopd/internal/infra"
	"github.com/boopnet/boopd/internal/janitor"
	"github.com/boopnet/boopd/internal/metrics"
	"github.com/boopnet/boopd/internal/session"
	"github.com/boopnet/boopd/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Get()
	m := metrics.New()

	// =========================================================================
	// Store backend — Redis in production, in-memory fallback
	// =========================================================================
	var connector store.Connector
	var kv auth.KV
	if cfg.Redis.Enabled {
		adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("Redis connection failed, falling back to in-memory store", "addr", cfg.Redis.Addr, "error", err)
			connector = store.NewMemoryConnector()
		} else {
			defer adapter.Close()
			connector = store.NewRedisConnector(adapter.Client(), cfg.Store.KeyPrefix)
			kv = adapter
			slog.Info("Redis tree store wired", "prefix", cfg.Store.KeyPrefix)
		}
	} else {
		slog.Info("Redis disabled (REDIS_ENABLED=false), using in-memory store")
		connector = store.NewMemoryConnector()
	}

	broker := auth.NewBroker(auth.BrokerConfig{
		ServiceURL:     cfg.Token.ServiceURL,
		CachePrefix:    cfg.Token.CachePrefix,
		TTL:            time.Duration(cfg.Token.TTLMs) * time.Millisecond,
		RemintBelow:    time.Duration(cfg.Token.RemintBelowMs) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.Token.RequestTimeoutMs) * time.Millisecond,
	}, kv, connector)

	gw := gateway.New(gateway.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Production:     cfg.IsProduction(),
		Session: session.Config{
			Limits:    cfg.Limits,
			StoreUser: cfg.Token.UserID,
		},
	}, broker, m)

	// Optional in-process janitor for single-binary deployments; cron
	// deployments run cmd/boopd-janitor instead.
	if cfg.Janitor.Enabled {
		j := janitor.New(broker, janitor.Config{
			StoreUser: cfg.Token.UserID,
			Grace:     time.Duration(cfg.Janitor.GraceMs) * time.Millisecond,
			Interval:  time.Duration(cfg.Janitor.IntervalSec) * time.Second,
		}, m)
		sched := janitor.NewScheduler(j)
		defer sched.Stop()
	}

	// =========================================================================
	// HTTP server
	// =========================================================================
	router := mux.NewRouter()
	router.HandleFunc("/ws", gw.HandleWebSocket)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    ":" + cfg.GetPort(),
		Handler: router,
		// No read/write timeouts: the WebSocket connections are long-lived
		// and guarded by the session heartbeat instead.
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("boopd listening", "port", cfg.GetPort(), "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
}
