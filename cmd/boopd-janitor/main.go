// boopd-janitor runs one ledger sweep and exits. It is meant to be driven
// by a cron-style trigger with retries disabled: a failed sweep is simply
// retried at the next scheduled invocation.
package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/config"
	"github.com/boopnet/boopd/internal/infra"
	"github.com/boopnet/boopd/internal/janitor"
	"github.com/boopnet/boopd/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Get()

	adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer adapter.Close()

	connector := store.NewRedisConnector(adapter.Client(), cfg.Store.KeyPrefix)
	broker := auth.NewBroker(auth.BrokerConfig{
		ServiceURL:     cfg.Token.ServiceURL,
		CachePrefix:    cfg.Token.CachePrefix,
		TTL:            time.Duration(cfg.Token.TTLMs) * time.Millisecond,
		RemintBelow:    time.Duration(cfg.Token.RemintBelowMs) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.Token.RequestTimeoutMs) * time.Millisecond,
	}, adapter, connector)

	j := janitor.New(broker, janitor.Config{
		StoreUser: cfg.Token.UserID,
		Grace:     time.Duration(cfg.Janitor.GraceMs) * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := j.Sweep(ctx); err != nil {
		log.Fatalf("sweep failed: %v", err)
	}
}
