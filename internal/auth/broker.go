// Package auth implements the credential collaborator: it mints store
// tokens against an external token service, caches them in a fast local
// tier backed by a durable KV tier, and opens authenticated store handles.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boopnet/boopd/internal/store"
)

// KV is the durable cache tier. Get returns (nil, nil) when the key is
// missing. Redis-backed in production; any key-value store satisfies it.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// BrokerConfig configures the token broker.
type BrokerConfig struct {
	// ServiceURL is the token-minting endpoint. Empty means tokens are
	// minted locally (development only).
	ServiceURL string

	// CachePrefix namespaces cache keys, so several deployments can share
	// one KV.
	CachePrefix string

	TTL            time.Duration
	RemintBelow    time.Duration
	RequestTimeout time.Duration
}

// Broker mints and caches store tokens and opens store handles.
type Broker struct {
	cfg       BrokerConfig
	hc        *http.Client
	kv        KV
	connector store.Connector
	logger    *log.Logger

	mu    sync.Mutex
	local map[string]tokenData
}

// tokenData is the cached form of a minted token. Strict validation guards
// against malformed cache entries: a bad datum is dropped, never used.
type tokenData struct {
	Token    string `json:"token"`
	MintedAt int64  `json:"minted_at"`
}

func (t tokenData) valid() bool {
	return t.Token != "" && t.MintedAt > 0
}

// NewBroker creates a token broker. kv may be nil (local tier only).
func NewBroker(cfg BrokerConfig, kv KV, connector store.Connector) *Broker {
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.RemintBelow == 0 {
		cfg.RemintBelow = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.CachePrefix == "" {
		cfg.CachePrefix = "boop:token:"
	}
	return &Broker{
		cfg:       cfg,
		hc:        &http.Client{Timeout: cfg.RequestTimeout},
		kv:        kv,
		connector: connector,
		logger:    log.New(log.Writer(), "[TokenBroker] ", log.LstdFlags),
		local:     make(map[string]tokenData),
	}
}

// GenerateToken returns a token for uid, minting a fresh one when the
// cached token's remaining life drops below the re-mint threshold.
func (b *Broker) GenerateToken(ctx context.Context, uid string) (string, error) {
	now := time.Now().UnixMilli()
	key := b.cfg.CachePrefix + uid

	b.mu.Lock()
	cached, ok := b.local[key]
	b.mu.Unlock()
	if ok && b.fresh(cached, now) {
		return cached.Token, nil
	}

	// Durable tier.
	if b.kv != nil {
		if raw, err := b.kv.Get(ctx, key); err != nil {
			b.logger.Printf("KV read failed for %s: %v", key, err)
		} else if raw != nil {
			var td tokenData
			if json.Unmarshal(raw, &td) == nil && td.valid() && b.fresh(td, now) {
				b.mu.Lock()
				b.local[key] = td
				b.mu.Unlock()
				return td.Token, nil
			}
		}
	}

	token, err := b.mint(ctx, uid)
	if err != nil {
		return "", err
	}

	td := tokenData{Token: token, MintedAt: now}
	b.mu.Lock()
	b.local[key] = td
	b.mu.Unlock()
	if b.kv != nil {
		if raw, err := json.Marshal(td); err == nil {
			if err := b.kv.Set(ctx, key, raw, b.cfg.TTL); err != nil {
				b.logger.Printf("KV write failed for %s: %v", key, err)
			}
		}
	}
	return token, nil
}

func (b *Broker) fresh(td tokenData, now int64) bool {
	if !td.valid() {
		return false
	}
	remaining := td.MintedAt + b.cfg.TTL.Milliseconds() - now
	return remaining >= b.cfg.RemintBelow.Milliseconds()
}

// mint calls the token service, or fabricates a local token when no
// service is configured.
func (b *Broker) mint(ctx context.Context, uid string) (string, error) {
	if b.cfg.ServiceURL == "" {
		b.logger.Printf("token service not configured, minting local token for %s", uid)
		return "local-" + strings.ReplaceAll(uuid.New().String(), "-", ""), nil
	}

	body, err := json.Marshal(map[string]string{"uid": uid})
	if err != nil {
		return "", fmt.Errorf("auth: marshal mint request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.ServiceURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("auth: build mint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: token service call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: token service returned %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("auth: decode token response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("auth: token service returned an empty token")
	}
	return out.Token, nil
}

// Signin mints (or reuses) a token for uid and opens a store handle.
func (b *Broker) Signin(ctx context.Context, uid string) (store.Store, error) {
	token, err := b.GenerateToken(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("auth: generate token for %s: %w", uid, err)
	}
	st, err := b.connector.Signin(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("auth: store signin for %s: %w", uid, err)
	}
	return st, nil
}
