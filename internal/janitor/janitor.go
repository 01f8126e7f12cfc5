// Package janitor sweeps stale hourly-ledger entries for all clients. An
// owning session removes its own entries on expiry; the janitor is the
// backstop for sessions that died before their timers fired. Entries get
// an extra hour of grace past their expiry so a session still flushing is
// never raced.
package janitor

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/metrics"
	"github.com/boopnet/boopd/internal/session"
)

// Config for the janitor.
type Config struct {
	// StoreUser is the uid used to sign in to the store.
	StoreUser string

	// Grace added past each entry's expiry before it is considered stale.
	Grace time.Duration

	// Interval between sweeps when running on the in-process scheduler.
	Interval time.Duration
}

// Janitor sweeps the bph tree. Each sweep runs as its own store session.
type Janitor struct {
	broker *auth.Broker
	cfg    Config
	m      *metrics.Metrics
	logger *log.Logger
}

// New creates a janitor.
func New(broker *auth.Broker, cfg Config, m *metrics.Metrics) *Janitor {
	if cfg.StoreUser == "" {
		cfg.StoreUser = "boopd-janitor"
	}
	if cfg.Grace == 0 {
		cfg.Grace = time.Hour
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	return &Janitor{
		broker: broker,
		cfg:    cfg,
		m:      m,
		logger: log.New(log.Writer(), "[Janitor] ", log.LstdFlags),
	}
}

// Sweep reads the whole ledger tree and removes every malformed or stale
// entry. Per-key removal errors are logged and swallowed; a malformed
// entry never stops the walk.
func (j *Janitor) Sweep(ctx context.Context) error {
	st, err := j.broker.Signin(ctx, j.cfg.StoreUser)
	if err != nil {
		return err
	}
	defer st.Close()

	raw, err := st.Get(ctx, session.BPHRoot)
	if err != nil {
		return err
	}

	var tree map[string]json.RawMessage
	if raw == nil || json.Unmarshal(raw, &tree) != nil {
		j.logger.Printf("ledger tree absent or not a map, resetting")
		return st.Set(ctx, session.BPHRoot, map[string]interface{}{})
	}

	now := time.Now().UnixMilli()
	graceMs := j.cfg.Grace.Milliseconds()
	var stale []string

	for clientID, entriesRaw := range tree {
		var entries map[string]json.RawMessage
		if json.Unmarshal(entriesRaw, &entries) != nil {
			j.logger.Printf("client %s subtree is not a map, scheduling removal", clientID)
			stale = append(stale, session.BPHRoot+"/"+clientID)
			continue
		}
		for key, entryRaw := range entries {
			entry, ok := session.DecodeBPHEntry(entryRaw)
			if !ok {
				j.logger.Printf("malformed entry %s/%s, scheduling removal", clientID, key)
				stale = append(stale, session.BPHRoot+"/"+clientID+"/"+key)
				continue
			}
			if entry.ValidUntil+graceMs < now {
				stale = append(stale, session.BPHRoot+"/"+clientID+"/"+key)
			}
		}
	}

	var wg sync.WaitGroup
	for _, path := range stale {
		path := path
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.Remove(ctx, path); err != nil {
				j.logger.Printf("remove %s: %v", path, err)
			}
		}()
	}
	wg.Wait()

	j.m.RecordJanitorSweep(len(stale))
	j.logger.Printf("sweep complete: %d clients scanned, %d entries removed", len(tree), len(stale))
	return nil
}

// =============================================================================
// IN-PROCESS SCHEDULER
// =============================================================================

// Scheduler runs sweeps on a ticker for single-binary deployments; cron
// deployments invoke cmd/boopd-janitor instead.
type Scheduler struct {
	j      *Janitor
	stopCh chan struct{}
	logger *log.Logger
}

// NewScheduler creates and starts a sweep scheduler.
func NewScheduler(j *Janitor) *Scheduler {
	s := &Scheduler{
		j:      j,
		stopCh: make(chan struct{}),
		logger: log.New(log.Writer(), "[Janitor] ", log.LstdFlags),
	}
	go s.run()
	return s
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.j.cfg.Interval)
	defer ticker.Stop()

	s.logger.Printf("started sweep scheduler (interval=%s, grace=%s)", s.j.cfg.Interval, s.j.cfg.Grace)

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := s.j.Sweep(ctx); err != nil {
				s.logger.Printf("sweep failed: %v", err)
			}
			cancel()
		case <-s.stopCh:
			s.logger.Println("sweep scheduler stopped")
			return
		}
	}
}
