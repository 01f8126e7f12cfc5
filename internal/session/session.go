// Package session holds the per-connection state machine: admission
// control over two rate windows, the hourly ledger mirror, the coalesced
// global-counter sync, the heartbeat watchdog, and the shutdown flush.
//
// Everything inside a session runs on one dispatch goroutine. Store calls
// happen on spawned goroutines and post their completions back, so state
// is re-checked after every await without any per-field locking.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/config"
	"github.com/boopnet/boopd/internal/metrics"
	"github.com/boopnet/boopd/internal/protocol"
	"github.com/boopnet/boopd/internal/store"
)

// Close codes surfaced to the client.
const (
	CloseInternal      = 1000
	CloseNoHeartbeat   = 1001
	CloseCooldownAbuse = 1002
)

const storeOpTimeout = 10 * time.Second

// Channel is the transport handed to a session: an established
// bidirectional message channel. Send enqueues to the outbound queue and
// never blocks admission decisions.
type Channel interface {
	Send(text string)
	Close(code int, reason string)
}

// Config carries session tuning plus the uid used to sign in to the store.
type Config struct {
	Limits    config.LimitsConfig
	StoreUser string
}

// Session is the live server-side state for one connected client.
type Session struct {
	clientID  string
	ch        Channel
	broker    *auth.Broker
	cfg       config.LimitsConfig
	storeUser string
	m         *metrics.Metrics
	logger    *log.Logger

	st store.Store

	calls        chan func()
	done         chan struct{}
	shutdownOnce sync.Once
	closing      bool
	opened       bool
	closeCode    int

	// rate-limit state
	cooldownUntil int64
	cooldownFails int
	bpm           bpmWindow
	lg            *ledger
	unsyncedBPH   int64

	// counter state
	lastGBC     int64
	unsyncedGBC int64
	lastGBCSync int64
	gbcInFlight bool

	// timers & subscriptions, all owned by the dispatch goroutine
	gbcTimer      *time.Timer
	bphTimer      *time.Timer
	hbTimer       *time.Timer
	removalTimers map[string]*time.Timer
	unsubs        []func()
}

// New builds a session for an accepted channel. Start must be called
// before any Handle* method.
func New(clientID string, ch Channel, broker *auth.Broker, cfg Config, m *metrics.Metrics) *Session {
	cfg.Limits.ApplyDefaults()
	if cfg.StoreUser == "" {
		cfg.StoreUser = "boopd"
	}
	return &Session{
		clientID:      clientID,
		ch:            ch,
		broker:        broker,
		cfg:           cfg.Limits,
		storeUser:     cfg.StoreUser,
		m:             m,
		logger:        log.New(log.Writer(), fmt.Sprintf("[Session:%s] ", clientID), log.LstdFlags),
		calls:         make(chan func(), 128),
		done:          make(chan struct{}),
		bpm:           bpmWindow{windowMs: cfg.Limits.BPMWindowMs},
		lg:            newLedger(),
		removalTimers: make(map[string]*time.Timer),
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start runs the initialization sequence: store signin, then ledger and
// counter init in parallel, then heartbeat arm and the initial count
// frame. Any failure closes the channel with code 1000.
func (s *Session) Start(ctx context.Context) error {
	go s.run()

	st, err := s.broker.Signin(ctx, s.storeUser)
	if err != nil {
		return s.failInit(fmt.Errorf("signin: %w", err))
	}
	s.st = st

	errs := make(chan error, 2)
	go func() { errs <- s.initLedger(ctx) }()
	go func() { errs <- s.initCounter(ctx) }()
	var initErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && initErr == nil {
			initErr = err
		}
	}
	if initErr != nil {
		return s.failInit(initErr)
	}

	s.post(func() {
		s.opened = true
		s.armHeartbeat()
		s.ch.Send(protocol.EncodeCount(s.lastGBC))
		s.m.RecordSessionOpened()
	})
	s.logger.Printf("session open")
	return nil
}

func (s *Session) failInit(err error) error {
	s.logger.Printf("initialization failed: %v", err)
	s.post(func() {
		s.closeWith(CloseInternal, "Internal Server Error")
	})
	return err
}

func (s *Session) run() {
	for {
		select {
		case f := <-s.calls:
			f()
		case <-s.done:
			return
		}
	}
}

// post serializes f onto the dispatch goroutine. Posts after shutdown are
// dropped.
func (s *Session) post(f func()) {
	select {
	case s.calls <- f:
	case <-s.done:
	}
}

// HandleText dispatches one inbound text frame.
func (s *Session) HandleText(text string) {
	s.post(func() { s.handleFrame(text) })
}

// HandleBinary ignores binary frames; the protocol is text-only.
func (s *Session) HandleBinary(payload []byte) {
	n := len(payload)
	s.post(func() { s.logger.Printf("ignoring binary frame (%d bytes)", n) })
}

// HandleClose runs the shutdown sequence: teardown, best-effort flush
// within the extension window, store handle release. Idempotent.
func (s *Session) HandleClose() {
	s.shutdownOnce.Do(func() { s.post(s.shutdown) })
}

func (s *Session) shutdown() {
	s.closing = true

	// 1. Tear down subscriptions and timers.
	stopTimer(s.gbcTimer)
	stopTimer(s.bphTimer)
	stopTimer(s.hbTimer)
	for key, t := range s.removalTimers {
		t.Stop()
		delete(s.removalTimers, key)
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	// 2. Final flush: GBC and BPH in parallel, bounded by the extension
	// window. Failures here are the accepted loss window.
	if s.st != nil {
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(s.cfg.ShutdownFlushTimeoutMs)*time.Millisecond)
		var wg sync.WaitGroup

		if change := s.unsyncedGBC; change > 0 {
			s.unsyncedGBC = 0
			s.lastGBC += change
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.st.AtomicAdd(ctx, GBCPath, change); err != nil {
					s.logger.Printf("final gbc flush of %d failed: %v", change, err)
					s.m.RecordSyncFailure("gbc")
				}
			}()
		}
		if change := s.unsyncedBPH; change > 0 {
			s.unsyncedBPH = 0
			entry := EncodeBPHEntry(BPHEntry{ValidUntil: nowMillis() + s.cfg.BPHWindowMs, Change: change})
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.st.Push(ctx, s.bphPath(), entry); err != nil {
					s.logger.Printf("final bph flush of %d failed: %v", change, err)
					s.m.RecordSyncFailure("bph")
				}
			}()
		}
		wg.Wait()
		cancel()

		// 3. Release the store handle.
		if err := s.st.Close(); err != nil {
			s.logger.Printf("store close: %v", err)
		}
	}

	if s.opened {
		code := s.closeCode
		if code == 0 {
			code = CloseInternal // transport-level close
		}
		s.m.RecordSessionClosed(strconv.Itoa(code))
	}
	close(s.done)
	s.logger.Printf("session closed")
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (s *Session) closeWith(code int, reason string) {
	if s.closeCode == 0 {
		s.closeCode = code
	}
	s.ch.Close(code, reason)
}

// =============================================================================
// INITIALIZATION
// =============================================================================

func (s *Session) bphPath() string { return BPHRoot + "/" + s.clientID }

func (s *Session) initLedger(ctx context.Context) error {
	unsub, err := s.st.Subscribe(ctx, s.bphPath(),
		func(key string, value json.RawMessage) {
			s.post(func() { s.onChildAdded(key, value) })
		},
		func(key string, value json.RawMessage) {
			s.post(func() { s.onChildRemoved(key) })
		})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.bphPath(), err)
	}
	s.post(func() { s.unsubs = append(s.unsubs, unsub) })

	// Repair the tree shape before mirroring it.
	root, err := s.st.Get(ctx, BPHRoot)
	if err != nil {
		return fmt.Errorf("read %s: %w", BPHRoot, err)
	}
	if root != nil && !isJSONObject(root) {
		s.logger.Printf("ledger root is not a map, resetting")
		if err := s.st.Set(ctx, BPHRoot, map[string]interface{}{}); err != nil {
			return fmt.Errorf("reset %s: %w", BPHRoot, err)
		}
	}

	mine, err := s.st.Get(ctx, s.bphPath())
	if err != nil {
		return fmt.Errorf("read %s: %w", s.bphPath(), err)
	}
	if mine == nil || !isJSONObject(mine) {
		if err := s.st.Set(ctx, s.bphPath(), map[string]interface{}{}); err != nil {
			return fmt.Errorf("init %s: %w", s.bphPath(), err)
		}
		s.post(s.armBPHTimer)
		return nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(mine, &entries); err != nil {
		return fmt.Errorf("decode %s: %w", s.bphPath(), err)
	}
	for key, raw := range entries {
		key, raw := key, raw
		s.post(func() { s.onChildAdded(key, raw) })
	}
	s.post(s.armBPHTimer)
	return nil
}

func (s *Session) initCounter(ctx context.Context) error {
	unsub, err := s.st.SubscribeValue(ctx, GBCPath, func(value json.RawMessage) {
		s.post(func() { s.onGBCChange(value) })
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", GBCPath, err)
	}
	s.post(func() { s.unsubs = append(s.unsubs, unsub) })

	raw, err := s.st.Get(ctx, GBCPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", GBCPath, err)
	}
	var initial int64
	if raw != nil {
		v, ok := parseNumber(raw)
		if !ok {
			s.logger.Printf("non-numeric %s value %q, treating as 0", GBCPath, raw)
		}
		initial = v
	}
	s.post(func() {
		s.lastGBC = initial
		s.lastGBCSync = nowMillis()
		s.armGBCTimer()
	})
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return c == '{'
	}
	return false
}

func parseNumber(raw json.RawMessage) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// =============================================================================
// FRAME HANDLING
// =============================================================================

func (s *Session) handleFrame(text string) {
	if s.closing {
		return
	}
	frame, err := protocol.Decode(text)
	if err != nil {
		s.logger.Printf("invalid frame %q", text)
		s.m.RecordInvalidFrame()
		s.ch.Send(protocol.EncodeInvalid())
		return
	}

	switch f := frame.(type) {
	case protocol.Heartbeat:
		if s.hbTimer != nil {
			s.hbTimer.Reset(time.Duration(s.cfg.HeartbeatTimeoutMs) * time.Millisecond)
		}
		s.ch.Send(protocol.EncodeHeartbeat())
	case protocol.BoopRequest:
		s.handleBoop(f.BoopID)
	case protocol.CooldownQuery:
		s.handleQuery(f.QueryID)
	}
}

func (s *Session) handleBoop(boopID int64) {
	now := nowMillis()

	if s.cooldownUntil != 0 && now < s.cooldownUntil {
		s.cooldownFails++
		if s.cooldownFails > s.cfg.CooldownFailLimit {
			s.logger.Printf("too many boops during an active cooldown, closing")
			s.closeWith(CloseCooldownAbuse, "Too many boops during an active cooldown")
			return
		}
		s.m.RecordBoopRejected("cooldown")
		s.ch.Send(protocol.EncodeReject(boopID, s.cooldownUntil-now))
		return
	}
	s.cooldownUntil = 0

	cooldown, reason := s.getCooldown(now)
	if cooldown > 0 {
		s.cooldownUntil = now + cooldown
		s.m.RecordBoopRejected(reason)
		s.ch.Send(protocol.EncodeReject(boopID, cooldown))
		return
	}

	// Admit.
	s.cooldownFails = 0
	s.bpm.add(now)
	s.unsyncedBPH++
	s.unsyncedGBC++
	s.gbcSync(now, false)
	s.m.RecordBoopAdmitted()
	s.ch.Send(protocol.EncodeBoopAck(boopID))
	s.ch.Send(protocol.EncodeCount(s.lastGBC + s.unsyncedGBC))
}

func (s *Session) handleQuery(queryID int64) {
	now := nowMillis()
	var remaining int64
	if s.cooldownUntil > now {
		remaining = s.cooldownUntil - now
	} else {
		remaining, _ = s.getCooldown(now)
	}
	s.ch.Send(protocol.EncodeCooldownReply(queryID, remaining))
}

// getCooldown returns the wait until a new boop would be admitted; 0 means
// admit now. The hourly ledger is consulted first, then the minute window.
func (s *Session) getCooldown(now int64) (int64, string) {
	if s.lg.sum+s.unsyncedBPH >= s.cfg.BPHLimit {
		soonest := s.lg.soonestClear(now, s.unsyncedBPH, s.cfg.BPHLimit, s.cfg.BPHWindowMs)
		cooldown := soonest - now
		if cooldown < 0 {
			cooldown = 0
		}
		return cooldown, "bph"
	}
	if s.bpm.len() >= s.cfg.BPMLimit {
		oldest := s.bpm.oldest()
		if now-oldest >= s.cfg.BPMWindowMs {
			s.bpm.prune(now)
			return 0, ""
		}
		return s.cfg.BPMWindowMs - (now - oldest), "bpm"
	}
	return 0, ""
}

// =============================================================================
// GBC SYNC
// =============================================================================

func (s *Session) armGBCTimer() {
	d := time.Duration(s.cfg.GBCSyncIntervalMs) * time.Millisecond
	s.gbcTimer = time.AfterFunc(d, func() {
		s.post(func() {
			if s.closing {
				return
			}
			s.gbcSync(nowMillis(), false)
			s.gbcTimer.Reset(d)
		})
	})
}

// gbcSync coalesces admitted boops into one atomic add per interval. A
// second caller while a write is in flight is a no-op: the completion
// handler re-enters when another interval has already elapsed.
func (s *Session) gbcSync(now int64, final bool) {
	if s.gbcInFlight || s.unsyncedGBC == 0 {
		return
	}
	if !final && now-s.lastGBCSync < s.cfg.GBCSyncIntervalMs {
		return
	}

	change := s.unsyncedGBC
	s.unsyncedGBC = 0
	s.lastGBC += change
	s.lastGBCSync = now
	s.gbcInFlight = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		_, err := s.st.AtomicAdd(ctx, GBCPath, change)
		s.post(func() { s.finishGBCSync(change, err) })
	}()
}

func (s *Session) finishGBCSync(change int64, err error) {
	s.gbcInFlight = false
	if err != nil {
		s.logger.Printf("gbc sync of %d failed, restoring: %v", change, err)
		s.m.RecordSyncFailure("gbc")
		s.lastGBC -= change
		s.unsyncedGBC += change
		return
	}
	if s.closing {
		return
	}
	now := nowMillis()
	if s.unsyncedGBC != 0 && now-s.lastGBCSync >= s.cfg.GBCSyncIntervalMs {
		s.logger.Printf("interval elapsed during sync, re-entering")
		s.gbcSync(now, false)
	}
}

func (s *Session) onGBCChange(raw json.RawMessage) {
	v, ok := parseNumber(raw)
	if !ok {
		s.logger.Printf("ignoring non-numeric gbc update %q", raw)
		return
	}
	if v == s.lastGBC {
		return
	}
	s.lastGBC = v
	s.ch.Send(protocol.EncodeCount(s.lastGBC + s.unsyncedGBC))
}

// =============================================================================
// BPH SYNC & MIRROR
// =============================================================================

func (s *Session) armBPHTimer() {
	d := time.Duration(s.cfg.BPHSyncIntervalMs) * time.Millisecond
	s.bphTimer = time.AfterFunc(d, func() {
		s.post(func() {
			if s.closing {
				return
			}
			s.syncBPH()
			s.bphTimer.Reset(d)
		})
	})
}

// syncBPH appends the unsynced boops as one ledger entry. The mirror is
// updated through the child-added subscription, not here.
func (s *Session) syncBPH() {
	if s.unsyncedBPH == 0 {
		return
	}
	change := s.unsyncedBPH
	s.unsyncedBPH = 0
	entry := EncodeBPHEntry(BPHEntry{ValidUntil: nowMillis() + s.cfg.BPHWindowMs, Change: change})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if _, err := s.st.Push(ctx, s.bphPath(), entry); err != nil {
			s.post(func() {
				s.logger.Printf("bph sync of %d failed, restoring: %v", change, err)
				s.m.RecordSyncFailure("bph")
				s.unsyncedBPH += change
			})
		}
	}()
}

func (s *Session) onChildAdded(key string, raw json.RawMessage) {
	entry, ok := DecodeBPHEntry(raw)
	if !ok {
		s.logger.Printf("malformed ledger entry %s, scheduling removal", key)
		s.removeEntry(key)
		return
	}

	if t, exists := s.removalTimers[key]; exists {
		t.Stop()
	}
	s.lg.apply(key, entry)

	delay := time.Duration(entry.ValidUntil-nowMillis()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.removalTimers[key] = time.AfterFunc(delay, func() {
		s.post(func() {
			if s.closing {
				return
			}
			delete(s.removalTimers, key)
			s.removeEntry(key)
		})
	})
}

func (s *Session) onChildRemoved(key string) {
	if _, ok := s.lg.drop(key); !ok {
		s.logger.Printf("removal of unknown ledger entry %s", key)
		return
	}
	if t, exists := s.removalTimers[key]; exists {
		t.Stop()
		delete(s.removalTimers, key)
	}
}

func (s *Session) removeEntry(key string) {
	path := s.bphPath() + "/" + key
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := s.st.Remove(ctx, path); err != nil {
			s.logger.Printf("remove %s: %v", path, err)
		}
	}()
}

// =============================================================================
// HEARTBEAT
// =============================================================================

func (s *Session) armHeartbeat() {
	d := time.Duration(s.cfg.HeartbeatTimeoutMs) * time.Millisecond
	s.hbTimer = time.AfterFunc(d, func() {
		s.post(func() {
			if s.closing {
				return
			}
			s.logger.Printf("no heartbeat within %s, closing", d)
			s.closeWith(CloseNoHeartbeat, "No heartbeat received within the timeout period")
		})
	})
}
