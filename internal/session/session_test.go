package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/config"
	"github.com/boopnet/boopd/internal/store"
)

// fakeChannel records everything the session sends.
type fakeChannel struct {
	mu     sync.Mutex
	frames []string
	closed bool
	code   int
	reason string
}

func (c *fakeChannel) Send(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, text)
}

func (c *fakeChannel) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.code = code
		c.reason = reason
	}
}

func (c *fakeChannel) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func (c *fakeChannel) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code
}

// waitFor polls until pred is satisfied or the deadline passes.
func waitFor(t *testing.T, pred func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func (c *fakeChannel) waitForFrame(t *testing.T, frame string) {
	t.Helper()
	waitFor(t, func() bool {
		for _, f := range c.snapshot() {
			if f == frame {
				return true
			}
		}
		return false
	}, fmt.Sprintf("frame %q (got %v)", frame, c.snapshot()))
}

type testEnv struct {
	ch        *fakeChannel
	sess      *Session
	admin     store.Store
	connector *store.MemoryConnector
}

const testClientID = "client1"

func newTestEnv(t *testing.T, limits config.LimitsConfig, seed func(admin store.Store)) *testEnv {
	t.Helper()
	connector := store.NewMemoryConnector()
	admin, err := connector.Signin(context.Background(), "admin-token")
	require.NoError(t, err)
	if seed != nil {
		seed(admin)
	}

	broker := auth.NewBroker(auth.BrokerConfig{}, nil, connector)
	ch := &fakeChannel{}
	sess := New(testClientID, ch, broker, Config{Limits: limits}, nil)
	require.NoError(t, sess.Start(context.Background()))

	t.Cleanup(func() { sess.HandleClose(); <-sess.done })
	return &testEnv{ch: ch, sess: sess, admin: admin, connector: connector}
}

// sampleState reads session internals on the dispatch goroutine.
func sampleState(s *Session) (unsyncedBPH, unsyncedGBC, ledgerSum int64) {
	done := make(chan struct{})
	s.post(func() {
		unsyncedBPH = s.unsyncedBPH
		unsyncedGBC = s.unsyncedGBC
		ledgerSum = s.lg.sum
		close(done)
	})
	<-done
	return
}

func b36(v int64) string { return strconv.FormatInt(v, 36) }

// =============================================================================
// SCENARIOS
// =============================================================================

func TestSession_ColdOpen(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{}, func(admin store.Store) {
		require.NoError(t, admin.Set(context.Background(), GBCPath, 42))
	})

	env.ch.waitForFrame(t, "c16") // 42 in base-36

	env.sess.HandleText("d1")
	env.ch.waitForFrame(t, "d1") // no cooldown field

	env.sess.HandleText("b1")
	env.ch.waitForFrame(t, "b1")
	env.ch.waitForFrame(t, "c17") // 43
}

func TestSession_BPMBurst(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{}, nil)
	env.ch.waitForFrame(t, "c0")

	for i := int64(1); i <= 1001; i++ {
		env.sess.HandleText("b" + b36(i))
	}

	var reject string
	waitFor(t, func() bool {
		for _, f := range env.ch.snapshot() {
			if len(f) > 0 && f[0] == 'r' {
				reject = f
				return true
			}
		}
		return false
	}, "a reject frame")

	frames := env.ch.snapshot()
	accepted := 0
	for _, f := range frames {
		if len(f) > 1 && f[0] == 'b' {
			accepted++
		}
	}
	assert.Equal(t, 1000, accepted, "exactly the window limit is admitted")
	env.ch.waitForFrame(t, "b"+b36(1000))

	// r<1001 in base-36>,<remaining>: the burst fits well inside a second,
	// so the remaining cooldown is just shy of the full minute.
	comma := indexByte(reject, ',')
	require.Positive(t, comma)
	assert.Equal(t, "r"+b36(1001), reject[:comma])
	ms, err := strconv.ParseInt(reject[comma+1:], 36, 64)
	require.NoError(t, err)
	assert.InDelta(t, 60_000, ms, 2000)
}

func TestSession_BPHSaturationFromLedger(t *testing.T) {
	now := time.Now().UnixMilli()
	validUntil := now + 1_800_000

	env := newTestEnv(t, config.LimitsConfig{}, func(admin store.Store) {
		_, err := admin.Push(context.Background(), BPHRoot+"/"+testClientID, []int64{validUntil, 10_000})
		require.NoError(t, err)
	})

	env.ch.waitForFrame(t, "c0")

	_, _, sum := sampleState(env.sess)
	require.Equal(t, int64(10_000), sum)

	env.sess.HandleText("b1")
	var reject string
	waitFor(t, func() bool {
		for _, f := range env.ch.snapshot() {
			if len(f) > 0 && f[0] == 'r' {
				reject = f
				return true
			}
		}
		return false
	}, "a reject frame")

	ms := rejectCooldown(t, reject)
	assert.InDelta(t, 1_800_000, ms, 2000)

	env.sess.HandleText("d1")
	var reply string
	waitFor(t, func() bool {
		for _, f := range env.ch.snapshot() {
			if len(f) > 1 && f[0] == 'd' {
				reply = f
				return true
			}
		}
		return false
	}, "a cooldown reply")
	comma := indexByte(reply, ',')
	require.Positive(t, comma, "saturated ledger must carry a cooldown field")
	qms, err := strconv.ParseInt(reply[comma+1:], 36, 64)
	require.NoError(t, err)
	assert.InDelta(t, 1_800_000, qms, 2000)
}

func TestSession_CooldownAbuseCloses(t *testing.T) {
	now := time.Now().UnixMilli()
	env := newTestEnv(t, config.LimitsConfig{}, func(admin store.Store) {
		_, err := admin.Push(context.Background(), BPHRoot+"/"+testClientID, []int64{now + 600_000, 10_000})
		require.NoError(t, err)
	})
	env.ch.waitForFrame(t, "c0")

	// First boop starts the cooldown; the next five are rejected during it;
	// the one after that crosses the fail limit and the channel closes.
	for i := int64(1); i <= 7; i++ {
		env.sess.HandleText("b" + b36(i))
	}

	waitFor(t, func() bool {
		closed, _ := env.ch.closedWith()
		return closed
	}, "channel close")
	_, code := env.ch.closedWith()
	assert.Equal(t, CloseCooldownAbuse, code)

	rejects := 0
	for _, f := range env.ch.snapshot() {
		if len(f) > 0 && f[0] == 'r' {
			rejects++
		}
	}
	assert.Equal(t, 6, rejects, "the cooldown starter plus five failed retries")
}

func TestSession_HeartbeatTimeoutCloses(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{HeartbeatTimeoutMs: 60}, nil)
	env.ch.waitForFrame(t, "c0")

	waitFor(t, func() bool {
		closed, _ := env.ch.closedWith()
		return closed
	}, "heartbeat close")
	_, code := env.ch.closedWith()
	assert.Equal(t, CloseNoHeartbeat, code)
}

func TestSession_HeartbeatRearms(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{HeartbeatTimeoutMs: 120}, nil)
	env.ch.waitForFrame(t, "c0")

	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		env.sess.HandleText("h")
	}
	closed, _ := env.ch.closedWith()
	assert.False(t, closed, "heartbeats must keep the session alive")
	env.ch.waitForFrame(t, "h")
}

func TestSession_ShutdownFlush(t *testing.T) {
	connector := store.NewMemoryConnector()
	admin, err := connector.Signin(context.Background(), "admin-token")
	require.NoError(t, err)

	broker := auth.NewBroker(auth.BrokerConfig{}, nil, connector)
	ch := &fakeChannel{}
	sess := New(testClientID, ch, broker, Config{Limits: config.LimitsConfig{}}, nil)
	require.NoError(t, sess.Start(context.Background()))
	ch.waitForFrame(t, "c0")

	// Seven boops inside one sync interval, then the channel dies before
	// any GBC sync fires.
	for i := int64(1); i <= 7; i++ {
		sess.HandleText("b" + b36(i))
	}
	ch.waitForFrame(t, "c7")

	sess.HandleClose()
	<-sess.done

	raw, err := admin.Get(context.Background(), GBCPath)
	require.NoError(t, err)
	assert.Equal(t, "7", string(raw))

	ledgerRaw, err := admin.Get(context.Background(), BPHRoot+"/"+testClientID)
	require.NoError(t, err)
	var entries map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(ledgerRaw, &entries))
	require.Len(t, entries, 1)
	for _, entryRaw := range entries {
		entry, ok := DecodeBPHEntry(entryRaw)
		require.True(t, ok)
		assert.Equal(t, int64(7), entry.Change)
		assert.Greater(t, entry.ValidUntil, time.Now().UnixMilli())
	}
}

func TestSession_ExternalCountUpdates(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{}, nil)
	env.ch.waitForFrame(t, "c0")

	_, err := env.admin.AtomicAdd(context.Background(), GBCPath, 5)
	require.NoError(t, err)
	env.ch.waitForFrame(t, "c5")

	// An unchanged value is not re-announced; a higher one is.
	_, err = env.admin.AtomicAdd(context.Background(), GBCPath, 37)
	require.NoError(t, err)
	env.ch.waitForFrame(t, "c16") // 42
}

func TestSession_InvalidFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{}, nil)
	env.ch.waitForFrame(t, "c0")

	env.sess.HandleText("garbage")
	env.ch.waitForFrame(t, "i")

	env.sess.HandleText("b1")
	env.ch.waitForFrame(t, "b1")
	closed, _ := env.ch.closedWith()
	assert.False(t, closed)
}

func TestSession_GBCSyncCoalesces(t *testing.T) {
	env := newTestEnv(t, config.LimitsConfig{}, nil)
	env.ch.waitForFrame(t, "c0")

	for i := int64(1); i <= 5; i++ {
		env.sess.HandleText("b" + b36(i))
	}
	env.ch.waitForFrame(t, "c5")

	// Within one interval nothing is written yet; the trailing timer
	// issues a single atomic add for the whole batch.
	waitFor(t, func() bool {
		raw, err := env.admin.Get(context.Background(), GBCPath)
		return err == nil && string(raw) == "5"
	}, "coalesced gbc write")

	_, unsyncedGBC, _ := sampleState(env.sess)
	assert.Zero(t, unsyncedGBC)
}

func TestSession_BPHPushFailureRestores(t *testing.T) {
	connector := store.NewMemoryConnector()
	broker := auth.NewBroker(auth.BrokerConfig{}, nil, connector)
	ch := &fakeChannel{}
	sess := New(testClientID, ch, broker, Config{Limits: config.LimitsConfig{}}, nil)
	require.NoError(t, sess.Start(context.Background()))
	ch.waitForFrame(t, "c0")
	t.Cleanup(func() { sess.HandleClose(); <-sess.done })

	done := make(chan struct{})
	sess.post(func() {
		sess.st = failingPush{Store: sess.st}
		sess.unsyncedBPH = 3
		sess.syncBPH()
		close(done)
	})
	<-done

	waitFor(t, func() bool {
		bph, _, _ := sampleState(sess)
		return bph == 3
	}, "unsyncedBPH restored after failed push")
}

type failingPush struct {
	store.Store
}

func (f failingPush) Push(ctx context.Context, path string, value interface{}) (string, error) {
	return "", fmt.Errorf("push rejected")
}

func rejectCooldown(t *testing.T, reject string) int64 {
	t.Helper()
	comma := indexByte(reject, ',')
	require.Positive(t, comma)
	ms, err := strconv.ParseInt(reject[comma+1:], 36, 64)
	require.NoError(t, err)
	return ms
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
