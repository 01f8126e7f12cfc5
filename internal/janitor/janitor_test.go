package janitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/session"
	"github.com/boopnet/boopd/internal/store"
)

func newTestJanitor(t *testing.T) (*Janitor, store.Store) {
	t.Helper()
	connector := store.NewMemoryConnector()
	admin, err := connector.Signin(context.Background(), "admin-token")
	require.NoError(t, err)
	broker := auth.NewBroker(auth.BrokerConfig{}, nil, connector)
	j := New(broker, Config{Grace: time.Hour}, nil)
	return j, admin
}

func entryCount(t *testing.T, admin store.Store, path string) int {
	t.Helper()
	raw, err := admin.Get(context.Background(), path)
	require.NoError(t, err)
	if raw == nil {
		return 0
	}
	var entries map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &entries))
	return len(entries)
}

func TestSweep_RemovesStaleKeepsFresh(t *testing.T) {
	j, admin := newTestJanitor(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	_, err := admin.Push(ctx, session.BPHRoot+"/alive", []int64{now + 100_000, 5})
	require.NoError(t, err)
	_, err = admin.Push(ctx, session.BPHRoot+"/alive", []int64{now - 2*3_600_000, 3})
	require.NoError(t, err)

	require.NoError(t, j.Sweep(ctx))

	assert.Equal(t, 1, entryCount(t, admin, session.BPHRoot+"/alive"))
}

func TestSweep_GracePeriodProtectsRecentlyExpired(t *testing.T) {
	j, admin := newTestJanitor(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	// Expired ten minutes ago: inside the one-hour grace, an owning
	// session may still be flushing.
	_, err := admin.Push(ctx, session.BPHRoot+"/recent", []int64{now - 600_000, 2})
	require.NoError(t, err)

	require.NoError(t, j.Sweep(ctx))

	assert.Equal(t, 1, entryCount(t, admin, session.BPHRoot+"/recent"))
}

func TestSweep_MalformedEntryDoesNotShortCircuit(t *testing.T) {
	j, admin := newTestJanitor(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	// A malformed entry and a stale entry under the same client: both must
	// be removed in one sweep.
	_, err := admin.Push(ctx, session.BPHRoot+"/broken", "junk")
	require.NoError(t, err)
	_, err = admin.Push(ctx, session.BPHRoot+"/broken", []int64{now - 2*3_600_000, 3})
	require.NoError(t, err)
	_, err = admin.Push(ctx, session.BPHRoot+"/broken", []int64{now + 100_000, 1})
	require.NoError(t, err)

	require.NoError(t, j.Sweep(ctx))

	assert.Equal(t, 1, entryCount(t, admin, session.BPHRoot+"/broken"))
}

func TestSweep_NonMapClientSubtreeRemoved(t *testing.T) {
	j, admin := newTestJanitor(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	require.NoError(t, admin.Set(ctx, session.BPHRoot+"/leafy", 5))
	_, err := admin.Push(ctx, session.BPHRoot+"/alive", []int64{now + 100_000, 5})
	require.NoError(t, err)

	require.NoError(t, j.Sweep(ctx))

	raw, err := admin.Get(ctx, session.BPHRoot+"/leafy")
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, 1, entryCount(t, admin, session.BPHRoot+"/alive"))
}

func TestSweep_AbsentTreeReset(t *testing.T) {
	j, admin := newTestJanitor(t)
	ctx := context.Background()

	require.NoError(t, j.Sweep(ctx))

	raw, err := admin.Get(ctx, session.BPHRoot)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(raw))
}

func TestSweep_NonMapTreeReset(t *testing.T) {
	j, admin := newTestJanitor(t)
	ctx := context.Background()

	require.NoError(t, admin.Set(ctx, session.BPHRoot, 7))
	require.NoError(t, j.Sweep(ctx))

	raw, err := admin.Get(ctx, session.BPHRoot)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(raw))
}
