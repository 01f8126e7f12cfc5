package session

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Store paths owned by the session machinery.
const (
	GBCPath = "gbc"
	BPHRoot = "bph"
)

// BPHEntry is one hourly-ledger record: Change boops admitted at a time
// that expires at ValidUntil (epoch milliseconds).
type BPHEntry struct {
	ValidUntil int64
	Change     int64
}

// DecodeBPHEntry strictly decodes the persisted form `[validUntil, change]`.
// Anything that is not a two-element array of integers with a positive
// ValidUntil is malformed and reported as such; a malformed datum never
// reaches the mirror.
func DecodeBPHEntry(raw json.RawMessage) (BPHEntry, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var arr []interface{}
	if err := dec.Decode(&arr); err != nil || len(arr) != 2 {
		return BPHEntry{}, false
	}
	// Only JSON numbers decode to json.Number; quoted strings stay strings.
	n0, ok0 := arr[0].(json.Number)
	n1, ok1 := arr[1].(json.Number)
	if !ok0 || !ok1 {
		return BPHEntry{}, false
	}
	validUntil, err1 := n0.Int64()
	change, err2 := n1.Int64()
	if err1 != nil || err2 != nil || validUntil <= 0 {
		return BPHEntry{}, false
	}
	return BPHEntry{ValidUntil: validUntil, Change: change}, true
}

// EncodeBPHEntry renders the persisted form.
func EncodeBPHEntry(e BPHEntry) []int64 {
	return []int64{e.ValidUntil, e.Change}
}

// ledger mirrors this client's bph subtree. sum always equals the sum of
// Change over the mirror.
type ledger struct {
	mirror map[string]BPHEntry
	sum    int64
}

func newLedger() *ledger {
	return &ledger{mirror: make(map[string]BPHEntry)}
}

// apply inserts or replaces the entry for key.
func (l *ledger) apply(key string, e BPHEntry) {
	if old, ok := l.mirror[key]; ok {
		l.sum -= old.Change
	}
	l.mirror[key] = e
	l.sum += e.Change
}

// drop removes the entry for key, returning it if it was known.
func (l *ledger) drop(key string) (BPHEntry, bool) {
	e, ok := l.mirror[key]
	if !ok {
		return BPHEntry{}, false
	}
	l.sum -= e.Change
	delete(l.mirror, key)
	return e, true
}

// soonestClear returns the earliest time the hourly total drops below
// limit, walking entries in expiry order. pending counts admitted boops
// not yet appended to the store. When even expiring every entry cannot
// clear the limit, the answer is a full window from now.
func (l *ledger) soonestClear(now, pending, limit, windowMs int64) int64 {
	entries := make([]BPHEntry, 0, len(l.mirror))
	for _, e := range l.mirror {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ValidUntil < entries[j].ValidUntil
	})

	virtual := l.sum + pending
	for _, e := range entries {
		virtual -= e.Change
		if virtual < limit {
			return e.ValidUntil
		}
	}
	return now + windowMs
}
