// Redis-backed tree store.
//
// Layout: leaves live at <prefix>leaf:<path> as raw JSON (numbers as plain
// decimal so INCRBY works), interior nodes at <prefix>node:<path> as hashes
// keyed by child name. Every mutation publishes an event on a Pub/Sub
// channel for the mutated path, so handles on other pods observe child and
// value changes the same way local ones do.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConnector opens RedisTreeStore handles against a shared client.
type RedisConnector struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisConnector wraps an already-connected go-redis client.
func NewRedisConnector(rdb *redis.Client, keyPrefix string) *RedisConnector {
	if keyPrefix == "" {
		keyPrefix = "boop:"
	}
	return &RedisConnector{rdb: rdb, prefix: keyPrefix}
}

// Signin opens a handle. The token is required but opaque to Redis; it is
// minted and validated by the credential collaborator upstream.
func (c *RedisConnector) Signin(ctx context.Context, token string) (Store, error) {
	if token == "" {
		return nil, errors.New("store: signin requires a token")
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis ping failed: %w", err)
	}
	return &RedisTreeStore{rdb: c.rdb, prefix: c.prefix}, nil
}

// RedisTreeStore is one handle onto the Redis-backed tree. Handles share
// the client; Close tears down only this handle's subscriptions.
type RedisTreeStore struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

type childEvent struct {
	Op    string          `json:"op"` // "added" | "removed"
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (s *RedisTreeStore) leafKey(path string) string   { return s.prefix + "leaf:" + path }
func (s *RedisTreeStore) nodeKey(path string) string   { return s.prefix + "node:" + path }
func (s *RedisTreeStore) childChan(path string) string { return s.prefix + "evt:" + path }
func (s *RedisTreeStore) valueChan(path string) string { return s.prefix + "evtv:" + path }

func splitParent(path string) (parent, base string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Get reads a leaf, a node, or an assembled subtree. Missing → (nil, nil).
func (s *RedisTreeStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	raw, err := s.rdb.Get(ctx, s.leafKey(path)).Result()
	if err == nil {
		return json.RawMessage(raw), nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("store: GET %s: %w", path, err)
	}

	fields, err := s.rdb.HGetAll(ctx, s.nodeKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: HGETALL %s: %w", path, err)
	}

	tree := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		tree[k] = json.RawMessage(v)
	}

	// Descendant nodes (e.g. Get("bph") assembling all client subtrees).
	pattern := s.nodeKey(path) + "/*"
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		rel := strings.TrimPrefix(key, s.nodeKey(path)+"/")
		sub, herr := s.rdb.HGetAll(ctx, key).Result()
		if herr != nil {
			return nil, fmt.Errorf("store: HGETALL %s: %w", key, herr)
		}
		node := make(map[string]interface{}, len(sub))
		for k, v := range sub {
			node[k] = json.RawMessage(v)
		}
		nestInto(tree, strings.Split(rel, "/"), node)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: SCAN %s: %w", pattern, err)
	}

	// Descendant leaves (covers malformed shapes like a scalar where a
	// subtree is expected, which the janitor must still see).
	leafPattern := s.leafKey(path) + "/*"
	liter := s.rdb.Scan(ctx, 0, leafPattern, 0).Iterator()
	for liter.Next(ctx) {
		key := liter.Val()
		rel := strings.TrimPrefix(key, s.leafKey(path)+"/")
		val, gerr := s.rdb.Get(ctx, key).Result()
		if gerr != nil {
			if gerr == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("store: GET %s: %w", key, gerr)
		}
		nestInto(tree, strings.Split(rel, "/"), json.RawMessage(val))
	}
	if err := liter.Err(); err != nil {
		return nil, fmt.Errorf("store: SCAN %s: %w", leafPattern, err)
	}

	if len(tree) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("store: assemble %s: %w", path, err)
	}
	return data, nil
}

func nestInto(tree map[string]interface{}, parts []string, val interface{}) {
	for len(parts) > 1 {
		next, ok := tree[parts[0]].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			tree[parts[0]] = next
		}
		tree = next
		parts = parts[1:]
	}
	tree[parts[0]] = val
}

// Set replaces the value at path. Objects become node hashes; anything else
// becomes a leaf. Node hashes nested more than one level below path are
// not deleted, so Get still assembles them into the subtree.
func (s *RedisTreeStore) Set(ctx context.Context, path string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal for SET %s: %w", path, err)
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(data, &obj) == nil && len(data) > 0 && data[0] == '{' {
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, s.leafKey(path), s.nodeKey(path))
		if len(obj) > 0 {
			flat := make(map[string]interface{}, len(obj))
			for k, v := range obj {
				flat[k] = string(v)
			}
			pipe.HSet(ctx, s.nodeKey(path), flat)
		}
		pipe.Publish(ctx, s.valueChan(path), string(data))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store: SET node %s: %w", path, err)
		}
		return nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.nodeKey(path))
	pipe.Set(ctx, s.leafKey(path), string(data), 0)
	pipe.Publish(ctx, s.valueChan(path), string(data))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: SET leaf %s: %w", path, err)
	}
	return nil
}

// Push appends value under path with a generated key: a zero-padded base-36
// millisecond prefix keeps keys roughly time-ordered, a uuid fragment keeps
// them unique across pods.
func (s *RedisTreeStore) Push(ctx context.Context, path string, value interface{}) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("store: marshal for PUSH %s: %w", path, err)
	}
	key := pushKey()
	if err := s.rdb.HSet(ctx, s.nodeKey(path), key, string(data)).Err(); err != nil {
		return "", fmt.Errorf("store: PUSH %s: %w", path, err)
	}
	s.publishChild(ctx, path, "added", key, data)
	return key, nil
}

func pushKey() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	for len(ts) < 9 {
		ts = "0" + ts
	}
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return ts + "-" + id[:8]
}

// Remove deletes the child entry, leaf or node hash at path and notifies
// subscribers of the removed children. Node hashes nested more than one
// level below path are not deleted.
func (s *RedisTreeStore) Remove(ctx context.Context, path string) error {
	parent, base := splitParent(path)

	// Child entry under a node hash (the common case: bph/<id>/<key>).
	if parent != "" {
		old, err := s.rdb.HGet(ctx, s.nodeKey(parent), base).Result()
		if err == nil {
			if err := s.rdb.HDel(ctx, s.nodeKey(parent), base).Err(); err != nil {
				return fmt.Errorf("store: HDEL %s: %w", path, err)
			}
			s.publishChild(ctx, parent, "removed", base, json.RawMessage(old))
			return nil
		}
		if err != redis.Nil {
			return fmt.Errorf("store: HGET %s: %w", path, err)
		}
	}

	// Whole node: emit child-removed per entry, then drop leaf + hash.
	fields, err := s.rdb.HGetAll(ctx, s.nodeKey(path)).Result()
	if err != nil {
		return fmt.Errorf("store: HGETALL %s: %w", path, err)
	}
	if err := s.rdb.Del(ctx, s.leafKey(path), s.nodeKey(path)).Err(); err != nil {
		return fmt.Errorf("store: DEL %s: %w", path, err)
	}
	for k, v := range fields {
		s.publishChild(ctx, path, "removed", k, json.RawMessage(v))
	}
	return nil
}

// AtomicAdd increments the numeric leaf at path and publishes the result.
func (s *RedisTreeStore) AtomicAdd(ctx context.Context, path string, delta int64) (int64, error) {
	v, err := s.rdb.IncrBy(ctx, s.leafKey(path), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("store: INCRBY %s: %w", path, err)
	}
	payload := strconv.FormatInt(v, 10)
	if err := s.rdb.Publish(ctx, s.valueChan(path), payload).Err(); err != nil {
		slog.Warn("[RedisTreeStore] value publish failed", "path", path, "error", err)
	}
	return v, nil
}

func (s *RedisTreeStore) publishChild(ctx context.Context, path, op, key string, value json.RawMessage) {
	ev := childEvent{Op: op, Key: key, Value: value}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("[RedisTreeStore] marshal child event failed", "path", path, "error", err)
		return
	}
	if err := s.rdb.Publish(ctx, s.childChan(path), data).Err(); err != nil {
		slog.Warn("[RedisTreeStore] child publish failed", "path", path, "op", op, "error", err)
	}
}

// Subscribe delivers child add/remove events for path until unsubscribed.
func (s *RedisTreeStore) Subscribe(ctx context.Context, path string, onAdded, onRemoved ChildFunc) (func(), error) {
	return s.subscribeRaw(ctx, s.childChan(path), func(payload string) {
		var ev childEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			slog.Warn("[RedisTreeStore] bad child event", "path", path, "error", err)
			return
		}
		switch ev.Op {
		case "added":
			if onAdded != nil {
				onAdded(ev.Key, ev.Value)
			}
		case "removed":
			if onRemoved != nil {
				onRemoved(ev.Key, ev.Value)
			}
		}
	})
}

// SubscribeValue delivers new values of the leaf at path.
func (s *RedisTreeStore) SubscribeValue(ctx context.Context, path string, onChange ValueFunc) (func(), error) {
	return s.subscribeRaw(ctx, s.valueChan(path), func(payload string) {
		if onChange != nil {
			onChange(json.RawMessage(payload))
		}
	})
}

func (s *RedisTreeStore) subscribeRaw(ctx context.Context, channel string, handler func(string)) (func(), error) {
	sub := s.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("store: subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler(msg.Payload)
		}
	}()

	unsub := func() { sub.Close() }
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
	return unsub, nil
}

// Close tears down this handle's subscriptions. The shared client stays up.
func (s *RedisTreeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	return nil
}
