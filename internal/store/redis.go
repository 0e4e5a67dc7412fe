// internal/store/redis.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// channelPrefix namespaces the pub/sub channels that carry change
// notifications, one channel per path.
const channelPrefix = "quizwheel:"

// RedisStore implements Store and DisconnectRegistry on a single Redis
// instance. Every path is a Redis key holding a JSON document; change
// notification rides pub/sub (each write publishes the new value on the
// path's channel, "null" on delete). Disconnect hooks are kept in process
// memory: this server owns the client transports, so it is the one that
// observes the drop and commits the pre-registered writes.
type RedisStore struct {
	rdb    *redis.Client
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]map[string]Value
}

// NewRedisStore connects to Redis and pings it once to fail fast.
func NewRedisStore(addr string, db int, logger *log.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &RedisStore{
		rdb:     rdb,
		logger:  logger,
		pending: make(map[string]map[string]Value),
	}, nil
}

// Client exposes the underlying client for collaborators that share the
// connection (the standings archive queue).
func (s *RedisStore) Client() *redis.Client { return s.rdb }

func (s *RedisStore) Get(ctx context.Context, path string) (Value, error) {
	raw, err := s.rdb.Get(ctx, path).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w: %v", path, ErrUnavailable, err)
	}
	return Value(raw), nil
}

func (s *RedisStore) Set(ctx context.Context, path string, v interface{}) error {
	return s.MultiWrite(ctx, map[string]interface{}{path: v})
}

func (s *RedisStore) MultiWrite(ctx context.Context, writes map[string]interface{}) error {
	encoded := make(map[string]Value, len(writes))
	for path, v := range writes {
		if v == nil {
			encoded[path] = nil
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal value for %s: %w", path, err)
		}
		encoded[path] = Value(b)
	}
	return s.multiWriteEncoded(ctx, encoded)
}

func (s *RedisStore) multiWriteEncoded(ctx context.Context, encoded map[string]Value) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for path, v := range encoded {
			if v == nil {
				pipe.Del(ctx, path)
				pipe.Publish(ctx, channelPrefix+path, "null")
			} else {
				pipe.Set(ctx, path, string(v), 0)
				pipe.Publish(ctx, channelPrefix+path, string(v))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("multi-write of %d path(s): %w: %v", len(encoded), ErrUnavailable, err)
	}
	return nil
}

func decodePayload(payload string) Value {
	if payload == "null" {
		return nil
	}
	return Value(payload)
}

func (s *RedisStore) Subscribe(ctx context.Context, path string, fn func(Value)) (UnsubscribeFunc, error) {
	sub := s.rdb.Subscribe(ctx, channelPrefix+path)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w: %v", path, ErrUnavailable, err)
	}

	cur, err := s.Get(ctx, path)
	if err != nil {
		sub.Close()
		return nil, err
	}
	fn(cur)

	go func() {
		for msg := range sub.Channel() {
			fn(decodePayload(msg.Payload))
		}
	}()

	return func() {
		if err := sub.Close(); err != nil {
			s.logger.WithError(err).Warn("closing path subscription")
		}
	}, nil
}

func (s *RedisStore) SubscribePrefix(ctx context.Context, prefix string, fn func(string, Value)) (UnsubscribeFunc, error) {
	sub := s.rdb.PSubscribe(ctx, channelPrefix+prefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe prefix %s: %w: %v", prefix, ErrUnavailable, err)
	}

	existing, err := s.ListPrefix(ctx, prefix)
	if err != nil {
		sub.Close()
		return nil, err
	}
	for p, v := range existing {
		fn(p, v)
	}

	go func() {
		for msg := range sub.Channel() {
			path := strings.TrimPrefix(msg.Channel, channelPrefix)
			fn(path, decodePayload(msg.Payload))
		}
	}()

	return func() {
		if err := sub.Close(); err != nil {
			s.logger.WithError(err).Warn("closing prefix subscription")
		}
	}, nil
}

func (s *RedisStore) ListPrefix(ctx context.Context, prefix string) (map[string]Value, error) {
	out := make(map[string]Value)
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w: %v", prefix, ErrUnavailable, err)
		}
		out[key] = Value(raw)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w: %v", prefix, ErrUnavailable, err)
	}
	return out, nil
}

func (s *RedisStore) SetOnDisconnect(session, path string, v interface{}) error {
	var val Value
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal disconnect value for %s: %w", path, err)
		}
		val = Value(b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[session] == nil {
		s.pending[session] = make(map[string]Value)
	}
	s.pending[session][path] = val
	return nil
}

func (s *RedisStore) CancelOnDisconnect(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, session)
}

func (s *RedisStore) FireDisconnect(ctx context.Context, session string) {
	s.mu.Lock()
	writes := s.pending[session]
	delete(s.pending, session)
	s.mu.Unlock()
	if len(writes) == 0 {
		return
	}
	if err := s.multiWriteEncoded(ctx, writes); err != nil {
		// The stale sweep is the backstop when this write is lost.
		s.logger.WithError(err).WithField("session", session).
			Error("failed to commit disconnect writes")
	}
}
