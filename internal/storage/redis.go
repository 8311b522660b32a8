package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

/*
Redis-backed slot.

Values live under "<prefix><key>". Every write is followed by a PUBLISH of
a small JSON envelope on "<prefix>changes" naming the writer's origin.
Subscribers drop envelopes carrying their own origin, which gives the same
"never notify the writer" contract as browser storage events.
*/

// RedisSlot is one tab's handle on a Redis-backed slot. Handles created from
// the same client still have distinct origins and notify each other.
type RedisSlot struct {
	rdb     *redis.Client
	prefix  string
	channel string
	origin  string
}

// RedisOption configures a RedisSlot.
type RedisOption func(*RedisSlot)

// WithRedisPrefix namespaces keys and the change channel.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisSlot) {
		s.prefix = prefix
	}
}

// NewRedisSlot creates a handle on rdb. The client is owned by the caller.
func NewRedisSlot(rdb *redis.Client, opts ...RedisOption) *RedisSlot {
	s := &RedisSlot{
		rdb:    rdb,
		prefix: "docsync:",
		origin: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.channel = s.prefix + "changes"
	return s
}

// Origin returns the id stamped on this handle's notifications.
func (s *RedisSlot) Origin() string {
	return s.origin
}

// GetItem returns the value stored under key.
func (s *RedisSlot) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, redisError("get", err)
	}
	return v, true, nil
}

// SetItem stores value under key and announces the change.
func (s *RedisSlot) SetItem(ctx context.Context, key, value string) error {
	old, err := s.rdb.GetSet(ctx, s.prefix+key, value).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return redisError("set", err)
	}
	if old == value && err == nil {
		return nil
	}
	return s.announce(ctx, key, old, value)
}

// RemoveItem deletes key and announces the change.
func (s *RedisSlot) RemoveItem(ctx context.Context, key string) error {
	old, err := s.rdb.GetDel(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return redisError("remove", err)
	}
	return s.announce(ctx, key, old, "")
}

func (s *RedisSlot) announce(ctx context.Context, key, oldValue, newValue string) error {
	payload, err := newEnvelope(s.origin, key, oldValue, newValue).marshal()
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		return redisError("publish", err)
	}
	return nil
}

// Watch subscribes fn to changes made through other handles. It returns
// once the subscription is confirmed by the server, so no later write is
// missed.
func (s *RedisSlot) Watch(ctx context.Context, fn Listener) (Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, redisError("subscribe", err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	messages := pubsub.Channel()

	go func() {
		defer close(sub.done)
		for msg := range messages {
			env, err := parseEnvelope(msg.Payload)
			if err != nil {
				log.Printf("⚠️  Ignoring change notification on %s: %v", s.channel, err)
				continue
			}
			if env.Origin == s.origin {
				continue
			}
			fn(Event{Key: env.Key, OldValue: env.Old, NewValue: env.New})
		}
	}()

	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
	err    error
}

// Close unsubscribes and waits for the delivery goroutine to exit. It must
// not be called from inside the listener.
func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		<-s.done
	})
	return s.err
}

func redisError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if strings.HasPrefix(err.Error(), "OOM") {
		return fmt.Errorf("%w: redis %s: %v", ErrQuotaExceeded, op, err)
	}
	return fmt.Errorf("%w: redis %s: %v", ErrUnavailable, op, err)
}
