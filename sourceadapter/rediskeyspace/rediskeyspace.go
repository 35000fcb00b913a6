// Package rediskeyspace lifts Redis keyspace notifications into a
// source.Cache: a set/del/expire against a Redis key becomes an
// AddOrUpdate/Remove against a live reactive keyed collection.
//
// Like mongostream, this is an adapter — nothing under /operators imports
// go-redis, keeping the propagation algebra free of any particular
// persistence or remoting technology.
package rediskeyspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/nodestream/reactivekeys/internal/corelog"
	"github.com/nodestream/reactivekeys/scheduler"
	"github.com/nodestream/reactivekeys/source"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decode turns the raw bytes stored at a Redis key into a domain value.
type Decode[V any] func(raw []byte) (V, error)

// KeyOf derives the domain key from the Redis key name with the watched
// key-prefix already stripped.
type KeyOf[K comparable] func(redisKey string) (K, error)

// Options configures Watch. Requires the target Redis server to have
// notify-keyspace-events set to include at least "KEA" (or the narrower
// "Kg$xe" covering generic/string/expired commands) — Watch does not
// configure this itself, since CONFIG SET is a server-wide, often
// admin-restricted operation this adapter should not perform implicitly.
type Options[K comparable, V any] struct {
	// DB is the Redis logical database number the keyspace notifications
	// are scoped to (the db component of the __keyevent@<db>__ channel).
	DB int
	// KeyPrefix limits the watch to keys beginning with this prefix; only
	// the remainder is passed to KeyOf.
	KeyPrefix string
	KeyOf     KeyOf[K]
	Decode    Decode[V]
}

// Watch subscribes to every __keyevent@<db>__ channel of the configured
// database and drives a freshly constructed source.Cache from them: del
// and expired issue a Remove; every other event (set among them)
// re-fetches the key's value (GET) and issues an AddOrUpdate, or a Remove
// if the key no longer exists. Like mongostream.Watch,
// the returned Cache starts empty — callers wanting a warm start should
// seed it from a SCAN before or after calling Watch.
func Watch[K comparable, V any](
	ctx context.Context,
	client *redis.Client,
	opts Options[K, V],
) (*source.Cache[K, V], scheduler.Cancellation, error) {
	if opts.KeyOf == nil {
		return nil, nil, fmt.Errorf("rediskeyspace: KeyOf is required")
	}
	if opts.Decode == nil {
		return nil, nil, fmt.Errorf("rediskeyspace: Decode is required")
	}

	pattern := fmt.Sprintf("__keyevent@%d__:*", opts.DB)
	pubsub := client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("rediskeyspace: subscribing to %q: %w", pattern, err)
	}

	cache := source.New[K, V](nil)
	log := corelog.With(zap.String("component", "rediskeyspace"), zap.Int("db", opts.DB))

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pubsub.Close()
		runLoop(ctx, client, pubsub.Channel(), cache, opts, log)
	}()

	return cache, cancelFunc(func() {
		cancel()
		<-done
	}), nil
}

func runLoop[K comparable, V any](
	ctx context.Context,
	client *redis.Client,
	messages <-chan *redis.Message,
	cache *source.Cache[K, V],
	opts Options[K, V],
	log *zap.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			applyEvent(ctx, client, cache, opts, msg, log)
		}
	}
}

// applyEvent handles one __keyevent@<db>__:<command> message. msg.Channel
// carries the command name as its suffix; msg.Payload carries the Redis
// key the command acted on.
func applyEvent[K comparable, V any](
	ctx context.Context,
	client *redis.Client,
	cache *source.Cache[K, V],
	opts Options[K, V],
	msg *redis.Message,
	log *zap.Logger,
) {
	redisKey := msg.Payload
	if opts.KeyPrefix != "" && !strings.HasPrefix(redisKey, opts.KeyPrefix) {
		return
	}
	trimmed := strings.TrimPrefix(redisKey, opts.KeyPrefix)
	key, err := opts.KeyOf(trimmed)
	if err != nil {
		log.Warn("deriving domain key", zap.String("redis_key", redisKey), zap.Error(err))
		return
	}

	idx := strings.LastIndex(msg.Channel, ":")
	command := msg.Channel[idx+1:]

	switch command {
	case "del", "expired":
		cache.Edit(func(u *source.Updater[K, V]) {
			u.Remove(key)
		})
	default:
		raw, err := client.Get(ctx, redisKey).Bytes()
		if err != nil {
			if err == redis.Nil {
				// the key was deleted between the notification and this
				// GET; treat it the same as an explicit del.
				cache.Edit(func(u *source.Updater[K, V]) {
					u.Remove(key)
				})
				return
			}
			log.Error("fetching changed key", zap.String("redis_key", redisKey), zap.Error(err))
			return
		}
		value, err := opts.Decode(raw)
		if err != nil {
			log.Error("decoding changed key", zap.String("redis_key", redisKey), zap.Error(err))
			return
		}
		cache.Edit(func(u *source.Updater[K, V]) {
			u.AddOrUpdate(key, value)
		})
	}
}

type cancelFunc func()

func (f cancelFunc) Cancel() { f() }
