// Package mongostream lifts a MongoDB change stream into a source.Cache: an
// external collection's inserts/updates/deletes become a live reactive
// keyed collection, instead of requiring callers to poll or re-query.
//
// This is deliberately an adapter, not part of the operator core — nothing
// under /operators imports mongo-driver, keeping the propagation algebra
// free of any particular persistence or remoting technology.
package mongostream

import (
	"context"
	"fmt"

	"github.com/nodestream/reactivekeys/internal/corelog"
	"github.com/nodestream/reactivekeys/scheduler"
	"github.com/nodestream/reactivekeys/source"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// KeyOf derives a K from a decoded full document (the post-image of an
// insert/update/replace). It is not asked to handle deletes — Options.KeyOfDeleted
// covers that case, since a delete event's fullDocument is absent.
type KeyOf[K comparable, V any] func(V) K

// KeyOfDeleted derives a K from the raw documentKey of a delete event,
// which carries only the deleted document's _id, not its value.
type KeyOfDeleted[K comparable] func(documentKey bson.M) (K, error)

// Options configures Watch. Pipeline and Stream default to a single
// $match stage over insert/update/replace/delete and
// options.ChangeStream().SetFullDocument(options.UpdateLookup), matching the
// defaults a caller would reach for by hand.
type Options[K comparable, V any] struct {
	Pipeline     mongo.Pipeline
	Stream       *options.ChangeStreamOptions
	KeyOf        KeyOf[K, V]
	KeyOfDeleted KeyOfDeleted[K]
}

func (o *Options[K, V]) pipeline() mongo.Pipeline {
	if len(o.Pipeline) > 0 {
		return o.Pipeline
	}
	return mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{
				{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}},
			}},
		}}},
	}
}

func (o *Options[K, V]) streamOpts() *options.ChangeStreamOptions {
	if o.Stream != nil {
		return o.Stream
	}
	return options.ChangeStream().SetFullDocument(options.UpdateLookup)
}

// Watch opens a change stream against coll and drives a freshly constructed
// source.Cache from it: every insert/update/replace becomes an AddOrUpdate,
// every delete becomes a Remove. It blocks until the stream's first batch
// window opens (mirrors mongo.Collection.Watch's own synchronous open) and
// then drives the cache from a background goroutine until ctx is cancelled
// or the returned Cancellation is called.
//
// The returned Cache starts empty: unlike source.Cache.Connect's synthetic
// initial snapshot, Watch does not perform an initial Find — callers that
// need a warm start should seed the cache (via Edit) from their own query
// before or after calling Watch, same as the collection's own change stream
// carries no pre-existing documents.
func Watch[K comparable, V any](
	ctx context.Context,
	coll *mongo.Collection,
	opts Options[K, V],
) (*source.Cache[K, V], scheduler.Cancellation, error) {
	if opts.KeyOf == nil {
		return nil, nil, fmt.Errorf("mongostream: KeyOf is required")
	}
	if opts.KeyOfDeleted == nil {
		return nil, nil, fmt.Errorf("mongostream: KeyOfDeleted is required")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := coll.Watch(streamCtx, opts.pipeline(), opts.streamOpts())
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("mongostream: opening change stream: %w", err)
	}

	cache := source.New[K, V](nil)
	log := corelog.With(zap.String("component", "mongostream"), zap.String("collection", coll.Name()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stream.Close(context.Background())
		runLoop(streamCtx, stream, cache, opts, log)
	}()

	return cache, cancelFunc(func() {
		cancel()
		<-done
	}), nil
}

func runLoop[K comparable, V any](
	ctx context.Context,
	stream *mongo.ChangeStream,
	cache *source.Cache[K, V],
	opts Options[K, V],
	log *zap.Logger,
) {
	for stream.Next(ctx) {
		var event bson.M
		if err := stream.Decode(&event); err != nil {
			log.Error("decoding change stream event", zap.Error(err))
			continue
		}
		applyEvent(cache, opts, event, log)
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		log.Error("change stream terminated with error", zap.Error(err))
	}
}

func applyEvent[K comparable, V any](cache *source.Cache[K, V], opts Options[K, V], event bson.M, log *zap.Logger) {
	operationType, _ := event["operationType"].(string)

	if operationType == "delete" {
		docKey, _ := event["documentKey"].(bson.M)
		key, err := opts.KeyOfDeleted(docKey)
		if err != nil {
			log.Warn("deriving key for delete event", zap.Error(err))
			return
		}
		cache.Edit(func(u *source.Updater[K, V]) {
			u.Remove(key)
		})
		return
	}

	fullDoc, ok := event["fullDocument"].(bson.M)
	if !ok {
		log.Warn("change event missing fullDocument, skipping", zap.String("operationType", operationType))
		return
	}
	raw, err := bson.Marshal(fullDoc)
	if err != nil {
		log.Error("marshaling fullDocument", zap.Error(err))
		return
	}
	var value V
	if err := bson.Unmarshal(raw, &value); err != nil {
		log.Error("unmarshaling fullDocument", zap.Error(err))
		return
	}
	key := opts.KeyOf(value)
	cache.Edit(func(u *source.Updater[K, V]) {
		u.AddOrUpdate(key, value)
	})
}

type cancelFunc func()

func (f cancelFunc) Cancel() { f() }
