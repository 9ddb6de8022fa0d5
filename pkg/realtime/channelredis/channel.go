// Package channelredis provides a realtime.Channel backed by Redis: change
// events fan out over Redis Streams (via Watermill) and current state lives
// in hashes so value subscribers can seed from a snapshot.
package channelredis

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/campusmarket/chatsync/pkg/logging"
	"github.com/campusmarket/chatsync/pkg/realtime"
)

const (
	metaKind = "kind"
	metaKey  = "key"

	kindAdded   = "added"
	kindChanged = "changed"
)

// Channel stores the path tree in Redis hashes (one hash per parent path)
// and publishes change events to per-path streams.
//
// OnDisconnect writes are applied on Close; unclean disconnects rely on the
// backend expiring presence state, Redis has no server-side disconnect hook.
type Channel struct {
	client *redis.Client
	pub    message.Publisher
	prefix string
	mgr    *realtime.Manager

	mu           sync.Mutex
	onDisconnect map[string]json.RawMessage
}

type Option func(*Channel)

// WithPrefix namespaces all keys and streams (default "chatsync").
func WithPrefix(prefix string) Option {
	return func(c *Channel) { c.prefix = prefix }
}

func New(addr string, opts ...Option) (*Channel, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	c := &Channel{
		client:       client,
		prefix:       "chatsync",
		onDisconnect: map[string]json.RawMessage{},
	}
	for _, opt := range opts {
		opt(c)
	}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logging.NewWatermill(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "build redis publisher")
	}
	c.pub = pub

	c.mgr = realtime.NewManager(func(ctx context.Context) error {
		return c.client.Ping(ctx).Err()
	})
	return c, nil
}

func (c *Channel) Status() *realtime.Manager {
	return c.mgr
}

func (c *Channel) hashKey(path string) string {
	return c.prefix + ":state:" + path
}

func (c *Channel) streamKey(path string) string {
	return c.prefix + ":events:" + path
}

func (c *Channel) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encode value")
	}
	parent, key := realtime.ParentKey(path)

	existed, err := c.client.HExists(ctx, c.hashKey(parent), key).Result()
	if err != nil {
		c.mgr.NotifyDisconnect()
		return errors.Wrap(err, "check existing entry")
	}
	if err := c.client.HSet(ctx, c.hashKey(parent), key, string(raw)).Err(); err != nil {
		c.mgr.NotifyDisconnect()
		return errors.Wrap(err, "store value")
	}

	kind := kindAdded
	if existed {
		kind = kindChanged
	}
	msg := message.NewMessage(watermill.NewUUID(), raw)
	msg.Metadata.Set(metaKind, kind)
	msg.Metadata.Set(metaKey, key)
	if err := c.pub.Publish(c.streamKey(parent), msg); err != nil {
		return errors.Wrap(err, "publish change event")
	}
	return nil
}

func (c *Channel) Remove(ctx context.Context, path string) error {
	parent, key := realtime.ParentKey(path)
	if err := c.client.HDel(ctx, c.hashKey(parent), key).Err(); err != nil {
		c.mgr.NotifyDisconnect()
		return errors.Wrap(err, "delete value")
	}
	msg := message.NewMessage(watermill.NewUUID(), nil)
	msg.Metadata.Set(metaKind, "removed")
	msg.Metadata.Set(metaKey, key)
	if err := c.pub.Publish(c.streamKey(parent), msg); err != nil {
		return errors.Wrap(err, "publish removal event")
	}
	return nil
}

func (c *Channel) OnDisconnect(path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encode on-disconnect value")
	}
	c.mu.Lock()
	c.onDisconnect[path] = raw
	c.mu.Unlock()
	return nil
}

func (c *Channel) SubscribeChildAdded(ctx context.Context, path string, fn realtime.ChildFn) (realtime.Unsubscribe, error) {
	return c.subscribeKind(ctx, path, kindAdded, fn)
}

func (c *Channel) SubscribeChildChanged(ctx context.Context, path string, fn realtime.ChildFn) (realtime.Unsubscribe, error) {
	return c.subscribeKind(ctx, path, kindChanged, fn)
}

func (c *Channel) subscribeKind(ctx context.Context, path, kind string, fn realtime.ChildFn) (realtime.Unsubscribe, error) {
	return c.subscribeStream(ctx, path, func(msg *message.Message) {
		if msg.Metadata.Get(metaKind) == kind {
			fn(msg.Metadata.Get(metaKey), msg.Payload)
		}
	})
}

// SubscribeValue watches both shapes a path can take. A leaf write publishes
// to the parent's stream keyed by the final segment; keyed children publish
// to the path's own stream. Which shape applies may not be known yet (the
// writer may not have written anything), so both streams are watched from the
// start instead of classifying once at subscribe time. The current snapshot,
// if any, is delivered after the live subscriptions are in place.
func (c *Channel) SubscribeValue(ctx context.Context, path string, fn realtime.ValueFn) (realtime.Unsubscribe, error) {
	parent, key := realtime.ParentKey(path)

	leafUnsub, err := c.subscribeStream(ctx, parent, leafValueHandler(key, fn))
	if err != nil {
		return nil, err
	}
	treeUnsub, err := c.subscribeStream(ctx, path, func(*message.Message) {
		assembled, aerr := c.assemble(context.Background(), path)
		if aerr != nil {
			log.Debug().Err(aerr).Str("component", "channelredis").Str("path", path).Msg("reassemble failed")
			return
		}
		fn(assembled)
	})
	if err != nil {
		leafUnsub()
		return nil, err
	}

	if raw, gerr := c.client.HGet(ctx, c.hashKey(parent), key).Result(); gerr == nil {
		fn([]byte(raw))
	} else if entries, aerr := c.client.HGetAll(ctx, c.hashKey(path)).Result(); aerr == nil && len(entries) > 0 {
		if assembled, merr := marshalEntries(entries); merr == nil {
			fn(assembled)
		}
	}
	return func() {
		leafUnsub()
		treeUnsub()
	}, nil
}

// leafValueHandler narrows a parent-stream event down to the entry for key.
func leafValueHandler(key string, fn realtime.ValueFn) func(*message.Message) {
	return func(msg *message.Message) {
		if msg.Metadata.Get(metaKey) == key {
			fn(msg.Payload)
		}
	}
}

func (c *Channel) assemble(ctx context.Context, path string) ([]byte, error) {
	entries, err := c.client.HGetAll(ctx, c.hashKey(path)).Result()
	if err != nil {
		return nil, err
	}
	return marshalEntries(entries)
}

func marshalEntries(entries map[string]string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		out[k] = json.RawMessage(v)
	}
	return json.Marshal(out)
}

// subscribeStream reads a per-path stream without a consumer group so every
// client observes every event. The group-at-tail trick is not needed here;
// ungrouped subscribers start at the stream tail.
func (c *Channel) subscribeStream(ctx context.Context, path string, fn func(*message.Message)) (realtime.Unsubscribe, error) {
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       c.client,
		Unmarshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logging.NewWatermill(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "build redis subscriber")
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := sub.Subscribe(subCtx, c.streamKey(path))
	if err != nil {
		cancel()
		_ = sub.Close()
		return nil, errors.Wrap(err, "subscribe stream")
	}
	go func() {
		for msg := range ch {
			fn(msg)
			msg.Ack()
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := sub.Close(); err != nil && !strings.Contains(err.Error(), "closed") {
				log.Debug().Err(err).Str("component", "channelredis").Msg("subscriber close failed")
			}
		})
	}, nil
}

// Close applies pending on-disconnect writes and releases the Redis client.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	pending := c.onDisconnect
	c.onDisconnect = map[string]json.RawMessage{}
	c.mu.Unlock()
	for path, raw := range pending {
		if err := c.Write(ctx, path, raw); err != nil {
			log.Debug().Err(err).Str("component", "channelredis").Str("path", path).Msg("on-disconnect write failed")
		}
	}
	c.mgr.Close()
	if err := c.pub.Close(); err != nil {
		log.Debug().Err(err).Str("component", "channelredis").Msg("publisher close failed")
	}
	return c.client.Close()
}

var _ realtime.Channel = (*Channel)(nil)
