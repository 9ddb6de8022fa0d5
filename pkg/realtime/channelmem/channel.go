// Package channelmem provides an in-process realtime.Channel backed by
// Watermill's gochannel Pub/Sub. It is used by tests and the local demo mode
// of the CLI; semantics mirror the hosted backends in channelredis and
// channelws.
package channelmem

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
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

// Channel is a path-addressable tree held in memory, with change fan-out over
// a gochannel Pub/Sub.
type Channel struct {
	pubsub *gochannel.GoChannel
	mgr    *realtime.Manager

	mu           sync.Mutex
	children     map[string]map[string]json.RawMessage
	values       map[string]json.RawMessage
	onDisconnect map[string]json.RawMessage
	closed       bool
}

func New() *Channel {
	c := &Channel{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			logging.NewWatermill(log.Logger),
		),
		children:     map[string]map[string]json.RawMessage{},
		values:       map[string]json.RawMessage{},
		onDisconnect: map[string]json.RawMessage{},
	}
	c.mgr = realtime.NewManager(func(context.Context) error { return nil })
	return c
}

func (c *Channel) Status() *realtime.Manager {
	return c.mgr
}

func childTopic(path string) string { return "child:" + path }
func valueTopic(path string) string { return "value:" + path }

func (c *Channel) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encode value")
	}
	parent, key := realtime.ParentKey(path)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("channel closed")
	}
	kind := kindAdded
	if _, ok := c.children[parent][key]; ok {
		kind = kindChanged
	}
	if c.children[parent] == nil {
		c.children[parent] = map[string]json.RawMessage{}
	}
	c.children[parent][key] = raw
	c.values[path] = raw
	assembled, _ := json.Marshal(c.children[parent])
	c.mu.Unlock()

	child := message.NewMessage(watermill.NewUUID(), raw)
	child.Metadata.Set(metaKind, kind)
	child.Metadata.Set(metaKey, key)
	if err := c.pubsub.Publish(childTopic(parent), child); err != nil {
		return errors.Wrap(err, "publish child event")
	}
	if err := c.pubsub.Publish(valueTopic(path), message.NewMessage(watermill.NewUUID(), raw)); err != nil {
		return errors.Wrap(err, "publish value event")
	}
	if err := c.pubsub.Publish(valueTopic(parent), message.NewMessage(watermill.NewUUID(), assembled)); err != nil {
		return errors.Wrap(err, "publish parent value event")
	}
	return nil
}

func (c *Channel) Remove(ctx context.Context, path string) error {
	parent, key := realtime.ParentKey(path)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("channel closed")
	}
	delete(c.values, path)
	if kids, ok := c.children[parent]; ok {
		delete(kids, key)
	}
	assembled, _ := json.Marshal(c.children[parent])
	c.mu.Unlock()

	if err := c.pubsub.Publish(valueTopic(path), message.NewMessage(watermill.NewUUID(), nil)); err != nil {
		return errors.Wrap(err, "publish value removal")
	}
	if err := c.pubsub.Publish(valueTopic(parent), message.NewMessage(watermill.NewUUID(), assembled)); err != nil {
		return errors.Wrap(err, "publish parent value event")
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
	return c.subscribeChild(ctx, path, kindAdded, fn)
}

func (c *Channel) SubscribeChildChanged(ctx context.Context, path string, fn realtime.ChildFn) (realtime.Unsubscribe, error) {
	return c.subscribeChild(ctx, path, kindChanged, fn)
}

func (c *Channel) subscribeChild(ctx context.Context, path, kind string, fn realtime.ChildFn) (realtime.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := c.pubsub.Subscribe(subCtx, childTopic(path))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe child events")
	}
	go func() {
		for msg := range ch {
			if msg.Metadata.Get(metaKind) == kind {
				fn(msg.Metadata.Get(metaKey), msg.Payload)
			}
			msg.Ack()
		}
	}()
	return realtime.Unsubscribe(cancel), nil
}

func (c *Channel) SubscribeValue(ctx context.Context, path string, fn realtime.ValueFn) (realtime.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := c.pubsub.Subscribe(subCtx, valueTopic(path))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe value events")
	}
	go func() {
		for msg := range ch {
			fn(msg.Payload)
			msg.Ack()
		}
	}()

	// Deliver the current value once the live subscription is in place.
	c.mu.Lock()
	snapshot, ok := c.values[path]
	if !ok {
		if kids, has := c.children[path]; has && len(kids) > 0 {
			snapshot, _ = json.Marshal(kids)
			ok = true
		}
	}
	c.mu.Unlock()
	if ok {
		fn(snapshot)
	}
	return realtime.Unsubscribe(cancel), nil
}

// Drop simulates an unclean client disconnect: the registered on-disconnect
// writes are applied and the manager observes the drop.
func (c *Channel) Drop(ctx context.Context) {
	c.mu.Lock()
	pending := c.onDisconnect
	c.onDisconnect = map[string]json.RawMessage{}
	c.mu.Unlock()

	for path, raw := range pending {
		var v json.RawMessage = raw
		if err := c.Write(ctx, path, v); err != nil {
			log.Debug().Err(err).Str("component", "channelmem").Str("path", path).Msg("on-disconnect write failed")
		}
	}
	c.mgr.NotifyDisconnect()
}

// Close applies pending on-disconnect writes and shuts the pub/sub down.
func (c *Channel) Close(ctx context.Context) error {
	c.Drop(ctx)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.mgr.Close()
	return c.pubsub.Close()
}

var _ realtime.Channel = (*Channel)(nil)
