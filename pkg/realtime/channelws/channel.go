// Package channelws provides the websocket client implementation of
// realtime.Channel. A single socket carries JSON frames for every subscribed
// path; the shared connection manager drives reconnects and re-subscribes on
// every successful dial.
package channelws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/campusmarket/chatsync/pkg/realtime"
)

const (
	opSubscribe    = "subscribe"
	opUnsubscribe  = "unsubscribe"
	opWrite        = "write"
	opRemove       = "remove"
	opOnDisconnect = "ondisconnect"

	kindAdded   = "added"
	kindChanged = "changed"
	kindValue   = "value"

	defaultPingInterval = 20 * time.Second
	defaultPongWait     = 45 * time.Second
)

var ErrNotConnected = errors.New("websocket not connected")

// frame is the wire format in both directions. Outbound frames carry Op;
// inbound frames carry Kind.
type frame struct {
	Op    string          `json:"op,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	Path  string          `json:"path"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

type subscription struct {
	path    string
	kind    string
	childFn realtime.ChildFn
	valueFn realtime.ValueFn
}

// Channel multiplexes path subscriptions over one websocket.
type Channel struct {
	url string
	mgr *realtime.Manager

	pingInterval time.Duration
	pongWait     time.Duration

	mu           sync.Mutex
	conn         *websocket.Conn
	subs         map[int]*subscription
	nextSubID    int
	onDisconnect map[string]json.RawMessage
	closed       bool

	writeMu sync.Mutex
}

type Option func(*Channel)

func WithPingInterval(d time.Duration) Option {
	return func(c *Channel) { c.pingInterval = d }
}

func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:          url,
		pingInterval: defaultPingInterval,
		pongWait:     defaultPongWait,
		subs:         map[int]*subscription{},
		onDisconnect: map[string]json.RawMessage{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mgr = realtime.NewManager(c.dial)
	return c
}

func (c *Channel) Status() *realtime.Manager {
	return c.mgr
}

// dial establishes the socket and replays all active subscriptions and
// on-disconnect registrations, so reconnects are transparent to sessions.
func (c *Channel) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.url)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("channel closed")
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	paths := map[string]struct{}{}
	for _, sub := range c.subs {
		paths[sub.path] = struct{}{}
	}
	pending := make(map[string]json.RawMessage, len(c.onDisconnect))
	for p, v := range c.onDisconnect {
		pending[p] = v
	}
	c.mu.Unlock()

	for path := range paths {
		if err := c.send(conn, frame{Op: opSubscribe, Path: path}); err != nil {
			return err
		}
	}
	for path, raw := range pending {
		if err := c.send(conn, frame{Op: opOnDisconnect, Path: path, Value: raw}); err != nil {
			return err
		}
	}

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			closed := c.closed
			c.mu.Unlock()
			if current && !closed {
				log.Warn().Err(err).Str("component", "channelws").Msg("websocket read failed")
				c.mgr.NotifyDisconnect()
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("component", "channelws").Msg("dropping undecodable frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Channel) dispatch(f frame) {
	c.mu.Lock()
	matches := make([]*subscription, 0, 4)
	for _, sub := range c.subs {
		if sub.path == f.Path && sub.kind == f.Kind {
			matches = append(matches, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range matches {
		switch f.Kind {
		case kindValue:
			sub.valueFn(f.Value)
		default:
			sub.childFn(f.Key, f.Value)
		}
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		current := c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			return
		}
	}
}

func (c *Channel) send(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (c *Channel) sendCurrent(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.send(conn, f)
}

func (c *Channel) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encode value")
	}
	return c.sendCurrent(frame{Op: opWrite, Path: path, Value: raw})
}

func (c *Channel) Remove(ctx context.Context, path string) error {
	return c.sendCurrent(frame{Op: opRemove, Path: path})
}

// OnDisconnect registers a server-applied write for when the socket drops
// uncleanly. The registration survives reconnects.
func (c *Channel) OnDisconnect(path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encode on-disconnect value")
	}
	c.mu.Lock()
	c.onDisconnect[path] = raw
	c.mu.Unlock()
	if err := c.sendCurrent(frame{Op: opOnDisconnect, Path: path, Value: raw}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (c *Channel) SubscribeChildAdded(ctx context.Context, path string, fn realtime.ChildFn) (realtime.Unsubscribe, error) {
	return c.subscribe(&subscription{path: path, kind: kindAdded, childFn: fn})
}

func (c *Channel) SubscribeChildChanged(ctx context.Context, path string, fn realtime.ChildFn) (realtime.Unsubscribe, error) {
	return c.subscribe(&subscription{path: path, kind: kindChanged, childFn: fn})
}

func (c *Channel) SubscribeValue(ctx context.Context, path string, fn realtime.ValueFn) (realtime.Unsubscribe, error) {
	return c.subscribe(&subscription{path: path, kind: kindValue, valueFn: fn})
}

func (c *Channel) subscribe(sub *subscription) (realtime.Unsubscribe, error) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = sub
	first := true
	for sid, other := range c.subs {
		if sid != id && other.path == sub.path {
			first = false
			break
		}
	}
	c.mu.Unlock()

	// The server tracks one subscription per path; only announce new paths.
	if first {
		if err := c.sendCurrent(frame{Op: opSubscribe, Path: sub.path}); err != nil && !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(id) })
	}, nil
}

func (c *Channel) unsubscribe(id int) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, id)
	last := true
	for _, other := range c.subs {
		if other.path == sub.path {
			last = false
			break
		}
	}
	c.mu.Unlock()

	if last {
		if err := c.sendCurrent(frame{Op: opUnsubscribe, Path: sub.path}); err != nil && !errors.Is(err, ErrNotConnected) {
			log.Debug().Err(err).Str("component", "channelws").Str("path", sub.path).Msg("unsubscribe frame failed")
		}
	}
}

// Close shuts the socket down. The server applies registered on-disconnect
// writes when it observes the close.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.mgr.Close()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

var _ realtime.Channel = (*Channel)(nil)
