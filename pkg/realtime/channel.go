// Package realtime defines the push channel abstraction the chat core is
// built against, plus the shared connection-health manager. Concrete
// transports live in the channelmem, channelredis and channelws subpackages.
package realtime

import "context"

// Unsubscribe releases a single subscription. Calling it more than once is
// safe.
type Unsubscribe func()

// ChildFn receives a keyed entry appearing or changing under a subscribed
// path.
type ChildFn func(key string, raw []byte)

// ValueFn receives the serialized value of a subscribed path.
type ValueFn func(raw []byte)

// Channel is a path-addressable pub/sub tree. Paths are slash-separated,
// e.g. "chats/<conv>/messages" holds keyed message entries and
// "status/<user>" holds a single presence value.
//
// All subscription callbacks may fire on transport goroutines; consumers are
// responsible for their own serialization.
type Channel interface {
	// SubscribeChildAdded observes new keyed entries under path.
	SubscribeChildAdded(ctx context.Context, path string, fn ChildFn) (Unsubscribe, error)
	// SubscribeChildChanged observes overwrites of existing keyed entries
	// under path.
	SubscribeChildChanged(ctx context.Context, path string, fn ChildFn) (Unsubscribe, error)
	// SubscribeValue observes the value at path. The current value, if any,
	// is delivered once on subscribe. For paths holding keyed children the
	// value is the JSON object of all children.
	SubscribeValue(ctx context.Context, path string, fn ValueFn) (Unsubscribe, error)
	// Write stores value at path and notifies subscribers.
	Write(ctx context.Context, path string, value any) error
	// Remove deletes the value at path and notifies value subscribers of the
	// parent.
	Remove(ctx context.Context, path string) error
	// OnDisconnect registers a write applied server-side (or on Close) when
	// the client goes away uncleanly.
	OnDisconnect(path string, value any) error
	// Status exposes the connection-health state of the underlying transport.
	Status() *Manager
}

// ParentKey splits a path into its parent path and final segment.
func ParentKey(path string) (parent, key string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return "", path
}
