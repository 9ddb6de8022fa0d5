package chat

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campusmarket/chatsync/pkg/realtime"
)

const (
	defaultPageSize     = 50
	defaultSettleDelay  = 1 * time.Second
	defaultTypingExpiry = 3 * time.Second
)

// Session reconciles the paginated REST history of one conversation with the
// live push stream, and owns all per-conversation state: message store,
// watermark, loading/sending flags, typing and presence. One Session serves
// one active conversation view at a time; Activate switches conversations
// atomically.
//
// Snapshot accessors are safe to call from any goroutine.
type Session struct {
	api      HistoryAPI
	channel  realtime.Channel
	userID   int64
	userName string

	pageSize     int
	settleDelay  time.Duration
	typingExpiry time.Duration
	notify       func()

	mu            sync.Mutex
	conv          Conversation
	active        bool
	epoch         uint64
	store         *MessageStore
	watermark     int64
	historyLoaded bool
	loading       bool
	sending       bool
	errMsg        string
	otherTyping   bool
	remote        Presence
	disposers     []realtime.Unsubscribe
	typingTimer   *time.Timer
	attachTimer   *time.Timer

	// seam for tests
	afterFunc func(d time.Duration, fn func()) *time.Timer
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithPageSize sets the history page size (default 50).
func WithPageSize(n int) SessionOption {
	return func(s *Session) { s.pageSize = n }
}

// WithSettleDelay sets the delay between history load and live listener
// attachment (default 1s). The delay lets the connection and the watermark
// settle before live events are compared against it.
func WithSettleDelay(d time.Duration) SessionOption {
	return func(s *Session) { s.settleDelay = d }
}

// WithTypingExpiry sets the typing indicator auto-clear timeout (default 3s).
func WithTypingExpiry(d time.Duration) SessionOption {
	return func(s *Session) { s.typingExpiry = d }
}

// WithNotify registers a callback invoked after every observable state
// change. UIs use it to schedule a re-render.
func WithNotify(fn func()) SessionOption {
	return func(s *Session) { s.notify = fn }
}

func NewSession(api HistoryAPI, channel realtime.Channel, userID int64, userName string, opts ...SessionOption) *Session {
	s := &Session{
		api:          api,
		channel:      channel,
		userID:       userID,
		userName:     userName,
		pageSize:     defaultPageSize,
		settleDelay:  defaultSettleDelay,
		typingExpiry: defaultTypingExpiry,
		store:        NewMessageStore(),
		afterFunc:    time.AfterFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Activate makes conv the session's active conversation. Switching resets the
// store, the watermark and the history flag together, and detaches all
// listeners of the previous conversation before the new history load begins.
// Re-activating the already-active conversation is a no-op unless its history
// load failed, in which case the fetch is retried.
func (s *Session) Activate(ctx context.Context, conv Conversation) error {
	s.mu.Lock()
	if s.active && s.conv.ID == conv.ID && (s.historyLoaded || s.loading) {
		s.mu.Unlock()
		return nil
	}
	s.detachLocked()
	s.resetLocked()
	s.epoch++
	epoch := s.epoch
	s.conv = conv
	s.active = true
	s.loading = true
	s.mu.Unlock()
	s.changed()

	log.Debug().Str("component", "chat_session").Str("conv_id", conv.ID).Msg("loading history")
	page, err := s.api.FetchMessages(ctx, conv.ID, 1, s.pageSize)

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	s.loading = false
	if err != nil {
		s.errMsg = "failed to load messages"
		s.mu.Unlock()
		s.changed()
		log.Warn().Err(err).Str("component", "chat_session").Str("conv_id", conv.ID).Msg("history load failed")
		return err
	}
	msgs := normalizeHistory(page)
	for _, m := range msgs {
		s.store.Insert(m)
	}
	if len(msgs) > 0 {
		s.watermark = msgs[len(msgs)-1].Timestamp
	}
	s.historyLoaded = true
	s.attachTimer = s.afterFunc(s.settleDelay, func() { s.attachListeners(epoch) })
	s.mu.Unlock()
	s.changed()

	go func() {
		if err := s.api.MarkAsRead(context.Background(), conv.ID); err != nil {
			log.Debug().Err(err).Str("component", "chat_session").Str("conv_id", conv.ID).Msg("mark-as-read failed")
		}
	}()
	return nil
}

// attachListeners subscribes to live messages, typing and remote presence,
// and publishes the local user's online state. Subscriptions created for a
// stale epoch are released immediately.
func (s *Session) attachListeners(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	conv := s.conv
	s.mu.Unlock()

	ctx := context.Background()
	var disposers []realtime.Unsubscribe
	sub := func(name string, u realtime.Unsubscribe, err error) {
		if err != nil {
			log.Warn().Err(err).Str("component", "chat_session").Str("conv_id", conv.ID).Str("subscription", name).Msg("subscribe failed")
			return
		}
		disposers = append(disposers, u)
	}

	u, err := s.channel.SubscribeChildAdded(ctx, MessagesPath(conv.ID), func(key string, raw []byte) {
		s.onLiveMessage(epoch, key, raw)
	})
	sub("child_added", u, err)

	u, err = s.channel.SubscribeChildChanged(ctx, MessagesPath(conv.ID), func(key string, raw []byte) {
		s.onReadStateChanged(epoch, key, raw)
	})
	sub("child_changed", u, err)

	u, err = s.channel.SubscribeValue(ctx, TypingPath(conv.ID), func(raw []byte) {
		s.onTypingValue(epoch, raw)
	})
	sub("typing", u, err)

	u, err = s.channel.SubscribeValue(ctx, StatusPath(conv.OtherParticipant(s.userID)), func(raw []byte) {
		s.onPresenceValue(epoch, raw)
	})
	sub("presence", u, err)

	disposers = append(disposers, s.channel.Status().OnStatusChange(func(realtime.Status) {
		s.changed()
	}))

	// Presence is best-effort; failures are absorbed.
	now := time.Now().UnixMilli()
	if err := s.channel.Write(ctx, StatusPath(s.userID), Presence{Online: true, LastSeen: now}); err != nil {
		log.Debug().Err(err).Str("component", "chat_session").Msg("presence publish failed")
	}
	if err := s.channel.OnDisconnect(StatusPath(s.userID), Presence{Online: false, LastSeen: now}); err != nil {
		log.Debug().Err(err).Str("component", "chat_session").Msg("on-disconnect registration failed")
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		for _, d := range disposers {
			d()
		}
		return
	}
	s.disposers = disposers
	s.mu.Unlock()
	log.Debug().Str("component", "chat_session").Str("conv_id", conv.ID).Msg("live listeners attached")
}

// onLiveMessage merges a child-added event into the store. Events at or below
// the watermark are already covered by the history load; malformed records
// and duplicate ids are dropped.
func (s *Session) onLiveMessage(epoch uint64, key string, raw []byte) {
	m, err := decodeMessage(raw)
	if err != nil {
		log.Warn().Err(err).Str("component", "chat_session").Str("key", key).Msg("dropping undecodable live message")
		return
	}
	if m.ID == "" {
		m.ID = key
	}

	s.mu.Lock()
	if epoch != s.epoch || !s.historyLoaded {
		s.mu.Unlock()
		return
	}
	if m.Timestamp <= s.watermark {
		s.mu.Unlock()
		return
	}
	if !m.Valid() {
		s.mu.Unlock()
		log.Warn().Str("component", "chat_session").Str("key", key).Msg("dropping malformed live message")
		return
	}
	if !s.store.Insert(m) {
		s.mu.Unlock()
		return
	}
	s.watermark = m.Timestamp
	s.mu.Unlock()
	s.changed()
}

// onReadStateChanged applies a child-changed event. Only read/readAt are
// patched; content and ordering never change.
func (s *Session) onReadStateChanged(epoch uint64, key string, raw []byte) {
	m, err := decodeMessage(raw)
	if err != nil {
		log.Warn().Err(err).Str("component", "chat_session").Str("key", key).Msg("dropping undecodable read receipt")
		return
	}
	id := m.ID
	if id == "" {
		id = key
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	updated := s.store.UpdateReadState(id, m.Read, m.ReadAt)
	s.mu.Unlock()
	if updated {
		s.changed()
	}
}

func (s *Session) onTypingValue(epoch uint64, raw []byte) {
	typing := map[string]bool{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &typing); err != nil {
			log.Debug().Err(err).Str("component", "chat_session").Msg("dropping undecodable typing value")
			return
		}
	}
	self := strconv.FormatInt(s.userID, 10)
	other := false
	for uid, v := range typing {
		if uid != self && v {
			other = true
			break
		}
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	changed := s.otherTyping != other
	s.otherTyping = other
	s.mu.Unlock()
	if changed {
		s.changed()
	}
}

func (s *Session) onPresenceValue(epoch uint64, raw []byte) {
	var p Presence
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Debug().Err(err).Str("component", "chat_session").Msg("dropping undecodable presence value")
			return
		}
	}
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.remote = p
	s.mu.Unlock()
	s.changed()
}

// SendMessage submits content through the history API. Blank content with no
// images is rejected without an API call. The echoed message arrives through
// the live channel; nothing is inserted optimistically, so "sent" and
// "visible" are distinct moments.
func (s *Session) SendMessage(ctx context.Context, content string, imageURLs []string) bool {
	content = strings.TrimSpace(content)
	if content == "" && len(imageURLs) == 0 {
		return false
	}

	s.mu.Lock()
	if !s.active || s.sending {
		s.mu.Unlock()
		return false
	}
	convID := s.conv.ID
	epoch := s.epoch
	s.sending = true
	s.errMsg = ""
	s.mu.Unlock()
	s.changed()

	if !s.channel.Status().Connected() {
		log.Warn().Str("component", "chat_session").Str("conv_id", convID).Msg("sending while disconnected; live echo may be delayed")
	}

	_, err := s.api.SendMessage(ctx, convID, content, imageURLs)

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return err == nil
	}
	s.sending = false
	if err != nil {
		s.errMsg = "failed to send message"
		s.mu.Unlock()
		s.changed()
		log.Warn().Err(err).Str("component", "chat_session").Str("conv_id", convID).Msg("send failed")
		return false
	}
	s.mu.Unlock()
	// Clear the typing signal right away instead of waiting for expiry.
	s.clearTyping(convID)
	s.changed()
	return true
}

// SendTypingIndicator publishes the local typing signal and (re)arms the
// auto-expiry timer. Each call while typing continues pushes the expiry out.
func (s *Session) SendTypingIndicator() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	convID := s.conv.ID
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = s.afterFunc(s.typingExpiry, func() { s.clearTyping(convID) })
	s.mu.Unlock()

	if err := s.channel.Write(context.Background(), TypingUserPath(convID, s.userID), true); err != nil {
		log.Debug().Err(err).Str("component", "chat_session").Str("conv_id", convID).Msg("typing publish failed")
	}
}

func (s *Session) clearTyping(convID string) {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	if err := s.channel.Remove(context.Background(), TypingUserPath(convID, s.userID)); err != nil {
		log.Debug().Err(err).Str("component", "chat_session").Str("conv_id", convID).Msg("typing clear failed")
	}
}

// Close detaches all listeners and publishes the local user's offline state.
func (s *Session) Close() {
	s.mu.Lock()
	wasActive := s.active
	s.detachLocked()
	s.resetLocked()
	s.epoch++
	s.active = false
	s.mu.Unlock()

	if wasActive {
		_ = s.channel.Write(context.Background(), StatusPath(s.userID), Presence{Online: false, LastSeen: time.Now().UnixMilli()})
	}
}

// Snapshot accessors exposed to the UI.

func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Messages()
}

func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// Err returns the retrievable error string for the UI, empty when healthy.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

func (s *Session) OtherUserTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.otherTyping
}

func (s *Session) RemotePresence() Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) Connected() bool {
	return s.channel.Status().Connected()
}

func (s *Session) Conversation() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// LocalUser returns the identity the session publishes under.
func (s *Session) LocalUser() (int64, string) {
	return s.userID, s.userName
}

// detachLocked releases every listener the session acquired. Stale callbacks
// firing afterwards are dropped by the epoch guard.
func (s *Session) detachLocked() {
	for _, d := range s.disposers {
		d()
	}
	s.disposers = nil
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if s.attachTimer != nil {
		s.attachTimer.Stop()
		s.attachTimer = nil
	}
}

// resetLocked clears the coupled per-conversation state: store, watermark and
// the history flag always reset together.
func (s *Session) resetLocked() {
	s.store.Reset()
	s.watermark = 0
	s.historyLoaded = false
	s.loading = false
	s.sending = false
	s.errMsg = ""
	s.otherTyping = false
	s.remote = Presence{}
}

func (s *Session) changed() {
	if s.notify != nil {
		s.notify()
	}
}

// normalizeHistory sorts a history page ascending by timestamp and fills in
// placeholder ids derived from timestamp and index for records the backend
// returned without one.
func normalizeHistory(in []Message) []Message {
	out := make([]Message, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = strconv.FormatInt(out[i].Timestamp, 10) + "-" + strconv.Itoa(i)
		}
	}
	return out
}
