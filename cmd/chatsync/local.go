package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/campusmarket/chatsync/pkg/chat"
	"github.com/campusmarket/chatsync/pkg/realtime/channelmem"
)

// localBackend is the in-process stand-in for the external backend, used by
// the local demo mode: it persists sent messages, echoes them through the
// in-memory channel the way the real backend echoes over realtime
// push, and replies as the remote peer after a short typing pause.
type localBackend struct {
	channel   *channelmem.Channel
	localID   int64
	localName string
	peerID    int64
	peerName  string

	mu      sync.Mutex
	history map[string][]chat.Message
}

func newLocalBackend(channel *channelmem.Channel, localID int64, localName string, peerID int64, peerName string) *localBackend {
	return &localBackend{
		channel:   channel,
		localID:   localID,
		localName: localName,
		peerID:    peerID,
		peerName:  peerName,
		history:   map[string][]chat.Message{},
	}
}

func (b *localBackend) FetchMessages(ctx context.Context, convID string, page, pageSize int) ([]chat.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.history[convID]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (b *localBackend) SendMessage(ctx context.Context, convID, content string, imageURLs []string) (chat.Message, error) {
	msg := chat.Message{
		ID:         uuid.NewString(),
		SenderID:   b.localID,
		SenderName: b.localName,
		Content:    content,
		ImageURLs:  imageURLs,
		Timestamp:  time.Now().UnixMilli(),
	}
	b.store(convID, msg)
	b.push(convID, msg)

	go b.reply(convID, content)
	return msg, nil
}

func (b *localBackend) MarkAsRead(ctx context.Context, convID string) error {
	return nil
}

// reply simulates the remote participant: a brief typing signal, then an echo
// message.
func (b *localBackend) reply(convID, content string) {
	ctx := context.Background()
	_ = b.channel.Write(ctx, chat.TypingUserPath(convID, b.peerID), true)
	time.Sleep(900 * time.Millisecond)
	_ = b.channel.Remove(ctx, chat.TypingUserPath(convID, b.peerID))

	msg := chat.Message{
		ID:         uuid.NewString(),
		SenderID:   b.peerID,
		SenderName: b.peerName,
		Content:    "echo: " + content,
		Timestamp:  time.Now().UnixMilli(),
	}
	b.store(convID, msg)
	b.push(convID, msg)
}

func (b *localBackend) store(convID string, msg chat.Message) {
	b.mu.Lock()
	b.history[convID] = append(b.history[convID], msg)
	b.mu.Unlock()
}

func (b *localBackend) push(convID string, msg chat.Message) {
	if err := b.channel.Write(context.Background(), chat.MessagePath(convID, msg.ID), msg); err != nil {
		log.Debug().Err(err).Str("component", "local_backend").Msg("push failed")
	}
}

var _ chat.HistoryAPI = (*localBackend)(nil)
