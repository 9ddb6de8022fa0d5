package chat

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func msg(id string, ts int64) Message {
	return Message{ID: id, SenderID: 2, SenderName: "Bob", Content: "m-" + id, Timestamp: ts}
}

func TestMessageStoreInsert_KeepsTimestampOrder(t *testing.T) {
	store := NewMessageStore()
	timestamps := []int64{50, 10, 40, 20, 30}
	for i, ts := range timestamps {
		require.True(t, store.Insert(msg(string(rune('a'+i)), ts)))
	}

	msgs := store.Messages()
	require.Len(t, msgs, 5)
	for i := 1; i < len(msgs); i++ {
		require.LessOrEqual(t, msgs[i-1].Timestamp, msgs[i].Timestamp)
	}
}

func TestMessageStoreInsert_RandomizedOrderInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	store := NewMessageStore()
	for i := 0; i < 200; i++ {
		store.Insert(msg(string(rune('a'+i%26))+string(rune('a'+i/26)), int64(rng.Intn(50))))
	}
	msgs := store.Messages()
	for i := 1; i < len(msgs); i++ {
		require.LessOrEqual(t, msgs[i-1].Timestamp, msgs[i].Timestamp)
	}
}

func TestMessageStoreInsert_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	store := NewMessageStore()
	require.True(t, store.Insert(msg("first", 100)))
	require.True(t, store.Insert(msg("second", 100)))
	require.True(t, store.Insert(msg("third", 100)))

	msgs := store.Messages()
	require.Equal(t, []string{"first", "second", "third"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestMessageStoreInsert_DuplicateIDRejected(t *testing.T) {
	store := NewMessageStore()
	require.True(t, store.Insert(msg("dup", 10)))
	require.False(t, store.Insert(msg("dup", 20)))
	require.Equal(t, 1, store.Len())
	require.Equal(t, int64(10), store.Messages()[0].Timestamp)
}

func TestMessageStoreUpdateReadState(t *testing.T) {
	store := NewMessageStore()
	store.Insert(msg("a", 10))
	store.Insert(msg("b", 20))

	require.True(t, store.UpdateReadState("a", true, 123))
	require.False(t, store.UpdateReadState("missing", true, 123))

	msgs := store.Messages()
	require.True(t, msgs[0].Read)
	require.Equal(t, int64(123), msgs[0].ReadAt)
	// content and position untouched
	require.Equal(t, "m-a", msgs[0].Content)
	require.False(t, msgs[1].Read)
}

func TestMessageStoreReset(t *testing.T) {
	store := NewMessageStore()
	store.Insert(msg("a", 10))
	store.Reset()
	require.Equal(t, 0, store.Len())
	require.True(t, store.Insert(msg("a", 10)))
}
