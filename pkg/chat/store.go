package chat

import "sort"

// MessageStore is the ordered in-memory message collection for one
// conversation. It is the single source of truth for rendering: messages are
// kept ascending by timestamp, stable for equal timestamps (insertion order
// wins, entries are never re-sorted by id).
//
// The store itself is not safe for concurrent use; Session serializes access.
type MessageStore struct {
	byID     map[string]int
	messages []Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{byID: map[string]int{}}
}

// Insert adds a message maintaining timestamp order. It returns false without
// modifying the store when a message with the same id is already present.
func (s *MessageStore) Insert(m Message) bool {
	if _, ok := s.byID[m.ID]; ok {
		return false
	}
	// First index whose timestamp is strictly greater; equal timestamps keep
	// arrival order.
	idx := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].Timestamp > m.Timestamp
	})
	s.messages = append(s.messages, Message{})
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = m
	for i := idx + 1; i < len(s.messages); i++ {
		s.byID[s.messages[i].ID] = i
	}
	s.byID[m.ID] = idx
	return true
}

// Contains reports whether a message with the given id is in the store.
func (s *MessageStore) Contains(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// UpdateReadState patches the read/readAt fields of an existing message.
// Content and ordering position are never touched. Returns false when the id
// is unknown.
func (s *MessageStore) UpdateReadState(id string, read bool, readAt int64) bool {
	idx, ok := s.byID[id]
	if !ok {
		return false
	}
	s.messages[idx].Read = read
	s.messages[idx].ReadAt = readAt
	return true
}

// Messages returns a copy of the stored messages, ascending by timestamp.
func (s *MessageStore) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MessageStore) Len() int {
	return len(s.messages)
}

// Reset drops all messages. Used when the active conversation changes.
func (s *MessageStore) Reset() {
	s.byID = map[string]int{}
	s.messages = nil
}
