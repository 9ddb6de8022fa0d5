package chat

import "encoding/json"

// Message is a single chat message within a conversation. Timestamp is the
// sole ordering key; ID is unique within a conversation but two messages may
// share a timestamp.
type Message struct {
	ID         string   `json:"id"`
	SenderID   int64    `json:"senderId"`
	SenderName string   `json:"senderName"`
	Content    string   `json:"content"`
	ImageURLs  []string `json:"imageUrls,omitempty"`
	Timestamp  int64    `json:"timestamp"`
	Read       bool     `json:"read"`
	ReadAt     int64    `json:"readAt,omitempty"`
}

// Valid reports whether a message carries the fields required for display.
// Content may be empty only when at least one image is attached.
func (m Message) Valid() bool {
	if m.SenderID == 0 || m.SenderName == "" {
		return false
	}
	return m.Content != "" || len(m.ImageURLs) > 0
}

// Conversation is the thread between a buyer and a seller about one item.
// The backend owns its identity and summary fields; the client only reads
// them and appends messages.
type Conversation struct {
	ID            string `json:"id"`
	ItemID        string `json:"itemId"`
	ItemTitle     string `json:"itemTitle"`
	ItemImageURL  string `json:"itemImageUrl,omitempty"`
	BuyerID       int64  `json:"buyerId"`
	SellerID      int64  `json:"sellerId"`
	BuyerName     string `json:"buyerName"`
	SellerName    string `json:"sellerName"`
	LastMessageAt int64  `json:"lastMessageAt,omitempty"`
	LastMessage   string `json:"lastMessage,omitempty"`
	UnreadCount   int    `json:"unreadCount,omitempty"`
}

// OtherParticipant returns the id of the participant that is not userID.
func (c Conversation) OtherParticipant(userID int64) int64 {
	if c.BuyerID == userID {
		return c.SellerID
	}
	return c.BuyerID
}

// Presence is the online/last-seen record published under a user's status
// path on the realtime channel.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"`
}

func decodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
