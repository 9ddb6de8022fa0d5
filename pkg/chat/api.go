package chat

import "context"

// HistoryAPI is the request/response surface of the external backend. The
// REST implementation lives in pkg/chat/history; tests substitute fakes.
type HistoryAPI interface {
	// FetchMessages returns one page of past messages for a conversation.
	// Returned records may lack ids; the session synthesizes placeholders.
	FetchMessages(ctx context.Context, convID string, page, pageSize int) ([]Message, error)
	// SendMessage submits a new message. The accepted message is returned but
	// the session never displays it directly; the live channel echo is the
	// sole writer of confirmed messages.
	SendMessage(ctx context.Context, convID, content string, imageURLs []string) (Message, error)
	// MarkAsRead flags the conversation as read. Call sites treat it as
	// fire-and-forget; failures are non-critical.
	MarkAsRead(ctx context.Context, convID string) error
}
