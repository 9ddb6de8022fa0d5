package chat

import "strconv"

// Channel tree layout: per-conversation subtrees for messages and typing,
// plus a global status tree keyed by user id. Exported so in-process backends
// address the same tree the session listens on.

func MessagesPath(convID string) string {
	return "chats/" + convID + "/messages"
}

func MessagePath(convID, messageID string) string {
	return MessagesPath(convID) + "/" + messageID
}

func TypingPath(convID string) string {
	return "chats/" + convID + "/typing"
}

func TypingUserPath(convID string, userID int64) string {
	return TypingPath(convID) + "/" + strconv.FormatInt(userID, 10)
}

func StatusPath(userID int64) string {
	return "status/" + strconv.FormatInt(userID, 10)
}
