package cache

import (
	"fmt"
	"time"
)

// TTLs per key family.
const (
	TTLContext      = time.Hour
	TTLUserMessages = 2 * time.Minute
	TTLHistory      = 5 * time.Minute
	TTLDetail       = 10 * time.Minute
	TTLUserData     = 15 * time.Minute
	TTLModels       = 24 * time.Hour
	TTLMethods      = 24 * time.Hour
)

// DefaultContextCap bounds the cached context list.
const DefaultContextCap = 50

// maxUserMessages bounds the cached user message list.
const maxUserMessages = 50

func contextKey(conversationID string) string {
	return fmt.Sprintf("conv:%s:context", conversationID)
}

func userMessagesKey(conversationID string) string {
	return "usrmsg:" + conversationID
}

func historyKey(userID string) string {
	return "history:" + userID
}

func detailKey(conversationID string, limit int) string {
	return fmt.Sprintf("detail:%s:limit:%d", conversationID, limit)
}

// detailIndexKey tracks every detail page cached for a conversation.
func detailIndexKey(conversationID string) string {
	return fmt.Sprintf("detail:%s:keys", conversationID)
}

func userDataKey(userID string) string {
	return fmt.Sprintf("user:%s:data", userID)
}

func emailKey(email string) string {
	return "email:" + email
}

const (
	modelsKey  = "models:all"
	methodsKey = "sentiment:methods"
)
