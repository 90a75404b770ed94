package cache

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

// GetContext returns the last n cached turns of a conversation in order.
func (c *Cache) GetContext(ctx context.Context, conversationID string, n int) ([]model.ContextTurn, bool) {
	if n <= 0 {
		return nil, false
	}

	key := contextKey(conversationID)
	raw, ok := c.LRange(ctx, key, int64(-n), -1)
	if !ok {
		return nil, false
	}

	turns := make([]model.ContextTurn, 0, len(raw))
	for _, item := range raw {
		var turn model.ContextTurn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			c.failed("decode", key, err)
			return nil, false
		}
		turns = append(turns, turn)
	}
	return turns, true
}

// SetContext replaces the cached context of a conversation.
func (c *Cache) SetContext(ctx context.Context, conversationID string, turns []model.ContextTurn) bool {
	if !c.Available() {
		return false
	}

	key := contextKey(conversationID)
	values, err := encodeTurns(turns)
	if err != nil {
		c.failed("encode", key, err)
		return false
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, -DefaultContextCap, -1)
		pipe.Expire(ctx, key, TTLContext)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.failed("set_context", key, err)
		return false
	}
	return true
}

// AppendContext appends turns and keeps at most maxLen of them.
func (c *Cache) AppendContext(ctx context.Context, conversationID string, maxLen int, turns ...model.ContextTurn) bool {
	if !c.Available() || len(turns) == 0 {
		return false
	}
	if maxLen <= 0 {
		maxLen = DefaultContextCap
	}

	key := contextKey(conversationID)
	values, err := encodeTurns(turns)
	if err != nil {
		c.failed("encode", key, err)
		return false
	}

	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, int64(-maxLen), -1)
	pipe.Expire(ctx, key, TTLContext)
	if _, err := pipe.Exec(ctx); err != nil {
		c.failed("append_context", key, err)
		return false
	}
	return true
}

// InvalidateConversation drops the context, user messages and every cached
// detail page of a conversation.
func (c *Cache) InvalidateConversation(ctx context.Context, conversationID string) bool {
	if !c.Available() {
		return false
	}
	keys := append(c.detailPages(ctx, conversationID), contextKey(conversationID), userMessagesKey(conversationID))
	return c.Delete(ctx, keys...)
}

// InvalidateDetail drops every cached detail page of a conversation.
func (c *Cache) InvalidateDetail(ctx context.Context, conversationID string) bool {
	if !c.Available() {
		return false
	}
	return c.Delete(ctx, c.detailPages(ctx, conversationID)...)
}

// detailPages returns the detail page keys of a conversation plus their index.
func (c *Cache) detailPages(ctx context.Context, conversationID string) []string {
	index := detailIndexKey(conversationID)
	pages, err := c.client.SMembers(ctx, index).Result()
	if err != nil {
		c.failed("smembers", index, err)
	}
	return append(pages, index)
}

// GetUserMessages returns the cached user message texts of a conversation.
func (c *Cache) GetUserMessages(ctx context.Context, conversationID string) ([]string, bool) {
	return c.LRange(ctx, userMessagesKey(conversationID), 0, -1)
}

// SetUserMessages replaces the cached user message texts, keeping the newest
// maxUserMessages.
func (c *Cache) SetUserMessages(ctx context.Context, conversationID string, messages []string) bool {
	if !c.Available() || len(messages) == 0 {
		return false
	}
	if len(messages) > maxUserMessages {
		messages = messages[len(messages)-maxUserMessages:]
	}

	key := userMessagesKey(conversationID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.RPush(ctx, key, toAny(messages)...)
	pipe.Expire(ctx, key, TTLUserMessages)
	if _, err := pipe.Exec(ctx); err != nil {
		c.failed("set_user_messages", key, err)
		return false
	}
	return true
}

// AppendUserMessage appends one user message text to a cached list and keeps
// the newest maxUserMessages. It reports false when no list is cached, so the
// caller rebuilds it rather than caching a partial list.
func (c *Cache) AppendUserMessage(ctx context.Context, conversationID, message string) bool {
	if !c.Available() {
		return false
	}

	key := userMessagesKey(conversationID)
	pipe := c.client.TxPipeline()
	pushed := pipe.RPushX(ctx, key, message)
	pipe.LTrim(ctx, key, -maxUserMessages, -1)
	pipe.Expire(ctx, key, TTLUserMessages)
	if _, err := pipe.Exec(ctx); err != nil {
		c.failed("append_user_message", key, err)
		return false
	}
	return pushed.Val() > 0
}

// GetHistory returns up to limit cached conversation summaries, newest first.
func (c *Cache) GetHistory(ctx context.Context, userID string, limit int) ([]model.ConversationSummary, bool) {
	if limit <= 0 {
		return nil, false
	}

	key := historyKey(userID)
	raw, ok := c.ZRevRange(ctx, key, 0, int64(limit-1))
	if !ok {
		return nil, false
	}

	out := make([]model.ConversationSummary, 0, len(raw))
	for _, item := range raw {
		var s model.ConversationSummary
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			c.failed("decode", key, err)
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// SetHistory replaces the cached history of a user.
func (c *Cache) SetHistory(ctx context.Context, userID string, summaries []model.ConversationSummary) bool {
	if !c.Available() {
		return false
	}

	key := historyKey(userID)
	members, err := historyMembers(summaries)
	if err != nil {
		c.failed("encode", key, err)
		return false
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		pipe.ZAdd(ctx, key, members...)
		pipe.Expire(ctx, key, TTLHistory)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.failed("set_history", key, err)
		return false
	}
	return true
}

// AddToHistory inserts or replaces one summary in a user's cached history.
func (c *Cache) AddToHistory(ctx context.Context, userID string, summary model.ConversationSummary) bool {
	if !c.Available() {
		return false
	}

	c.RemoveFromHistory(ctx, userID, summary.ID)

	members, err := historyMembers([]model.ConversationSummary{summary})
	if err != nil {
		c.failed("encode", historyKey(userID), err)
		return false
	}
	return c.ZAdd(ctx, historyKey(userID), TTLHistory, members...)
}

// RemoveFromHistory drops a conversation from a user's cached history.
func (c *Cache) RemoveFromHistory(ctx context.Context, userID, conversationID string) bool {
	if !c.Available() {
		return false
	}

	key := historyKey(userID)
	items, err := c.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		c.failed("zrange", key, err)
		return false
	}

	var stale []string
	for _, item := range items {
		var s model.ConversationSummary
		if err := json.Unmarshal([]byte(item), &s); err == nil && s.ID == conversationID {
			stale = append(stale, item)
		}
	}
	if len(stale) == 0 {
		return true
	}
	return c.ZRem(ctx, key, stale...)
}

// InvalidateHistory drops a user's cached history.
func (c *Cache) InvalidateHistory(ctx context.Context, userID string) bool {
	return c.Delete(ctx, historyKey(userID))
}

type detailEntry struct {
	OwnerID string                   `json:"owner_id"`
	Detail  model.ConversationDetail `json:"detail"`
}

// GetDetail returns a cached detail page. Entries owned by another user are
// reported as misses.
func (c *Cache) GetDetail(ctx context.Context, conversationID, ownerID string, limit int) (*model.ConversationDetail, bool) {
	var entry detailEntry
	if !c.GetJSON(ctx, detailKey(conversationID, limit), &entry) {
		return nil, false
	}
	if entry.OwnerID != ownerID {
		return nil, false
	}
	return &entry.Detail, true
}

// SetDetail caches a detail page for its owner.
func (c *Cache) SetDetail(ctx context.Context, ownerID string, detail *model.ConversationDetail, limit int) bool {
	if !c.Available() || detail == nil {
		return false
	}

	key := detailKey(detail.ID, limit)
	data, err := json.Marshal(detailEntry{OwnerID: ownerID, Detail: *detail})
	if err != nil {
		c.failed("encode", key, err)
		return false
	}

	index := detailIndexKey(detail.ID)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, data, TTLDetail)
	pipe.SAdd(ctx, index, key)
	pipe.Expire(ctx, index, TTLDetail)
	if _, err := pipe.Exec(ctx); err != nil {
		c.failed("set_detail", key, err)
		return false
	}
	return true
}

func encodeTurns(turns []model.ContextTurn) ([]any, error) {
	out := make([]any, 0, len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		out = append(out, string(data))
	}
	return out, nil
}

func historyMembers(summaries []model.ConversationSummary) ([]redis.Z, error) {
	members := make([]redis.Z, 0, len(summaries))
	for _, s := range summaries {
		data, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		members = append(members, redis.Z{
			Score:  float64(s.UpdatedAt.UnixMilli()) / 1000,
			Member: string(data),
		})
	}
	return members, nil
}
