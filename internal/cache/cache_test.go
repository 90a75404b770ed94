package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
)

func setupCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, logger.NewNop()), mr
}

func TestNilClientDegradesToNoop(t *testing.T) {
	ctx := context.Background()
	c := New(nil, logger.NewNop())

	assert.False(t, c.Available())
	assert.ErrorIs(t, c.Health(ctx), ErrUnavailable)
	assert.False(t, c.Set(ctx, "k", "v", time.Minute))

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	_, ok = c.GetContext(ctx, "conv", 10)
	assert.False(t, ok)
	assert.False(t, c.AppendContext(ctx, "conv", 50, model.ContextTurn{Role: model.RoleUser, Content: "hi"}))
	assert.False(t, c.InvalidateConversation(ctx, "conv"))
	_, ok = c.GetHistory(ctx, "u1", 20)
	assert.False(t, ok)
	assert.NoError(t, c.Close())

	var nilCache *Cache
	assert.False(t, nilCache.Available())
}

func TestRedisFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)
	require.True(t, c.Set(ctx, "k", "v", time.Minute))
	mr.Close()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, c.Set(ctx, "k", "v", time.Minute))
	assert.Error(t, c.Health(ctx))
}

func TestGetSetJSON(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.True(t, c.SetJSON(ctx, "obj", map[string]int{"a": 1}, time.Minute))

	var got map[string]int
	require.True(t, c.GetJSON(ctx, "obj", &got))
	assert.Equal(t, 1, got["a"])

	mr.FastForward(2 * time.Minute)
	assert.False(t, c.GetJSON(ctx, "obj", &got))
}

func TestContextWindowAndCap(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	for i := 0; i < 30; i++ {
		require.True(t, c.AppendContext(ctx, "conv1", DefaultContextCap,
			model.ContextTurn{Role: model.RoleUser, Content: fmt.Sprintf("q%d", i)},
			model.ContextTurn{Role: model.RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		))
	}

	list, err := mr.List(contextKey("conv1"))
	require.NoError(t, err)
	assert.Len(t, list, DefaultContextCap)
	assert.Equal(t, TTLContext, mr.TTL(contextKey("conv1")))

	turns, ok := c.GetContext(ctx, "conv1", 4)
	require.True(t, ok)
	require.Len(t, turns, 4)
	assert.Equal(t, "q28", turns[0].Content)
	assert.Equal(t, "a29", turns[3].Content)

	_, ok = c.GetContext(ctx, "conv1", 0)
	assert.False(t, ok)
}

func TestSetContextReplaces(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t)

	c.AppendContext(ctx, "conv1", 50, model.ContextTurn{Role: model.RoleUser, Content: "old"})
	require.True(t, c.SetContext(ctx, "conv1", []model.ContextTurn{{Role: model.RoleUser, Content: "new"}}))

	turns, ok := c.GetContext(ctx, "conv1", 10)
	require.True(t, ok)
	assert.Equal(t, []model.ContextTurn{{Role: model.RoleUser, Content: "new"}}, turns)
}

func TestHistoryOrderingAndRemoval(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)
	now := time.Now().UTC()

	require.True(t, c.SetHistory(ctx, "u1", []model.ConversationSummary{
		{ID: "old", UpdatedAt: now.Add(-time.Hour)},
		{ID: "new", UpdatedAt: now},
	}))
	assert.Equal(t, TTLHistory, mr.TTL(historyKey("u1")))

	got, ok := c.GetHistory(ctx, "u1", 20)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)

	require.True(t, c.AddToHistory(ctx, "u1", model.ConversationSummary{ID: "old", UpdatedAt: now.Add(time.Minute), MessageCount: 4}))
	got, _ = c.GetHistory(ctx, "u1", 20)
	require.Len(t, got, 2)
	assert.Equal(t, "old", got[0].ID)
	assert.Equal(t, 4, got[0].MessageCount)

	require.True(t, c.RemoveFromHistory(ctx, "u1", "new"))
	got, _ = c.GetHistory(ctx, "u1", 20)
	require.Len(t, got, 1)

	require.True(t, c.InvalidateHistory(ctx, "u1"))
	_, ok = c.GetHistory(ctx, "u1", 20)
	assert.False(t, ok)
}

func TestDetailOwnershipAndInvalidation(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	detail := &model.ConversationDetail{ID: "conv1", TotalMessages: 2}
	require.True(t, c.SetDetail(ctx, "owner", detail, 50))
	require.True(t, c.SetDetail(ctx, "owner", detail, 10))

	got, ok := c.GetDetail(ctx, "conv1", "owner", 50)
	require.True(t, ok)
	assert.Equal(t, 2, got.TotalMessages)

	_, ok = c.GetDetail(ctx, "conv1", "intruder", 50)
	assert.False(t, ok)

	c.AppendContext(ctx, "conv1", 50, model.ContextTurn{Role: model.RoleUser, Content: "hi"})
	c.SetUserMessages(ctx, "conv1", []string{"hi"})

	require.True(t, c.InvalidateConversation(ctx, "conv1"))
	assert.False(t, mr.Exists(detailKey("conv1", 50)))
	assert.False(t, mr.Exists(detailKey("conv1", 10)))
	assert.False(t, mr.Exists(contextKey("conv1")))
	assert.False(t, mr.Exists(userMessagesKey("conv1")))
}

func TestUserMessages(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	assert.False(t, c.AppendUserMessage(ctx, "conv1", "orphan"))
	assert.False(t, mr.Exists(userMessagesKey("conv1")))

	require.True(t, c.SetUserMessages(ctx, "conv1", []string{"one", "two"}))
	require.True(t, c.AppendUserMessage(ctx, "conv1", "three"))

	got, ok := c.GetUserMessages(ctx, "conv1")
	require.True(t, ok)
	assert.Equal(t, []string{"one", "two", "three"}, got)
	assert.Equal(t, TTLUserMessages, mr.TTL(userMessagesKey("conv1")))
}

func TestUserMessagesAreBounded(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t)

	seed := make([]string, maxUserMessages+5)
	for i := range seed {
		seed[i] = fmt.Sprintf("m%d", i)
	}
	require.True(t, c.SetUserMessages(ctx, "conv1", seed))

	got, ok := c.GetUserMessages(ctx, "conv1")
	require.True(t, ok)
	require.Len(t, got, maxUserMessages)
	assert.Equal(t, "m5", got[0])

	for i := 0; i < 10; i++ {
		require.True(t, c.AppendUserMessage(ctx, "conv1", fmt.Sprintf("new%d", i)))
	}
	got, ok = c.GetUserMessages(ctx, "conv1")
	require.True(t, ok)
	require.Len(t, got, maxUserMessages)
	assert.Equal(t, "m15", got[0])
	assert.Equal(t, "new9", got[len(got)-1])
}

func TestUserDataAndEmailIndex(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t)

	user := &model.User{
		ID:           "u1",
		Email:        "a@example.com",
		Username:     "alice",
		PasswordHash: "$2a$hash",
		CreatedAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.True(t, c.SetUserData(ctx, user))

	got, ok := c.GetUserByEmail(ctx, "a@example.com")
	require.True(t, ok)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, user.PasswordHash, got.PasswordHash)
	assert.True(t, user.CreatedAt.Equal(got.CreatedAt))

	require.True(t, c.InvalidateUserData(ctx, "u1", "a@example.com"))
	_, ok = c.GetUserIDByEmail(ctx, "a@example.com")
	assert.False(t, ok)
}

func TestStaticData(t *testing.T) {
	ctx := context.Background()
	c, mr := setupCache(t)

	require.True(t, c.SetModels(ctx, map[string][]model.ModelInfo{"openai": {{ID: "gpt-4o-mini"}}}))
	require.True(t, c.SetSentimentMethods(ctx, []string{"nlp_api"}))

	models, ok := c.GetModels(ctx)
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", models["openai"][0].ID)
	assert.Equal(t, TTLModels, mr.TTL(modelsKey))

	methods, ok := c.GetSentimentMethods(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"nlp_api"}, methods)
}

func TestMGetMSet(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t)

	require.True(t, c.MSet(ctx, map[string]string{"a": "1", "b": "2"}, time.Minute))
	got := c.MGet(ctx, "a", "b", "missing")
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got)
}

func TestWriteThrough(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t)

	dbErr := errors.New("db down")
	err := c.WriteThrough(ctx,
		func(context.Context) error { return dbErr },
		func(ctx context.Context) error { c.Set(ctx, "wt", "1", time.Minute); return nil },
	)
	assert.ErrorIs(t, err, dbErr)

	err = c.WriteThrough(ctx,
		func(context.Context) error { return nil },
		func(context.Context) error { return errors.New("cache down") },
	)
	assert.NoError(t, err)

	var wrote bool
	err = New(nil, logger.NewNop()).WriteThrough(ctx,
		func(context.Context) error { wrote = true; return nil },
		func(context.Context) error { t.Fatal("cache write on unavailable cache"); return nil },
	)
	assert.NoError(t, err)
	assert.True(t, wrote)
}
