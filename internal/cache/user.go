package cache

import (
	"context"
	"time"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

// GetUserData returns a cached user, password hash included.
func (c *Cache) GetUserData(ctx context.Context, userID string) (*model.User, bool) {
	fields, ok := c.HGetAll(ctx, userDataKey(userID))
	if !ok {
		return nil, false
	}

	user := &model.User{
		ID:           fields["id"],
		Email:        fields["email"],
		Username:     fields["username"],
		PasswordHash: fields["password_hash"],
	}
	if user.ID == "" {
		return nil, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		user.CreatedAt = ts
	}
	return user, true
}

// SetUserData caches a user and the email index used by login.
func (c *Cache) SetUserData(ctx context.Context, user *model.User) bool {
	if !c.Available() || user == nil {
		return false
	}

	ok := c.HSet(ctx, userDataKey(user.ID), map[string]string{
		"id":            user.ID,
		"email":         user.Email,
		"username":      user.Username,
		"password_hash": user.PasswordHash,
		"created_at":    user.CreatedAt.Format(time.RFC3339Nano),
	}, TTLUserData)
	if ok {
		c.Set(ctx, emailKey(user.Email), user.ID, TTLUserData)
	}
	return ok
}

// GetUserIDByEmail resolves an email through the cached index.
func (c *Cache) GetUserIDByEmail(ctx context.Context, email string) (string, bool) {
	return c.Get(ctx, emailKey(email))
}

// GetUserByEmail combines the email index with the user hash.
func (c *Cache) GetUserByEmail(ctx context.Context, email string) (*model.User, bool) {
	id, ok := c.GetUserIDByEmail(ctx, email)
	if !ok {
		return nil, false
	}
	return c.GetUserData(ctx, id)
}

// InvalidateUserData drops a cached user and, when email is set, its index.
func (c *Cache) InvalidateUserData(ctx context.Context, userID, email string) bool {
	keys := []string{userDataKey(userID)}
	if email != "" {
		keys = append(keys, emailKey(email))
	}
	return c.Delete(ctx, keys...)
}
