package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectOptions tune the connection pool.
type ConnectOptions struct {
	MaxConns int32
	Retries  int
}

// Connect opens a pool, retrying with exponential backoff until the server
// answers a ping.
func Connect(ctx context.Context, databaseURL string, opts ConnectOptions, log *logger.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(opts.Retries, 0))),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		log.Warn("database not ready, retrying",
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(connect, policy, notify); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateUser inserts a user. ID must be set by the caller.
func (s *PostgresStore) CreateUser(ctx context.Context, user *model.User) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, username, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, user.ID, user.Email, user.Username, user.PasswordHash).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return err
	}
	return nil
}

// GetUserByEmail retrieves a user by email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getUser(ctx, `WHERE email = $1`, email)
}

// GetUserByID retrieves a user by ID.
func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return s.getUser(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (*model.User, error) {
	user := &model.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, username, password_hash, created_at, updated_at
		FROM users `+where, arg).Scan(
		&user.ID,
		&user.Email,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return user, nil
}

// CreateConversation inserts a conversation. ID must be set by the caller.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	state, err := encodeJSON(conv.SentimentState)
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, user_id, title, sentiment_state)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, conv.ID, conv.UserID, conv.Title, state).Scan(&conv.CreatedAt, &conv.UpdatedAt)
}

// GetConversation retrieves a conversation owned by ownerID.
func (s *PostgresStore) GetConversation(ctx context.Context, id, ownerID string) (*model.Conversation, error) {
	conv := &model.Conversation{}
	var state []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, sentiment_state, created_at, updated_at
		FROM conversations WHERE id = $1 AND user_id = $2
	`, id, ownerID).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&state,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if err := decodeJSON(state, &conv.SentimentState); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns the owner's conversations, most recently updated first.
func (s *PostgresStore) ListConversations(ctx context.Context, ownerID string, limit int) ([]model.ConversationSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at, COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.user_id = $1
		GROUP BY c.id
		ORDER BY c.updated_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConversationSummary
	for rows.Next() {
		var c model.ConversationSummary
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RenameConversation sets the title of an owned conversation.
func (s *PostgresStore) RenameConversation(ctx context.Context, id, ownerID, title string) (*model.Conversation, error) {
	conv := &model.Conversation{}
	var state []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE conversations SET title = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, title, sentiment_state, created_at, updated_at
	`, id, ownerID, title).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&state,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if err := decodeJSON(state, &conv.SentimentState); err != nil {
		return nil, err
	}
	return conv, nil
}

// DeleteConversation deletes an owned conversation and its messages.
func (s *PostgresStore) DeleteConversation(ctx context.Context, id, ownerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllConversations deletes every conversation of the owner and returns their IDs.
func (s *PostgresStore) DeleteAllConversations(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `DELETE FROM conversations WHERE user_id = $1 RETURNING id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateMessage appends a message and touches the conversation.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *model.Message) error {
	sentiment, err := encodeJSON(msg.Sentiment)
	if err != nil {
		return err
	}
	info, err := encodeJSON(msg.ModelInfo)
	if err != nil {
		return err
	}

	return s.pool.QueryRow(ctx, `
		WITH touched AS (
			UPDATE conversations SET updated_at = now() WHERE id = $1
		)
		INSERT INTO messages (conversation_id, role, content, sentiment_data, model_info)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, msg.ConversationID, string(msg.Role), msg.Content, sentiment, info).Scan(&msg.ID, &msg.CreatedAt)
}

// RecentMessages returns the last n messages in chronological order.
func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, n int) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, sentiment_data, model_info, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2
		) recent
		ORDER BY id ASC
	`, conversationID, n)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListMessages returns a page of messages in chronological order and the total count.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, sentiment_data, model_info, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3
	`, conversationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// UserMessages returns the content of every user message in order.
func (s *PostgresStore) UserMessages(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT content FROM messages
		WHERE conversation_id = $1 AND role = $2
		ORDER BY id ASC
	`, conversationID, string(model.RoleUser))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// CompleteTurn stores the user message sentiment, the conversation state and
// the assistant message in one transaction.
func (s *PostgresStore) CompleteTurn(ctx context.Context, turn *Turn) error {
	sentiment, err := encodeJSON(turn.UserSentiment)
	if err != nil {
		return err
	}
	state, err := encodeJSON(turn.State)
	if err != nil {
		return err
	}
	info, err := encodeJSON(turn.Assistant.ModelInfo)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE messages SET sentiment_data = $2 WHERE id = $1`,
		turn.UserMessageID, sentiment,
	); err != nil {
		return fmt.Errorf("update user message: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET sentiment_state = $2, updated_at = now() WHERE id = $1`,
		turn.ConversationID, state,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	a := turn.Assistant
	if err := tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content, model_info)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, turn.ConversationID, string(model.RoleAssistant), a.Content, info).Scan(&a.ID, &a.CreatedAt); err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}
	a.ConversationID = turn.ConversationID
	a.Role = model.RoleAssistant

	return tx.Commit(ctx)
}

func scanMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m         model.Message
			role      string
			sentiment []byte
			info      []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &sentiment, &info, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		if err := decodeJSON(sentiment, &m.Sentiment); err != nil {
			return nil, err
		}
		if err := decodeJSON(info, &m.ModelInfo); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// encodeJSON returns nil for nil values so the column stays NULL.
func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
