package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/capitalize-ai/sentiment-chat/internal/cache"
	"github.com/capitalize-ai/sentiment-chat/internal/model"
	"github.com/capitalize-ai/sentiment-chat/internal/store"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
)

var (
	// ErrInvalidCredentials is returned for unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountExists is returned when the email or username is already registered.
	ErrAccountExists = errors.New("email or username already registered")
	// ErrUserNotFound is returned when a token names a user that no longer exists.
	ErrUserNotFound = errors.New("user not found")
)

// AuthService handles account registration and token issuance.
type AuthService struct {
	store  store.Store
	cache  *cache.Cache
	secret []byte
	ttl    time.Duration
	cost   int
	logger *logger.Logger

	dummyOnce sync.Once
	dummyHash []byte
}

// NewAuthService creates a new auth service.
func NewAuthService(st store.Store, c *cache.Cache, jwtSecret string, ttl time.Duration, log *logger.Logger) *AuthService {
	return &AuthService{
		store:  st,
		cache:  c,
		secret: []byte(jwtSecret),
		ttl:    ttl,
		cost:   bcrypt.DefaultCost,
		logger: log,
	}
}

// Register creates an account and returns a token for it.
func (s *AuthService) Register(ctx context.Context, req *model.RegisterRequest) (*model.TokenResponse, error) {
	email := normalizeEmail(req.Email)

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrAccountExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     strings.TrimSpace(req.Username),
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.cache.SetUserData(ctx, user)
	s.logger.Info("user registered", zap.String("user_id", user.ID))

	return s.token(user)
}

// Login verifies credentials and returns a token.
func (s *AuthService) Login(ctx context.Context, req *model.LoginRequest) (*model.TokenResponse, error) {
	email := normalizeEmail(req.Email)

	user, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Keep the response time of unknown emails close to wrong passwords.
			_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(req.Password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return s.token(user)
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID string) (*model.UserProfile, error) {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile := user.Profile()
	return &profile, nil
}

// Refresh issues a new token for an existing user.
func (s *AuthService) Refresh(ctx context.Context, userID string) (*model.TokenResponse, error) {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.token(user)
}

func (s *AuthService) userByID(ctx context.Context, userID string) (*model.User, error) {
	if user, ok := s.cache.GetUserData(ctx, userID); ok {
		return user, nil
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	s.cache.SetUserData(ctx, user)
	return user, nil
}

func (s *AuthService) userByEmail(ctx context.Context, email string) (*model.User, error) {
	if user, ok := s.cache.GetUserByEmail(ctx, email); ok {
		return user, nil
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	s.cache.SetUserData(ctx, user)
	return user, nil
}

func (s *AuthService) token(user *model.User) (*model.TokenResponse, error) {
	signed, err := IssueToken(s.secret, user.ID, s.ttl)
	if err != nil {
		return nil, err
	}

	return &model.TokenResponse{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
		User:        user.Profile(),
	}, nil
}

func (s *AuthService) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), s.cost)
	})
	return s.dummyHash
}

// IssueToken signs an HS256 token whose subject is the user id.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
