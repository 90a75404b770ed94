package middleware

import (
	"errors"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

// Input limits.
const (
	MaxMessageLength  = 10000
	MaxTitleLength    = 255
	MinUsernameLength = 3
	MaxUsernameLength = 50
	MinPasswordLength = 8
	MaxPasswordLength = 72
	MaxModelLength    = 100
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("message cannot be empty")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return errors.New("message exceeds maximum length")
	}
	return nil
}

// ValidateChatRequest validates the body of a streaming chat request.
// Provider and method names are resolved by the service.
func ValidateChatRequest(req *model.ChatRequest) error {
	if err := ValidateMessageContent(req.Message); err != nil {
		return err
	}
	if len(req.Model) > MaxModelLength {
		return errors.New("model name exceeds maximum length")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateTitle validates a conversation title.
func ValidateTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return errors.New("title exceeds maximum length")
	}
	return nil
}

// ValidateRegister validates a registration request.
func ValidateRegister(req *model.RegisterRequest) error {
	if err := validateEmail(req.Email); err != nil {
		return err
	}

	username := strings.TrimSpace(req.Username)
	if n := utf8.RuneCountInString(username); n < MinUsernameLength || n > MaxUsernameLength {
		return errors.New("username must be between 3 and 50 characters")
	}
	for _, r := range username {
		if !(r == '_' || r == '-' || r == '.' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return errors.New("username may only contain letters, digits, '.', '-' and '_'")
		}
	}

	return validatePassword(req.Password)
}

// ValidateLogin validates a login request.
func ValidateLogin(req *model.LoginRequest) error {
	if err := validateEmail(req.Email); err != nil {
		return err
	}
	if req.Password == "" {
		return errors.New("password is required")
	}
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return errors.New("invalid email address")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return errors.New("password must be at least 8 characters")
	}
	if len(password) > MaxPasswordLength {
		return errors.New("password must be at most 72 bytes")
	}
	return nil
}
