package nats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
	"github.com/capitalize-ai/sentiment-chat/pkg/logger"
)

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "chat.u1.c1.chat.completed", EventSubject("u1", "c1", model.ChatEventCompleted))
	assert.Equal(t, "chat.a_b.__.conversation.deleted", EventSubject("a.b", "*>", model.ChatEventConversationDeleted))
	assert.Equal(t, "chat.u1._.chat.failed", EventSubject("u1", "", model.ChatEventFailed))
	assert.Equal(t, "chat.u1.>", UserFilter("u1"))
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), &model.ChatEvent{Type: model.ChatEventCompleted}))
}

func TestClientHealthWhenNil(t *testing.T) {
	var c *Client
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Health(context.Background()), ErrDisconnected)
	c.Close()
}

func TestOptionsRejectsPartialClientCert(t *testing.T) {
	log := logger.NewNop()

	_, err := options(Config{URL: "nats://localhost:4222", CertFile: "client.pem"}, log)
	assert.ErrorIs(t, err, ErrPartialTLS)

	plain, err := options(Config{URL: "nats://localhost:4222"}, log)
	assert.NoError(t, err)

	secured, err := options(Config{URL: "nats://localhost:4222", CAFile: "ca.pem", CertFile: "c.pem", KeyFile: "k.pem", Token: "t"}, log)
	assert.NoError(t, err)
	assert.Len(t, secured, len(plain)+3)
}
