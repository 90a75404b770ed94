package cache

import (
	"context"

	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

// GetModels returns the cached model catalog keyed by provider.
func (c *Cache) GetModels(ctx context.Context) (map[string][]model.ModelInfo, bool) {
	var models map[string][]model.ModelInfo
	if !c.GetJSON(ctx, modelsKey, &models) {
		return nil, false
	}
	return models, true
}

// SetModels caches the model catalog.
func (c *Cache) SetModels(ctx context.Context, models map[string][]model.ModelInfo) bool {
	return c.SetJSON(ctx, modelsKey, models, TTLModels)
}

// GetSentimentMethods returns the cached method list.
func (c *Cache) GetSentimentMethods(ctx context.Context) ([]string, bool) {
	var methods []string
	if !c.GetJSON(ctx, methodsKey, &methods) {
		return nil, false
	}
	return methods, true
}

// SetSentimentMethods caches the method list.
func (c *Cache) SetSentimentMethods(ctx context.Context, methods []string) bool {
	return c.SetJSON(ctx, methodsKey, methods, TTLMethods)
}
