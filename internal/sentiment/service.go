package sentiment

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/sentiment-chat/internal/llm"
	"github.com/capitalize-ai/sentiment-chat/internal/model"
)

// Service dispatches per-message analysis to the requested method.
type Service struct {
	nlp *NLPStrategy
}

// NewService creates a service. nlp may be nil.
func NewService(nlp *NLPStrategy) *Service {
	return &Service{nlp: nlp}
}

// Methods lists the accepted sentiment methods.
func (s *Service) Methods() []string {
	return []string{MethodNLP, MethodSeparate, MethodStructured}
}

// IsMethod reports whether name is an accepted method.
func (s *Service) IsMethod(name string) bool {
	for _, m := range s.Methods() {
		if m == name {
			return true
		}
	}
	return false
}

// Strategy returns the per-message strategy for a method. Structured analysis
// happens inside the response stream, so on its own it uses the NLP API.
func (s *Service) Strategy(method string, adapter llm.Adapter, modelName string) (Strategy, error) {
	switch method {
	case MethodSeparate:
		return NewSeparateStrategy(adapter, modelName), nil
	case MethodNLP, MethodStructured:
		return s.nlp, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

// Analyze scores text with the given method.
func (s *Service) Analyze(ctx context.Context, method, text string, adapter llm.Adapter, modelName string) (model.SentimentResult, error) {
	strategy, err := s.Strategy(method, adapter, modelName)
	if err != nil {
		return model.SentimentResult{}, err
	}
	return strategy.Analyze(ctx, text)
}
