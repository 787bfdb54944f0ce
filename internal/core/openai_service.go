package core

import (
	"context"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"abobi.legal/advisor-service/internal/session"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAIInference calls any OpenAI-compatible chat completions endpoint.
// Setting a base URL points it at self-hosted or brokered compute providers.
type OpenAIInference struct {
	client *openai.Client
	cfg    LLMConfig
}

func NewOpenAIInference(apiKey, baseURL string, cfg LLMConfig) *OpenAIInference {
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIInference{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg.withDefaults(defaultOpenAIModel),
	}
}

// openAITemperature maps zero onto the smallest positive float because the
// client drops a zero temperature from the request.
func openAITemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

func (s *OpenAIInference) Complete(ctx context.Context, systemPrompt string, prior []session.Turn, newMessage string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(prior)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, t := range prior {
		role := openai.ChatMessageRoleUser
		if t.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: newMessage,
	})

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Messages:    messages,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: openAITemperature(*s.cfg.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("%w: chat completion failed: %w", ErrInferenceUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: chat completion returned no choices", ErrInferenceUnavailable)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: chat completion returned an empty reply", ErrInferenceUnavailable)
	}
	return text, nil
}
