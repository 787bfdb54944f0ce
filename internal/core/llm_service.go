package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"abobi.legal/advisor-service/internal/session"
)

const defaultGeminiModel = "gemini-1.5-flash-latest"

// ErrInferenceUnavailable means no reply could be produced for a message.
var ErrInferenceUnavailable = errors.New("inference unavailable")

// Inference produces the assistant reply for newMessage given the system
// prompt and the bounded prior turns, oldest first.
type Inference interface {
	Complete(ctx context.Context, systemPrompt string, prior []session.Turn, newMessage string) (string, error)
}

// LLMConfig holds the generation settings shared by every provider.
// A nil Temperature selects DefaultTemperature; zero is a valid setting.
type LLMConfig struct {
	Model       string
	MaxTokens   int
	Temperature *float32
	Timeout     time.Duration
}

const DefaultTemperature float32 = 0.65

func (c LLMConfig) withDefaults(model string) LLMConfig {
	if c.Model == "" {
		c.Model = model
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 800
	}
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// GeminiInference calls Google's Gemini chat API.
type GeminiInference struct {
	client *genai.Client
	cfg    LLMConfig
	log    *logrus.Logger
}

func NewGeminiInference(ctx context.Context, apiKey string, cfg LLMConfig, log *logrus.Logger) (*GeminiInference, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiInference{client: client, cfg: cfg.withDefaults(defaultGeminiModel), log: log}, nil
}

func (s *GeminiInference) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.log.WithError(err).Warn("Error closing GenAI client")
		}
	}
}

func (s *GeminiInference) Complete(ctx context.Context, systemPrompt string, prior []session.Turn, newMessage string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	model := s.client.GenerativeModel(s.cfg.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	model.SetMaxOutputTokens(int32(s.cfg.MaxTokens))
	model.SetTemperature(*s.cfg.Temperature)

	chatSession := model.StartChat()
	chatSession.History = geminiHistory(prior)

	resp, err := chatSession.SendMessage(ctx, genai.Text(newMessage))
	if err != nil {
		return "", fmt.Errorf("%w: gemini SendMessage failed: %w", ErrInferenceUnavailable, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: gemini returned no candidates", ErrInferenceUnavailable)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			s.log.Debugf("Gemini response part was not text: %T", part)
		}
	}
	text := strings.TrimSpace(responseText.String())
	if text == "" {
		return "", fmt.Errorf("%w: gemini returned an empty reply", ErrInferenceUnavailable)
	}
	return text, nil
}

// geminiHistory maps stored turns onto Gemini's user/model roles.
func geminiHistory(turns []session.Turn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == session.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(t.Content)},
		})
	}
	return history
}
