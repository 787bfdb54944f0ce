package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abobi.legal/advisor-service/internal/session"
)

func TestGeminiHistory_MapsRoles(t *testing.T) {
	history := geminiHistory([]session.Turn{
		{ID: "1", Role: session.RoleUser, Content: "hi"},
		{ID: "2", Role: session.RoleAssistant, Content: "hello"},
	})
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)
	assert.Equal(t, genai.Text("hello"), history[1].Parts[0])
}

func TestLLMConfig_Defaults(t *testing.T) {
	cfg := LLMConfig{}.withDefaults("m")
	assert.Equal(t, "m", cfg.Model)
	assert.Equal(t, 800, cfg.MaxTokens)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.65, *cfg.Temperature, 1e-6)
	assert.Equal(t, 60*time.Second, cfg.Timeout)

	cfg = LLMConfig{Model: "x", MaxTokens: 10, Temperature: temperature(0.1), Timeout: time.Second}.withDefaults("m")
	assert.Equal(t, "x", cfg.Model)
	assert.Equal(t, 10, cfg.MaxTokens)
	assert.InDelta(t, 0.1, *cfg.Temperature, 1e-6)
}

func temperature(v float32) *float32 { return &v }

func TestLLMConfig_ZeroTemperatureIsKept(t *testing.T) {
	cfg := LLMConfig{Temperature: temperature(0)}.withDefaults("m")
	require.NotNil(t, cfg.Temperature)
	assert.Zero(t, *cfg.Temperature)
}

func TestOpenAIInference_ZeroTemperatureIsSent(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "ok"},
		}}})
	}))
	t.Cleanup(srv.Close)

	llm := NewOpenAIInference("k", srv.URL+"/v1", LLMConfig{Temperature: temperature(0)})
	_, err := llm.Complete(context.Background(), "s", nil, "m")
	require.NoError(t, err)

	require.Contains(t, raw, "temperature")
	assert.InDelta(t, 0, raw["temperature"], 1e-6)
}

func newOpenAIServer(t *testing.T, handler func(req openai.ChatCompletionRequest) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, body := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIInference_Complete(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := newOpenAIServer(t, func(req openai.ChatCompletionRequest) (int, any) {
		got = req
		return http.StatusOK, openai.ChatCompletionResponse{
			ID: "cmpl-1",
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "  You need form I-20.  "},
			}},
		}
	})

	llm := NewOpenAIInference("test-key", srv.URL+"/v1/", LLMConfig{Model: "qwen-2.5-7b-instruct"})
	reply, err := llm.Complete(context.Background(), "system", []session.Turn{
		{ID: "1", Role: session.RoleUser, Content: "earlier question"},
		{ID: "2", Role: session.RoleAssistant, Content: "earlier answer"},
	}, "what do I need?")
	require.NoError(t, err)
	assert.Equal(t, "You need form I-20.", reply)

	assert.Equal(t, "qwen-2.5-7b-instruct", got.Model)
	assert.Equal(t, 800, got.MaxTokens)
	assert.InDelta(t, 0.65, got.Temperature, 1e-6)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Equal(t, "system", got.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, got.Messages[1].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, got.Messages[2].Role)
	assert.Equal(t, "what do I need?", got.Messages[3].Content)
}

func TestOpenAIInference_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
	}{
		{"server error", http.StatusInternalServerError, map[string]any{"error": map[string]any{"message": "boom"}}},
		{"no choices", http.StatusOK, openai.ChatCompletionResponse{ID: "x"}},
		{"empty reply", http.StatusOK, openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: " "},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newOpenAIServer(t, func(openai.ChatCompletionRequest) (int, any) { return tt.status, tt.body })
			llm := NewOpenAIInference("k", srv.URL+"/v1", LLMConfig{})
			_, err := llm.Complete(context.Background(), "s", nil, "m")
			assert.ErrorIs(t, err, ErrInferenceUnavailable)
		})
	}
}
