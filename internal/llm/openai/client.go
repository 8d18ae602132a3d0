package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/botjuris/botjuris/internal/boterr"
	"github.com/botjuris/botjuris/internal/llm"
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

func (c *Client) Generate(ctx context.Context, messages []llm.Message) (llm.Reply, error) {
	if len(messages) == 0 {
		return llm.Reply{}, &boterr.GenerationError{Err: fmt.Errorf("empty prompt")}
	}

	wireMessages := make([]map[string]string, 0, len(messages))
	for _, message := range messages {
		wireMessages = append(wireMessages, map[string]string{
			"role":    message.Role,
			"content": message.Content,
		})
	}
	payload := map[string]any{
		"model":    c.cfg.Model,
		"messages": wireMessages,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return llm.Reply{}, &boterr.GenerationError{Err: fmt.Errorf("marshal chat request: %w", err)}
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return llm.Reply{}, &boterr.GenerationError{Err: err}
	}
	if apiKey := strings.TrimSpace(c.cfg.APIKey); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		// Transport errors and timeouts are worth another attempt.
		return llm.Reply{}, &boterr.GenerationError{Transient: true, Err: err}
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return llm.Reply{}, &boterr.GenerationError{Transient: true, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		c.logger.Error("chat completion failed", "status", res.StatusCode, "body", strings.TrimSpace(string(respBody)))
		err := fmt.Errorf("chat completion failed with status %d", res.StatusCode)
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return llm.Reply{}, &boterr.GenerationError{Transient: true, Err: err}
		}
		return llm.Reply{}, &boterr.GenerationError{Err: err}
	}

	var response chatCompletionResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return llm.Reply{}, &boterr.GenerationError{Err: fmt.Errorf("decode chat response: %w", err)}
	}
	if len(response.Choices) == 0 {
		return llm.Reply{}, &boterr.GenerationError{Err: fmt.Errorf("chat response returned no choices")}
	}
	choice := response.Choices[0]
	if strings.EqualFold(choice.FinishReason, "content_filter") {
		return llm.Reply{}, &boterr.ContentPolicyError{Reason: "provider content filter"}
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" && choice.Message.Refusal != "" {
		return llm.Reply{}, &boterr.ContentPolicyError{Reason: choice.Message.Refusal}
	}
	if content == "" {
		return llm.Reply{}, &boterr.GenerationError{Err: fmt.Errorf("chat response returned empty content")}
	}

	model := response.Model
	if model == "" {
		model = c.cfg.Model
	}
	return llm.Reply{Content: content, Model: model}, nil
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
	} `json:"choices"`
}
