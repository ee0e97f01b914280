package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// moderationPrompt instructs the model to act as a binary classifier.
const moderationPrompt = "Is this text vulgar, bullying, or offensive? Reply strictly 'YES' or 'NO'."

// LLMConfig configures the hosted-LLM classifier backend.
type LLMConfig struct {
	BaseURL    string // chat completions endpoint; defaults to the OpenAI API
	APIKey     string
	Model      string // defaults to gpt-3.5-turbo
	HTTPClient *http.Client
}

// LLMClassifier classifies text with a single chat-completions call against
// an OpenAI-compatible endpoint. The model is prompted to answer strictly
// YES (disallowed) or NO (allowed); anything else is a malformed response
// and surfaces as an error for the gate to fold into a gate failure.
type LLMClassifier struct {
	cfg LLMConfig
}

// NewLLMClassifier builds an LLM-backed classifier. Zero-value config fields
// fall back to defaults; the HTTP client should normally be left nil so the
// gate timeout governs the call via context.
func NewLLMClassifier(cfg LLMConfig) *LLMClassifier {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1/chat/completions"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-3.5-turbo"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &LLMClassifier{cfg: cfg}
}

type chatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify sends one classification request and maps the model's YES/NO
// answer to a Result. Transport errors, non-2xx statuses, and answers that
// are neither YES nor NO are returned as errors.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: moderationPrompt},
			{Role: "user", Content: text},
		},
		MaxTokens: 5,
	})
	if err != nil {
		return Result{}, fmt.Errorf("moderation: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("moderation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("moderation: classifier call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little of the body for the log line, then discard.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Result{}, fmt.Errorf("moderation: classifier status %d: %s", resp.StatusCode, snippet)
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("moderation: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Result{}, fmt.Errorf("moderation: classifier returned no choices")
	}

	answer := strings.ToUpper(strings.TrimSpace(decoded.Choices[0].Message.Content))
	// Models pad the requested one-word answer often enough that exact
	// matching would misread verdicts. YES anywhere in the answer means
	// disallowed; an answer leading with NO means allowed. Anything else is
	// unmappable and surfaces as an error.
	switch {
	case strings.Contains(answer, "YES"):
		return Result{Disallowed: true, RawLabel: answer}, nil
	case strings.HasPrefix(strings.Trim(answer, `.!"'`), "NO"):
		return Result{Disallowed: false, RawLabel: answer}, nil
	default:
		return Result{}, fmt.Errorf("moderation: unrecognized classifier answer %q", answer)
	}
}
