package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/logger"
)

const (
	claudeDefaultURL   = "https://api.anthropic.com"
	claudeDefaultModel = "claude-sonnet-4-5"
	claudeAPIVersion   = "2023-06-01"
	claudeToolName     = "emit_result"
)

// ClaudeConfig configures the Anthropic Messages API client.
type ClaudeConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
}

func (c *ClaudeConfig) validate() error {
	if c.APIKey == "" {
		return errs.Config("claude.api_key", "is required")
	}
	if c.Model == "" {
		c.Model = claudeDefaultModel
	}
	if c.BaseURL == "" {
		c.BaseURL = claudeDefaultURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	return nil
}

// ClaudeProvider gets structured output from Claude by forcing a single tool call
// whose input schema is the requested output schema.
type ClaudeProvider struct {
	cfg    ClaudeConfig
	client *resty.Client
}

// NewClaudeProvider creates new Claude provider
func NewClaudeProvider(cfg ClaudeConfig) (*ClaudeProvider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", cfg.APIKey).
		SetHeader("anthropic-version", claudeAPIVersion)

	return &ClaudeProvider{cfg: cfg, client: client}, nil
}

func (c *ClaudeProvider) Name() string {
	return ProviderClaude
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type claudeRequest struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float64           `json:"temperature"`
	System      string            `json:"system,omitempty"`
	Messages    []claudeMessage   `json:"messages"`
	Tools       []claudeTool      `json:"tools"`
	ToolChoice  map[string]string `json:"tool_choice"`
}

type claudeResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
}

type claudeError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *ClaudeProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}

	body := claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      req.System,
		Messages:    []claudeMessage{{Role: "user", Content: req.Prompt}},
		Tools: []claudeTool{{
			Name:        claudeToolName,
			Description: "Return the final answer as structured data.",
			InputSchema: ToolInputSchema(req.Schema),
		}},
		ToolChoice: map[string]string{"type": "tool", "name": claudeToolName},
	}

	var (
		out    claudeResponse
		apiErr claudeError
	)
	startTime := time.Now()
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/messages")
	if err != nil {
		return nil, classifyFailure(c.Name(), 0, "", fmt.Errorf("request failed: %w", err))
	}

	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = truncate(resp.String(), 300)
		}
		return nil, classifyFailure(c.Name(), resp.StatusCode(), resp.Header().Get("Retry-After"),
			fmt.Errorf("API error (status %d, %s): %s", resp.StatusCode(), apiErr.Error.Type, msg))
	}

	logger.Debug("claude response",
		zap.String("label", req.Label),
		zap.String("model", out.Model),
		zap.String("stop_reason", out.StopReason),
		zap.Duration("latency", time.Since(startTime)),
	)

	text, err := claudeOutput(out)
	if err != nil {
		return nil, err
	}

	return &Result{
		Text:         text,
		FinishReason: out.StopReason,
		Provider:     c.Name(),
		Model:        model,
	}, nil
}

// claudeOutput prefers the forced tool input and falls back to a JSON text block.
func claudeOutput(out claudeResponse) (string, error) {
	var texts []string
	for _, block := range out.Content {
		switch block.Type {
		case "tool_use":
			if block.Name == claudeToolName && len(block.Input) > 0 {
				return string(block.Input), nil
			}
		case "text":
			texts = append(texts, block.Text)
		}
	}

	if len(texts) == 0 {
		return "", errs.Parse("claude.output", errors.New("no tool output in response"))
	}
	text := strings.TrimSpace(strings.Join(texts, "\n"))
	if !json.Valid([]byte(text)) {
		return "", errs.Parse("claude.output", errors.New("text response is not JSON"))
	}
	return text, nil
}
