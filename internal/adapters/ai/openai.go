package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/logger"
)

// JSON modes for OpenAI-compatible endpoints.
const (
	JSONModeSchema = "json_schema"
	JSONModeObject = "json_object"
)

// OpenAIConfig configures an OpenAI-compatible chat completions client. BaseURL
// can point at any compatible endpoint (DeepSeek, Qwen, a local server).
type OpenAIConfig struct {
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
	JSONMode string
}

func (c *OpenAIConfig) validate() error {
	if c.APIKey == "" {
		return errs.Config("openai.api_key", "is required")
	}
	if c.Model == "" {
		c.Model = openai.GPT4oMini
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	switch c.JSONMode {
	case "":
		c.JSONMode = JSONModeSchema
	case JSONModeSchema, JSONModeObject:
	default:
		return errs.Config("openai.json_mode", "unknown mode %q", c.JSONMode)
	}
	return nil
}

// OpenAIProvider is the second provider. Its responses go through RecoverJSON since
// compatible backends may prepend reasoning or wrap the answer in prose.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *openai.Client
}

// NewOpenAIProvider creates new OpenAI-compatible provider
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return ProviderOpenAI
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	format, system, err := p.responseFormat(req)
	if err != nil {
		return nil, err
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	startTime := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          model,
		Messages:       messages,
		Temperature:    float32(req.Temperature),
		MaxTokens:      req.MaxTokens,
		ResponseFormat: format,
	})
	if err != nil {
		return nil, classifyFailure(p.Name(), 0, "", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errs.Parse("openai.output", errors.New("no choices in response"))
	}

	choice := resp.Choices[0]
	logger.Debug("openai response",
		zap.String("label", req.Label),
		zap.String("model", resp.Model),
		zap.String("finish_reason", string(choice.FinishReason)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("latency", time.Since(startTime)),
	)

	text, err := RecoverJSON(choice.Message.Content)
	if err != nil {
		return nil, err
	}

	return &Result{
		Text:         text,
		FinishReason: string(choice.FinishReason),
		Provider:     p.Name(),
		Model:        model,
	}, nil
}

// responseFormat picks json_schema when supported, otherwise json_object with the
// schema spelled out in the system prompt.
func (p *OpenAIProvider) responseFormat(req Request) (*openai.ChatCompletionResponseFormat, string, error) {
	raw, err := MarshalStrict(req.Schema)
	if err != nil {
		return nil, "", err
	}

	if p.cfg.JSONMode == JSONModeObject {
		system := req.System
		if system != "" {
			system += "\n\n"
		}
		system += fmt.Sprintf("Respond with a single JSON document matching this JSON schema:\n%s", raw)
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}, system, nil
	}

	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "result",
			Schema: raw,
			Strict: req.Schema.FullyRequired(),
		},
	}, req.System, nil
}
