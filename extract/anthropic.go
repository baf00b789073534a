package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Anthropic Messages API extractor.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// AnthropicExtractor runs extraction through the official Anthropic SDK.
type AnthropicExtractor struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicExtractor builds the SDK client. An empty APIKey falls back
// to the SDK's environment lookup.
func NewAnthropicExtractor(cfg AnthropicConfig) *AnthropicExtractor {
	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &AnthropicExtractor{
		client:    &client,
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func (c *AnthropicExtractor) Name() string {
	return "anthropic:" + c.model
}

// Extract sends the prompt as one user message and concatenates the text
// blocks of the reply.
func (c *AnthropicExtractor) Extract(ctx context.Context, prompt string) (string, error) {
	if c.model == "" {
		return "", fmt.Errorf("missing extraction model")
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(0.3),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	content := strings.TrimSpace(sb.String())
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
