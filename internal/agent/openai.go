package agent

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultOpenAIModel  = "qwen-max"
	defaultSystemPrompt = "你是闲鱼卖家的客服助手。回答简洁礼貌，只通过平台沟通，不要提供任何站外联系方式。"
)

// OpenAIConfig configures an OpenAI-compatible chat completion backend.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
}

// OpenAIReplier generates replies with a chat completion call.
type OpenAIReplier struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

// NewOpenAIReplier creates a replier. BaseURL selects a compatible provider.
func NewOpenAIReplier(cfg OpenAIConfig) *OpenAIReplier {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &OpenAIReplier{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: prompt,
	}
}

// Generate implements Replier.
func (r *OpenAIReplier) Generate(ctx context.Context, message, identity, conversationID string) (string, error) {
	system := r.systemPrompt
	if conversationID != "" {
		system += "\n【会话】" + conversationID
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
		Temperature: 0.4,
		TopP:        0.8,
		MaxTokens:   500,
		User:        identity,
	})
	if err != nil {
		return "", fmt.Errorf("%w: chat completion: %v", ErrReply, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrReply)
	}
	return resp.Choices[0].Message.Content, nil
}
