package pipeline

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arborchat-dev/arborchat/pkg/chatgraph"
)

// OpenAIGenerator implements Generator over the OpenAI chat completion
// API. The conversation's own settings pick the model and temperature.
type OpenAIGenerator struct {
	client *openai.Client
}

// NewOpenAIGenerator creates a generator with the given API key and
// optional base URL override.
func NewOpenAIGenerator(apiKey, baseURL string) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIGenerator{client: openai.NewClientWithConfig(config)}, nil
}

// Generate sends the branch history plus the new user turn as a chat
// completion request.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.Settings.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Settings.SystemPrompt,
		})
	}
	for _, msg := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    chatRole(msg.Role),
			Content: msg.Content,
		})
	}
	if req.Prompt != nil {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt.Content,
		})
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Settings.Model,
		Temperature: float32(req.Settings.Temperature),
		Messages:    messages,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	return &GenerateResult{
		Content: resp.Choices[0].Message.Content,
		Usage: &chatgraph.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func chatRole(role chatgraph.Role) string {
	switch role {
	case chatgraph.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case chatgraph.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
