package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ent0n29/triagechat/internal/conversation"
)

const defaultModel = "gemini-2.5-flash"

// OpenAIGenerator talks to any OpenAI-compatible chat completions endpoint.
type OpenAIGenerator struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

func NewOpenAIGenerator(cfg Config) *OpenAIGenerator {
	clientConfig := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: timeoutOrDefault(cfg.Timeout),
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	prompt := strings.TrimSpace(cfg.SystemPrompt)
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}

	return &OpenAIGenerator{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        model,
		systemPrompt: prompt,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, message string, history []conversation.Turn) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: buildMessages(g.systemPrompt, message, history),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
			return "", fmt.Errorf("create chat completion: %w", &StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message})
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
			return "", fmt.Errorf("create chat completion: %w", &StatusError{StatusCode: reqErr.HTTPStatusCode, Body: string(reqErr.Body)})
		}
		return "", fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no chat completion choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty chat completion")
	}
	return text, nil
}

func buildMessages(systemPrompt, message string, history []conversation.Turn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)*2+2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, turn := range history {
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn.User},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: turn.Assistant},
		)
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})
}
