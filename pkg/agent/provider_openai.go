package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider over the OpenAI-compatible function
// calling protocol. The OpenRouter variant is the same wire shape behind a
// different base URL.
type OpenAIProvider struct {
	client openai.Client
	name   string
}

// NewOpenAIProvider creates a provider against the OpenAI API.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		name:   string(KindOpenAI),
	}
}

// NewOpenRouterProvider creates a provider routed through OpenRouter.
func NewOpenRouterProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(openRouterBaseURL),
			option.WithHeader("X-Title", "dexa"),
		),
		name: string(KindOpenRouter),
	}
}

// Name returns the provider tag.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Chat performs one round against the chat completions endpoint. Each tool
// call from a previous assistant turn must be answered by one role:"tool"
// message carrying its tool_call_id.
func (p *OpenAIProvider) Chat(ctx context.Context, request Request) (*Response, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if request.System != "" {
		messages = append(messages, openai.SystemMessage(request.System))
	}

	for _, msg := range request.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments for %s: %w", tc.Name, err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.ToolCallID, msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}

	if request.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.MaxTokens))
	}

	if len(request.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(request.Tools))
		for _, spec := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.Parameters),
				},
			})
		}
		params.Tools = tools
	}

	if request.ForcedTool != "" {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{
					Name: request.ForcedTool,
				},
			},
		}
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}

	choice := response.Choices[0]
	toolCalls := []ToolCall{}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}

	return &Response{
		Content:   choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}
