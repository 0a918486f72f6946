package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 2048

// AnthropicProvider implements Provider over the Anthropic messages protocol.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider tag.
func (p *AnthropicProvider) Name() string {
	return string(KindAnthropic)
}

// Chat performs one round against the Anthropic messages endpoint. Tool
// results from a round are aggregated into a single user message of
// tool_result blocks, as the protocol requires.
func (p *AnthropicProvider) Chat(ctx context.Context, request Request) (*Response, error) {
	messages := []anthropic.MessageParam{}
	pendingResults := []anthropic.ContentBlockParamUnion{}

	flushResults := func() {
		if len(pendingResults) > 0 {
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: pendingResults,
			})
			pendingResults = nil
		}
	}

	for _, msg := range request.Messages {
		switch msg.Role {
		case "system":
			continue
		case "tool":
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		case "assistant":
			flushResults()
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}
		case "user":
			flushResults()
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushResults()

	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if request.System != "" {
		reqParams.System = []anthropic.TextBlockParam{{Text: request.System}}
	}

	if len(request.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(request.Tools))
		for _, spec := range request.Tools {
			toolParam := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: spec.Parameters["properties"],
				},
			}
			if required, ok := spec.Parameters["required"].([]interface{}); ok {
				names := make([]string, 0, len(required))
				for _, v := range required {
					if s, ok := v.(string); ok {
						names = append(names, s)
					}
				}
				toolParam.InputSchema.Required = names
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		reqParams.Tools = tools
	}

	if request.ForcedTool != "" {
		reqParams.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: request.ForcedTool},
		}
	}

	response, err := p.client.Messages.New(ctx, reqParams)
	if err != nil {
		return nil, err
	}

	content := ""
	toolCalls := []ToolCall{}

	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool input for %s: %w", b.Name, err)
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Args: args,
			})
		}
	}

	return &Response{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}
