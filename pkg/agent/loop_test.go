package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rifqi/dexa/pkg/toolexec"
)

type scriptedProvider struct {
	responses []*Response
	requests  []Request
	err       error
}

func (p *scriptedProvider) Chat(ctx context.Context, request Request) (*Response, error) {
	p.requests = append(p.requests, request)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &Response{Content: "done"}, nil
	}
	next := p.responses[0]
	p.responses = p.responses[1:]
	return next, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

type recordingRunner struct {
	calls   []ToolCall
	results map[string]*toolexec.Result
	err     error
}

func (r *recordingRunner) RunTool(ctx context.Context, call ToolCall) (*toolexec.Result, error) {
	r.calls = append(r.calls, call)
	if r.err != nil {
		return nil, r.err
	}
	if result, ok := r.results[call.Name]; ok {
		return result, nil
	}
	return &toolexec.Result{OK: true}, nil
}

func newTestLoop(p Provider, r ToolRunner) *Loop {
	return NewLoop(p, r, zerolog.Nop())
}

func TestLoopReturnsTextWhenNoToolCalls(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{{Content: "Your balance is 5 BASE."}}}
	runner := &recordingRunner{}

	text, err := newTestLoop(provider, runner).Run(context.Background(), LoopInput{
		Model:    "test-model",
		Messages: []ChatMessage{{Role: "user", Content: "balance?"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Your balance is 5 BASE.", text)
	assert.Empty(t, runner.calls)
}

func TestLoopExecutesToolsAndFeedsResultsBack(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: "get_balance", Args: map[string]interface{}{}}}},
		{Content: "You hold 5 BASE."},
	}}
	runner := &recordingRunner{results: map[string]*toolexec.Result{
		"get_balance": {OK: true, Data: map[string]interface{}{"base": 5.0}},
	}}

	text, err := newTestLoop(provider, runner).Run(context.Background(), LoopInput{
		Model:    "test-model",
		Messages: []ChatMessage{{Role: "user", Content: "balance?"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "You hold 5 BASE.", text)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "get_balance", runner.calls[0].Name)

	// Second request must carry the assistant tool call plus its result.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "assistant", second[1].Role)
	assert.Equal(t, "tool", second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)

	var result toolexec.Result
	require.NoError(t, json.Unmarshal([]byte(second[2].Content), &result))
	assert.True(t, result.OK)
}

func TestLoopForcedToolAppliesToFirstRoundOnly(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: "get_balance"}}},
		{Content: "done"},
	}}
	runner := &recordingRunner{}

	_, err := newTestLoop(provider, runner).Run(context.Background(), LoopInput{
		Model:      "test-model",
		ForcedTool: "get_balance",
		Messages:   []ChatMessage{{Role: "user", Content: "balance"}},
	})

	require.NoError(t, err)
	require.Len(t, provider.requests, 2)
	assert.Equal(t, "get_balance", provider.requests[0].ForcedTool)
	assert.Empty(t, provider.requests[1].ForcedTool)

	// Exactly one executed call, matching the forced hint.
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "get_balance", runner.calls[0].Name)
}

func TestLoopRoundBudgetExhausted(t *testing.T) {
	responses := make([]*Response, 0, MaxRounds+1)
	for i := 0; i <= MaxRounds; i++ {
		responses = append(responses, &Response{
			ToolCalls: []ToolCall{{ID: "call", Name: "get_balance"}},
		})
	}
	provider := &scriptedProvider{responses: responses}

	_, err := newTestLoop(provider, &recordingRunner{}).Run(context.Background(), LoopInput{
		Model:    "test-model",
		Messages: []ChatMessage{{Role: "user", Content: "loop forever"}},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRoundBudget)
	assert.Len(t, provider.requests, MaxRounds)
}

func TestLoopAbortsOnRunnerError(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: "get_balance"}}},
	}}
	runner := &recordingRunner{err: context.Canceled}

	_, err := newTestLoop(provider, runner).Run(context.Background(), LoopInput{
		Model:    "test-model",
		Messages: []ChatMessage{{Role: "user", Content: "balance"}},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoopCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{}
	_, err := newTestLoop(provider, &recordingRunner{}).Run(ctx, LoopInput{Model: "test-model"})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, provider.requests)
}

func TestLoopPropagatesProviderError(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("401 Unauthorized")}

	_, err := newTestLoop(provider, &recordingRunner{}).Run(context.Background(), LoopInput{Model: "test-model"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestExtractFinalText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain text", "All good.", "All good."},
		{"whitespace", "  trimmed  ", "trimmed"},
		{
			"fenced json userMessage",
			"```json\n{\"userMessage\": \"Order placed.\", \"orderId\": \"12\"}\n```",
			"Order placed.",
		},
		{
			"fenced json message",
			"```\n{\"message\": \"Cancelled.\"}\n```",
			"Cancelled.",
		},
		{
			"bare json object",
			"{\"userMessage\": \"Done.\"}",
			"Done.",
		},
		{
			"json without known fields",
			"{\"status\": \"ok\"}",
			"{\"status\": \"ok\"}",
		},
		{
			"invalid fenced json",
			"```json\n{not json}\n```",
			"```json\n{not json}\n```",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractFinalText(tt.content))
		})
	}
}
