package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rifqi/dexa/internal/observability"
	"github.com/rifqi/dexa/pkg/toolexec"
)

// MaxRounds caps the multi-round exchange with a provider. Exceeding it is a
// protocol error, not a silent truncation.
const MaxRounds = 6

// ErrRoundBudget is returned when a turn exhausts MaxRounds without the
// model producing a final answer.
var ErrRoundBudget = errors.New("tool round budget exceeded")

// ToolRunner executes one model-requested tool call. Domain failures are
// reported inside the Result so the model can react; a non-nil error aborts
// the loop (cancellation or a fatal protocol failure).
type ToolRunner interface {
	RunTool(ctx context.Context, call ToolCall) (*toolexec.Result, error)
}

// LoopInput carries one turn's worth of context into the dispatch loop.
type LoopInput struct {
	Model      string
	System     string
	Messages   []ChatMessage
	Tools      []toolexec.Spec
	ForcedTool string
	MaxTokens  int
}

// Loop drives the bounded tool-calling exchange with one provider:
// call the model, execute any requested tools, feed results back, and stop
// as soon as a round produces zero tool calls.
type Loop struct {
	provider Provider
	runner   ToolRunner
	logger   zerolog.Logger
}

// NewLoop creates a dispatch loop over the given provider and tool runner.
func NewLoop(provider Provider, runner ToolRunner, logger zerolog.Logger) *Loop {
	observability.EnsureRegistered()
	return &Loop{
		provider: provider,
		runner:   runner,
		logger:   logger,
	}
}

// Run executes the loop and returns the model's final, normalized text.
// The forced tool applies to round 1 only.
func (l *Loop) Run(ctx context.Context, in LoopInput) (string, error) {
	history := make([]ChatMessage, len(in.Messages))
	copy(history, in.Messages)

	for round := 1; round <= MaxRounds; round++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		forced := ""
		if round == 1 {
			forced = in.ForcedTool
		}

		start := time.Now()
		response, err := l.provider.Chat(ctx, Request{
			Model:      in.Model,
			System:     in.System,
			Messages:   history,
			Tools:      in.Tools,
			ForcedTool: forced,
			MaxTokens:  in.MaxTokens,
		})
		observability.RecordProviderCall(l.provider.Name(), time.Since(start), err == nil)
		if err != nil {
			return "", err
		}

		if len(response.ToolCalls) == 0 {
			observability.RecordProviderRounds(l.provider.Name(), round)
			l.logger.Debug().
				Str("provider", l.provider.Name()).
				Int("rounds", round).
				Msg("Provider turn complete")
			return ExtractFinalText(response.Content), nil
		}

		history = append(history, ChatMessage{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		for _, call := range response.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", err
			}

			result, err := l.runner.RunTool(ctx, call)
			if err != nil {
				return "", err
			}

			payload, err := json.Marshal(result)
			if err != nil {
				return "", fmt.Errorf("failed to serialize result of %s: %w", call.Name, err)
			}

			l.logger.Debug().
				Str("tool", call.Name).
				Int("round", round).
				Bool("ok", result.OK).
				Msg("Tool round completed")

			history = append(history, ChatMessage{
				Role:       "tool",
				Content:    string(payload),
				ToolCallID: call.ID,
			})
		}
	}

	return "", fmt.Errorf("%w after %d rounds", ErrRoundBudget, MaxRounds)
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractFinalText normalizes a model answer: if the model wrapped its reply
// in a JSON code block (or answered with a bare JSON object), the
// userMessage or message field is extracted; otherwise the text is returned
// trimmed.
func ExtractFinalText(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return trimmed
	}

	candidate := ""
	if m := fencedJSONRe.FindStringSubmatch(trimmed); m != nil {
		candidate = m[1]
	} else if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		candidate = trimmed
	}

	if candidate != "" {
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			if s, ok := parsed["userMessage"].(string); ok && s != "" {
				return s
			}
			if s, ok := parsed["message"].(string); ok && s != "" {
				return s
			}
		}
	}

	return trimmed
}
