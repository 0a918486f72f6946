// Package orchestrator sequences one conversation turn at a time: resolve a
// pending confirmation, try the deterministic intent router, then fall back
// to a remote provider's tool-calling loop. State-mutating tool calls are
// never issued with confirm=true unless the user explicitly confirmed.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rifqi/dexa/internal/observability"
	"github.com/rifqi/dexa/pkg/agent"
	"github.com/rifqi/dexa/pkg/intent"
	"github.com/rifqi/dexa/pkg/toolexec"
)

// TurnRequest is the caller-facing input for one user turn.
type TurnRequest struct {
	Provider      string              `json:"provider,omitempty"`
	Model         string              `json:"model,omitempty"`
	APIKey        string              `json:"apiKey"`
	WalletAddress string              `json:"walletAddress,omitempty"`
	Messages      []agent.ChatMessage `json:"messages"`
}

// ProviderFactory creates providers; swapped out in tests.
type ProviderFactory func(kind agent.Kind, apiKey string) (agent.Provider, error)

// Config holds orchestrator dependencies.
type Config struct {
	Executor        *toolexec.Executor
	Logger          zerolog.Logger
	ProviderFactory ProviderFactory
	MaxTokens       int
	Now             func() time.Time
}

// Orchestrator owns the per-conversation mutable state: the single
// pending-action slot and (through its executor) the active market and
// cached tool schemas. One instance serves one conversation; the caller must
// not invoke Run concurrently on the same instance.
type Orchestrator struct {
	executor        *toolexec.Executor
	logger          zerolog.Logger
	providerFactory ProviderFactory
	maxTokens       int
	now             func() time.Time

	pending    *PendingAction
	pendingSeq int64
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}

	factory := cfg.ProviderFactory
	if factory == nil {
		factory = agent.NewProvider
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	return &Orchestrator{
		executor:        cfg.Executor,
		logger:          cfg.Logger,
		providerFactory: factory,
		maxTokens:       maxTokens,
		now:             now,
	}, nil
}

// Run processes one user turn and returns the user-visible reply. Every
// terminal path produces a reply string; only cancellation, round-budget
// exhaustion, and provider failures that survive the model fallback come
// back as errors.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) (string, error) {
	start := time.Now()

	lastUser := latestUserMessage(req.Messages)
	if lastUser == "" {
		return "", fmt.Errorf("turn has no user message")
	}

	if reply, handled, ok := o.resolvePending(ctx, req, lastUser); handled {
		observability.RecordTurn("pending", time.Since(start), ok)
		return reply, nil
	}

	if in := intent.Detect(lastUser); in != nil {
		reply, err := o.dispatchIntent(ctx, req, in)
		if err != nil {
			observability.RecordTurn("deterministic", time.Since(start), false)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// Deterministic failures become replies, not stack unwinds.
			return ClassifyToolError(err), nil
		}
		observability.RecordTurn("deterministic", time.Since(start), true)
		return reply, nil
	}

	reply, err := o.runProvider(ctx, req, lastUser)
	observability.RecordTurn("provider", time.Since(start), err == nil)
	return reply, err
}

// runProvider drives the model loop, retrying once with the provider's
// default model when an explicit override fails.
func (o *Orchestrator) runProvider(ctx context.Context, req TurnRequest, lastUser string) (string, error) {
	kind := providerKind(req.Provider)

	model := req.Model
	overridden := model != "" && model != agent.DefaultModel(kind)
	if model == "" {
		model = agent.DefaultModel(kind)
	}

	reply, err := o.runProviderModel(ctx, req, kind, model, lastUser)
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if overridden {
		o.logger.Warn().
			Str("model", model).
			Str("fallback", agent.DefaultModel(kind)).
			Err(err).
			Msg("Model override failed, retrying with default model")
		reply, retryErr := o.runProviderModel(ctx, req, kind, agent.DefaultModel(kind), lastUser)
		if retryErr == nil {
			return reply, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		err = retryErr
	}

	return "", MapProviderError(kind, err)
}

func (o *Orchestrator) runProviderModel(ctx context.Context, req TurnRequest, kind agent.Kind, model, lastUser string) (string, error) {
	provider, err := o.providerFactory(kind, req.APIKey)
	if err != nil {
		return "", err
	}

	specs, err := o.executor.LoadSpecs(ctx)
	if err != nil {
		return "", err
	}

	if err := o.executor.EnsureMarkets(ctx, req.WalletAddress); err != nil {
		// The model can still answer, and can call list_markets itself.
		o.logger.Warn().Err(err).Msg("Market list unavailable before provider round")
	}

	forcedTool, hint := o.deriveForcedTool(req, lastUser)

	loop := agent.NewLoop(provider, &turnRunner{orchestrator: o, walletAddress: req.WalletAddress}, o.logger)
	return loop.Run(ctx, agent.LoopInput{
		Model:      model,
		System:     o.systemPrompt(req, hint),
		Messages:   req.Messages,
		Tools:      specs,
		ForcedTool: forcedTool,
		MaxTokens:  o.maxTokens,
	})
}

// balanceHintRe matches the word "balance" only, so "rebalance" and similar
// do not force a balance read.
var balanceHintRe = regexp.MustCompile(`(?i)\bbalances?\b`)

// deriveForcedTool shortcuts the first round when the context makes the
// opening tool call obvious.
func (o *Orchestrator) deriveForcedTool(req TurnRequest, lastUser string) (string, string) {
	if req.WalletAddress != "" && balanceHintRe.MatchString(lastUser) {
		return "get_balance", "The user is asking about their balances. Call get_balance first, then summarize vault and orderbook balances."
	}

	return "", ""
}

func (o *Orchestrator) systemPrompt(req TurnRequest, hint string) string {
	var b strings.Builder
	b.WriteString("You are a trading assistant for an on-chain order book exchange. ")
	b.WriteString("Use the available tools to answer questions about markets, balances and orders, and to place or cancel orders when asked. ")
	b.WriteString("Never invent market data; read it through a tool. ")
	b.WriteString("State-mutating tools may ask for confirmation; relay that question to the user instead of assuming consent.")

	if idx, ok := o.executor.ActiveMarket(); ok {
		fmt.Fprintf(&b, " The active market index is %d%s.", idx, marketNameSuffix(o.executor.Markets(), idx))
	}
	if req.WalletAddress != "" {
		fmt.Fprintf(&b, " The user's wallet address is %s.", req.WalletAddress)
	} else {
		b.WriteString(" No wallet is connected; wallet-scoped tools are unavailable.")
	}
	if hint != "" {
		b.WriteString(" ")
		b.WriteString(hint)
	}

	return b.String()
}

func marketNameSuffix(markets []toolexec.Market, idx int) string {
	for _, m := range markets {
		if m.Index == idx && m.Name != "" {
			return fmt.Sprintf(" (%s)", m.Name)
		}
	}
	return ""
}

func providerKind(raw string) agent.Kind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(agent.KindAnthropic):
		return agent.KindAnthropic
	case string(agent.KindOpenAI):
		return agent.KindOpenAI
	default:
		return agent.KindOpenRouter
	}
}

func latestUserMessage(messages []agent.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
