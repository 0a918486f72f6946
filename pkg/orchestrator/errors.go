package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rifqi/dexa/pkg/agent"
	"github.com/rifqi/dexa/pkg/toolexec"
)

// domainErrorSignatures maps known backend failure signatures to a fixed
// user-facing sentence. Matched case-insensitively against the error text,
// first hit wins.
var domainErrorSignatures = []struct {
	needle string
	reply  string
}{
	{"insufficient balance", "You don't have enough balance for that order. Check your balances with \"balance\" and try a smaller amount."},
	{"insufficient liquidity", "There isn't enough liquidity in the book to fill that order right now. Try a smaller amount or a limit price."},
	{"invalid market", "That market index doesn't exist. Say \"list markets\" to see the available markets."},
	{"unknown market", "That market index doesn't exist. Say \"list markets\" to see the available markets."},
	{"invalid address", "That wallet address doesn't look valid. Reconnect your wallet and try again."},
	{"wallet not connected", "No wallet is connected. Connect a wallet before using account-scoped commands."},
	{"order not found", "I couldn't find that order. It may already be filled or cancelled; say \"my orders\" to see what's open."},
	{"price required", "A limit price is required for that order. Try e.g. \"buy 10 base at 2.5\"."},
	{"missing required price", "A limit price is required for that order. Try e.g. \"buy 10 base at 2.5\"."},
}

// ClassifyToolError turns a tool-layer failure into a reply sentence. Known
// domain signatures get their fixed wording; transient failures that
// survived the retry budget get a try-again message; everything else gets a
// generic failure line carrying the backend's own words.
func ClassifyToolError(err error) string {
	if err == nil {
		return ""
	}
	text := err.Error()
	lower := strings.ToLower(text)

	for _, sig := range domainErrorSignatures {
		if strings.Contains(lower, sig.needle) {
			return sig.reply
		}
	}

	var httpErr *toolexec.HTTPError
	if errors.As(err, &httpErr) && httpErr.Message != "" {
		text = httpErr.Message
	}

	if toolexec.IsTransient(err) {
		return "The trading backend is temporarily unavailable. I retried a few times without luck; please try again in a moment."
	}

	return fmt.Sprintf("That didn't work: %s.", strings.TrimRight(text, "."))
}

// MapProviderError rewrites provider auth and rate-limit failures into
// actionable diagnostics; everything else passes through unchanged.
func MapProviderError(kind agent.Kind, err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		switch kind {
		case agent.KindAnthropic:
			return fmt.Errorf("anthropic rejected the API key (401): check the Anthropic key configured in settings: %w", err)
		case agent.KindOpenAI:
			return fmt.Errorf("openai rejected the API key (401): check the OpenAI key configured in settings: %w", err)
		default:
			return fmt.Errorf("openrouter rejected the API key (401): check the OpenRouter key configured in settings: %w", err)
		}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return fmt.Errorf("%s is rate limiting requests (429): wait a moment and try again, or switch models: %w", kind, err)
	}

	return err
}
