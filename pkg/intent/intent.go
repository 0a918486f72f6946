// Package intent provides the deterministic intent classifier that maps
// common trading requests straight to a tool call, bypassing the LLM.
// Detection is a pure function of the message text; patterns are deliberately
// conservative so free-form chat falls through to the provider loop.
package intent

import (
	"regexp"
	"strconv"
	"strings"
)

// Type enumerates the closed set of deterministic intents.
type Type string

const (
	TypeSwitchMarket        Type = "switch_market"
	TypeCurrentMarket       Type = "current_market"
	TypeListMarkets         Type = "list_markets"
	TypeBalance             Type = "balance"
	TypeOrdersOverview      Type = "orders_overview"
	TypeCancelOrder         Type = "cancel_order"
	TypeOrderStatus         Type = "order_status"
	TypeMarketOverview      Type = "market_overview"
	TypeDepth               Type = "depth"
	TypeDexStatus           Type = "dex_status"
	TypePriceRecommendation Type = "price_recommendation"
	TypePlaceOrder          Type = "place_order"
)

// Intent is a detected deterministic intent with the fields the matching
// tool needs. It is recomputed every turn and never persisted.
type Intent struct {
	Type        Type
	MarketIndex *int
	OrderID     string
	Side        string
	Amount      float64
	Price       *float64
}

var (
	switchMarketRe = regexp.MustCompile(`(?i)\b(?:switch|change|use|go)\s+(?:to\s+)?market\s*#?(\d+)\b`)
	marketRefRe    = regexp.MustCompile(`(?i)\bmarket\s*#?(\d+)\b`)
	cancelOrderRe  = regexp.MustCompile(`(?i)\bcancel\b.*\border\b|\border\b.*\bcancel\b`)
	orderIDRe      = regexp.MustCompile(`(?i)\border\s*#?(\d+)\b|#(\d+)\b`)
	orderStatusRe  = regexp.MustCompile(`(?i)\b(?:status|filled|fills?)\b.*\border\s*#?\d+|\border\s*#?\d+\b.*\b(?:status|filled|fills?)\b`)
	placeOrderRe   = regexp.MustCompile(`(?i)\b(buy|sell)\b\s+(\d+(?:\.\d+)?)\s+base\b(?:\s+(?:at|@)\s*\$?(\d+(?:\.\d+)?))?`)
	balanceRe      = regexp.MustCompile(`(?i)\bbalances?\b`)
	ordersRe       = regexp.MustCompile(`(?i)\b(?:my|open|show|list)\b[^.?!]*\borders\b|\borders\b[^.?!]*\b(?:open|overview)\b`)
	listMarketsRe  = regexp.MustCompile(`(?i)\b(?:list|show|available|what)\b[^.?!]*\bmarkets\b`)
	currentMktRe   = regexp.MustCompile(`(?i)\b(?:which|what|current)\b[^.?!]*\bmarket\b|\bcurrent\s+market\b`)
	depthRe        = regexp.MustCompile(`(?i)\b(?:depth|order\s?book)\b`)
	overviewRe     = regexp.MustCompile(`(?i)\bmarket\b[^.?!]*\b(?:overview|summary|stats)\b|\b(?:overview|summary|stats)\b[^.?!]*\bmarket\b`)
	dexStatusRe    = regexp.MustCompile(`(?i)\bdex\b[^.?!]*\b(?:status|health)\b|\b(?:status|health)\b[^.?!]*\bdex\b`)
	priceRecRe     = regexp.MustCompile(`(?i)\bprice\s+recommendation\b|\b(?:what|which|recommend|suggest)\b[^.?!]*\bprice\b`)
)

// Detect classifies the given user message. It returns nil when no
// conservative pattern matches, deferring to the provider loop.
//
// Precedence is fixed: explicit order-scoped requests win over market-scoped
// ones, and trade placement wins over the loose keyword patterns, so a
// message like "cancel order #3" never degrades into an orders overview.
func Detect(text string) *Intent {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	if m := switchMarketRe.FindStringSubmatch(trimmed); m != nil {
		return &Intent{Type: TypeSwitchMarket, MarketIndex: parseIndex(m[1])}
	}

	if orderStatusRe.MatchString(trimmed) {
		if id := findOrderID(trimmed); id != "" {
			return &Intent{Type: TypeOrderStatus, OrderID: id}
		}
	}

	if cancelOrderRe.MatchString(trimmed) {
		return &Intent{Type: TypeCancelOrder, OrderID: findOrderID(trimmed)}
	}

	if m := placeOrderRe.FindStringSubmatch(trimmed); m != nil {
		amount, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil
		}
		in := &Intent{
			Type:        TypePlaceOrder,
			Side:        strings.ToLower(m[1]),
			Amount:      amount,
			MarketIndex: findMarketRef(trimmed),
		}
		if m[3] != "" {
			if price, err := strconv.ParseFloat(m[3], 64); err == nil {
				in.Price = &price
			}
		}
		return in
	}

	if balanceRe.MatchString(trimmed) {
		return &Intent{Type: TypeBalance, MarketIndex: findMarketRef(trimmed)}
	}

	if ordersRe.MatchString(trimmed) {
		return &Intent{Type: TypeOrdersOverview, MarketIndex: findMarketRef(trimmed)}
	}

	if listMarketsRe.MatchString(trimmed) {
		return &Intent{Type: TypeListMarkets}
	}

	if depthRe.MatchString(trimmed) {
		return &Intent{Type: TypeDepth, MarketIndex: findMarketRef(trimmed)}
	}

	if overviewRe.MatchString(trimmed) {
		return &Intent{Type: TypeMarketOverview, MarketIndex: findMarketRef(trimmed)}
	}

	if dexStatusRe.MatchString(trimmed) {
		return &Intent{Type: TypeDexStatus}
	}

	if priceRecRe.MatchString(trimmed) {
		return &Intent{Type: TypePriceRecommendation, MarketIndex: findMarketRef(trimmed)}
	}

	if currentMktRe.MatchString(trimmed) {
		return &Intent{Type: TypeCurrentMarket}
	}

	return nil
}

func parseIndex(raw string) *int {
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &idx
}

func findMarketRef(text string) *int {
	m := marketRefRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return parseIndex(m[1])
}

func findOrderID(text string) string {
	m := orderIDRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}
