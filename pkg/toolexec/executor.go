package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/rifqi/dexa/internal/observability"
)

const (
	maxAttempts  = 3
	baseDelay    = 250 * time.Millisecond
	listMarkets  = "list_markets"
	marketIndexK = "marketIndex"
)

// walletTools receive the caller's wallet address when the model omits it.
var walletTools = map[string]bool{
	"get_balance":       true,
	"get_open_orders":   true,
	"place_order":       true,
	"smart_place_order": true,
	"cancel_order":      true,
	"get_order_status":  true,
	"get_order_insight": true,
}

// marketTools receive the active market index when the model omits it.
var marketTools = map[string]bool{
	"get_balance":              true,
	"get_open_orders":          true,
	"place_order":              true,
	"smart_place_order":        true,
	"cancel_order":             true,
	"get_order_status":         true,
	"get_order_insight":        true,
	"get_market_overview":      true,
	"get_orderbook_depth":      true,
	"get_price_recommendation": true,
}

// numericArgs are coerced from numeric-looking strings before dispatch.
var numericArgs = map[string]bool{
	"amount":     true,
	"price":      true,
	"size":       true,
	marketIndexK: true,
	"limit":      true,
	"levels":     true,
}

// Backend abstracts the tool backend so tests can stub it.
type Backend interface {
	Specs(ctx context.Context) ([]Spec, error)
	Execute(ctx context.Context, name string, args map[string]interface{}, walletAddress string) (*Result, error)
}

// Executor issues tool calls through a Backend, normalizing arguments and
// retrying transient failures. It also owns the process-local market state:
// the cached list_markets result and the active market index used to fill in
// omitted marketIndex arguments.
type Executor struct {
	backend Backend
	logger  zerolog.Logger

	mu           sync.Mutex
	specs        []Spec
	schemas      map[string]*gojsonschema.Schema
	markets      []Market
	activeMarket int
	hasActive    bool
}

// NewExecutor creates an executor over the given backend.
func NewExecutor(backend Backend, logger zerolog.Logger) *Executor {
	observability.EnsureRegistered()
	return &Executor{
		backend: backend,
		logger:  logger,
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// LoadSpecs fetches and caches the tool schema list. The first successful
// fetch wins; later calls are no-ops.
func (e *Executor) LoadSpecs(ctx context.Context) ([]Spec, error) {
	e.mu.Lock()
	if len(e.specs) > 0 {
		specs := e.specs
		e.mu.Unlock()
		return specs, nil
	}
	e.mu.Unlock()

	specs, err := e.backend.Specs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool schemas: %w", err)
	}

	schemas := make(map[string]*gojsonschema.Schema, len(specs))
	for _, spec := range specs {
		if spec.Parameters == nil {
			continue
		}
		raw, err := json.Marshal(spec.Parameters)
		if err != nil {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			e.logger.Warn().Str("tool", spec.Name).Err(err).Msg("Skipping uncompilable parameter schema")
			continue
		}
		schemas[spec.Name] = schema
	}

	e.mu.Lock()
	e.specs = specs
	e.schemas = schemas
	e.mu.Unlock()

	e.logger.Info().Int("tools", len(specs)).Msg("Tool schemas loaded")
	return specs, nil
}

// Specs returns the cached tool schema list, which may be empty before
// LoadSpecs succeeds.
func (e *Executor) Specs() []Spec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.specs
}

// ValidateArgs checks model-supplied arguments against the tool's parameter
// schema. Unknown tools and tools without a schema pass through.
func (e *Executor) ValidateArgs(name string, args map[string]interface{}) error {
	e.mu.Lock()
	schema := e.schemas[name]
	e.mu.Unlock()

	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("argument validation failed for %s: %w", name, err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return fmt.Errorf("invalid arguments for %s: %s", name, first.String())
	}
	return nil
}

// EnsureMarkets loads the market list exactly once per executor lifetime and
// defaults the active market to the first entry.
func (e *Executor) EnsureMarkets(ctx context.Context, walletAddress string) error {
	e.mu.Lock()
	loaded := len(e.markets) > 0
	e.mu.Unlock()
	if loaded {
		return nil
	}

	result, err := e.ExecuteWithRetry(ctx, listMarkets, map[string]interface{}{}, walletAddress)
	if err != nil {
		return fmt.Errorf("failed to load markets: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("failed to load markets: %s", result.Message)
	}

	markets := parseMarkets(result.Data)
	if len(markets) == 0 {
		return fmt.Errorf("tool backend returned no markets")
	}

	e.mu.Lock()
	e.markets = markets
	if !e.hasActive {
		e.activeMarket = markets[0].Index
		e.hasActive = true
	}
	e.mu.Unlock()

	e.logger.Info().Int("markets", len(markets)).Int("active", markets[0].Index).Msg("Market list cached")
	return nil
}

// Markets returns the cached market list.
func (e *Executor) Markets() []Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markets
}

// ActiveMarket returns the last observed market index.
func (e *Executor) ActiveMarket() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeMarket, e.hasActive
}

// SetActiveMarket overrides the active market index.
func (e *Executor) SetActiveMarket(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeMarket = index
	e.hasActive = true
}

// Execute performs a single, normalized tool invocation.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}, walletAddress string) (*Result, error) {
	return e.execute(ctx, name, args, walletAddress, 1)
}

func (e *Executor) execute(ctx context.Context, name string, args map[string]interface{}, walletAddress string, attempt int) (*Result, error) {
	start := time.Now()
	execID, _ := gonanoid.New()

	normalized := e.normalizeArgs(name, args, walletAddress)

	result, err := e.backend.Execute(ctx, name, normalized, walletAddress)
	elapsed := time.Since(start)
	observability.RecordToolExecution(name, elapsed, err == nil && result != nil && result.OK)

	event := e.logger.Info()
	if err != nil {
		event = e.logger.Warn().Err(err)
	}
	event.
		Str("exec_id", execID).
		Str("tool", name).
		Int("attempt", attempt).
		Dur("elapsed", elapsed).
		Bool("ok", err == nil && result != nil && result.OK).
		Msg("Tool executed")

	if err != nil {
		return nil, err
	}

	// Last observed market wins.
	if idx, ok := numericField(result.Data, marketIndexK); ok {
		e.SetActiveMarket(idx)
	}

	return result, nil
}

// ExecuteWithRetry wraps Execute with up to three attempts, backing off
// 250ms, 500ms between attempts. Only transient failures are retried.
func (e *Executor) ExecuteWithRetry(ctx context.Context, name string, args map[string]interface{}, walletAddress string) (*Result, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := e.execute(ctx, name, args, walletAddress, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == maxAttempts || !IsTransient(err) {
			break
		}

		observability.RecordToolRetry(name)
		delay := baseDelay * (1 << (attempt - 1))
		e.logger.Info().
			Str("tool", name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying transient tool failure")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// normalizeArgs injects the wallet address and active market where the tool
// needs them, coerces numeric-looking strings, and stringifies order ids.
func (e *Executor) normalizeArgs(name string, args map[string]interface{}, walletAddress string) map[string]interface{} {
	normalized := make(map[string]interface{}, len(args)+2)
	for k, v := range args {
		normalized[k] = v
	}

	for key, value := range normalized {
		switch {
		case numericArgs[key]:
			if s, ok := value.(string); ok {
				if f, err := strconv.ParseFloat(s, 64); err == nil {
					normalized[key] = f
				}
			}
		case key == "orderId":
			normalized[key] = stringifyOrderID(value)
		}
	}

	if walletTools[name] && walletAddress != "" {
		if _, present := normalized["walletAddress"]; !present {
			normalized["walletAddress"] = walletAddress
		}
	}

	if marketTools[name] {
		if _, present := normalized[marketIndexK]; !present {
			if idx, ok := e.ActiveMarket(); ok {
				normalized[marketIndexK] = idx
			}
		}
	}

	return normalized
}

func stringifyOrderID(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func numericField(data map[string]interface{}, key string) (int, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func parseMarkets(data map[string]interface{}) []Market {
	if data == nil {
		return nil
	}
	raw, ok := data["markets"].([]interface{})
	if !ok {
		return nil
	}

	markets := make([]Market, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		market := Market{Index: -1}
		if idx, ok := numericField(entry, "index"); ok {
			market.Index = idx
		} else if idx, ok := numericField(entry, marketIndexK); ok {
			market.Index = idx
		}
		if name, ok := entry["name"].(string); ok {
			market.Name = name
		} else if symbol, ok := entry["symbol"].(string); ok {
			market.Name = symbol
		}
		if market.Index >= 0 {
			markets = append(markets, market)
		}
	}
	return markets
}
