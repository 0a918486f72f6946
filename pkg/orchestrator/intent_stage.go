package orchestrator

import (
	"context"
	"fmt"

	"github.com/rifqi/dexa/internal/observability"
	"github.com/rifqi/dexa/pkg/intent"
)

// dispatchIntent answers a deterministically routed request without touching
// a provider. Mutating intents go through the confirm=false-first flow.
func (o *Orchestrator) dispatchIntent(ctx context.Context, req TurnRequest, in *intent.Intent) (string, error) {
	if err := o.executor.EnsureMarkets(ctx, req.WalletAddress); err != nil {
		return "", err
	}

	if in.MarketIndex != nil {
		if !o.marketExists(*in.MarketIndex) {
			return fmt.Sprintf("Market #%d doesn't exist. %s", *in.MarketIndex, o.marketList()), nil
		}
		o.executor.SetActiveMarket(*in.MarketIndex)
	}

	switch in.Type {
	case intent.TypeSwitchMarket:
		idx, _ := o.executor.ActiveMarket()
		return fmt.Sprintf("Active market is now #%d%s.", idx, marketNameSuffix(o.executor.Markets(), idx)), nil

	case intent.TypeCurrentMarket:
		idx, ok := o.executor.ActiveMarket()
		if !ok {
			return "No market is selected yet. " + o.marketList(), nil
		}
		return fmt.Sprintf("The active market is #%d%s.", idx, marketNameSuffix(o.executor.Markets(), idx)), nil

	case intent.TypeListMarkets:
		return o.marketList(), nil

	case intent.TypeBalance:
		if req.WalletAddress == "" {
			return "No wallet is connected, so I can't look up balances. Connect a wallet first.", nil
		}
		return o.readTool(ctx, req, "get_balance", map[string]interface{}{})

	case intent.TypeOrdersOverview:
		if req.WalletAddress == "" {
			return "No wallet is connected, so I can't look up your orders. Connect a wallet first.", nil
		}
		return o.readTool(ctx, req, "get_open_orders", map[string]interface{}{})

	case intent.TypeCancelOrder:
		if in.OrderID == "" {
			return "Which order should I cancel? Say e.g. \"cancel order #12\".", nil
		}
		return o.runMutating(ctx, req, "cancel_order", map[string]interface{}{"orderId": in.OrderID})

	case intent.TypeOrderStatus:
		if in.OrderID == "" {
			return "Which order? Say e.g. \"status of order #12\".", nil
		}
		return o.readTool(ctx, req, "get_order_status", map[string]interface{}{"orderId": in.OrderID})

	case intent.TypeMarketOverview:
		return o.readTool(ctx, req, "get_market_overview", map[string]interface{}{})

	case intent.TypeDepth:
		return o.readTool(ctx, req, "get_orderbook_depth", map[string]interface{}{})

	case intent.TypeDexStatus:
		return o.readTool(ctx, req, "get_dex_status", map[string]interface{}{})

	case intent.TypePriceRecommendation:
		args := map[string]interface{}{}
		if in.Side != "" {
			args["side"] = in.Side
		}
		return o.readTool(ctx, req, "get_price_recommendation", args)

	case intent.TypePlaceOrder:
		if req.WalletAddress == "" {
			return "No wallet is connected, so I can't place orders. Connect a wallet first.", nil
		}
		args := map[string]interface{}{
			"side":   in.Side,
			"amount": in.Amount,
		}
		if in.Price != nil {
			args["price"] = *in.Price
		}
		return o.runMutating(ctx, req, "place_order", args)
	}

	return "", fmt.Errorf("unhandled intent type: %s", in.Type)
}

// readTool executes a read-only tool and formats its result.
func (o *Orchestrator) readTool(ctx context.Context, req TurnRequest, name string, args map[string]interface{}) (string, error) {
	result, err := o.executor.ExecuteWithRetry(ctx, name, args, req.WalletAddress)
	if err != nil {
		return "", err
	}
	if !result.OK {
		return failureReply(name, result), nil
	}
	return successReply(name, result), nil
}

// runMutating issues a state-mutating call with confirm=false first. When
// the backend asks for consent, the call is parked in the pending slot and
// the confirmation question becomes the reply.
func (o *Orchestrator) runMutating(ctx context.Context, req TurnRequest, name string, args map[string]interface{}) (string, error) {
	issued := make(map[string]interface{}, len(args)+1)
	for k, v := range args {
		issued[k] = v
	}
	issued["confirm"] = false

	result, err := o.executor.ExecuteWithRetry(ctx, name, issued, req.WalletAddress)
	if err != nil {
		return "", err
	}

	if result.NeedsConfirmation {
		replaced := o.pending != nil
		pending := o.setPending(name, args, req.WalletAddress, result.Message)
		return confirmationReply(pending, replaced), nil
	}
	if !result.OK {
		observability.RecordTradeAudit(name, req.WalletAddress, "rejected", args)
		return failureReply(name, result), nil
	}

	observability.RecordTradeAudit(name, req.WalletAddress, "executed", args)
	o.enrichLifecycle(ctx, name, result, req.WalletAddress)
	return successReply(name, result), nil
}

func (o *Orchestrator) marketExists(idx int) bool {
	for _, m := range o.executor.Markets() {
		if m.Index == idx {
			return true
		}
	}
	return false
}

func (o *Orchestrator) marketList() string {
	idx, ok := o.executor.ActiveMarket()
	return marketListSummary(o.executor.Markets(), idx, ok)
}
