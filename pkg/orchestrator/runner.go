package orchestrator

import (
	"context"

	"github.com/rifqi/dexa/internal/observability"
	"github.com/rifqi/dexa/pkg/agent"
	"github.com/rifqi/dexa/pkg/toolexec"
)

// lifecycleTools get a best-effort status/insight follow-up after a
// successful mutation so the reply can report fill state immediately.
var lifecycleTools = map[string]bool{
	"place_order":       true,
	"smart_place_order": true,
	"cancel_order":      true,
}

// turnRunner binds one turn's wallet address to the orchestrator so the
// dispatch loop can execute tools without re-threading request state.
type turnRunner struct {
	orchestrator  *Orchestrator
	walletAddress string
}

// RunTool validates and executes one model-requested call. Domain failures
// come back inside the Result so the model can correct itself; only
// cancellation aborts the loop.
func (r *turnRunner) RunTool(ctx context.Context, call agent.ToolCall) (*toolexec.Result, error) {
	o := r.orchestrator

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := o.executor.ValidateArgs(call.Name, call.Args); err != nil {
		o.logger.Warn().Str("tool", call.Name).Err(err).Msg("Rejected tool call arguments")
		return &toolexec.Result{OK: false, Message: err.Error()}, nil
	}

	confirmed, _ := call.Args["confirm"].(bool)

	result, err := o.executor.ExecuteWithRetry(ctx, call.Name, call.Args, r.walletAddress)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &toolexec.Result{OK: false, Message: ClassifyToolError(err)}, nil
	}

	switch {
	case result.NeedsConfirmation:
		pending := o.setPending(call.Name, call.Args, r.walletAddress, result.Message)
		if result.UserMessage == "" {
			result.UserMessage = confirmationReply(pending, false)
		}
	case confirmed:
		// The held proposal was just executed through the model path.
		o.clearPending()
	}

	if lifecycleTools[call.Name] && !result.NeedsConfirmation {
		status := "rejected"
		if result.OK {
			status = "executed"
		}
		observability.RecordTradeAudit(call.Name, r.walletAddress, status, call.Args)
	}

	if result.OK && !result.NeedsConfirmation {
		o.enrichLifecycle(ctx, call.Name, result, r.walletAddress)
	}

	if result.UserMessage == "" {
		if result.OK {
			result.UserMessage = successReply(call.Name, result)
		} else {
			result.UserMessage = failureReply(call.Name, result)
		}
	}

	return result, nil
}

// enrichLifecycle attaches order status and insight to a successful mutation
// result. Failures here are swallowed: the mutation already happened and the
// reply must not turn into an error because a read-back failed.
func (o *Orchestrator) enrichLifecycle(ctx context.Context, name string, result *toolexec.Result, wallet string) {
	if !lifecycleTools[name] || result == nil || !result.OK {
		return
	}
	orderID := orderIDFrom(result.Data)
	if orderID == "" {
		return
	}

	args := map[string]interface{}{"orderId": orderID}

	if status, err := o.executor.Execute(ctx, "get_order_status", args, wallet); err == nil && status.OK {
		result.Data["status"] = status.Data
	} else {
		o.logger.Debug().Str("order_id", orderID).Msg("Order status read-back unavailable")
	}

	if insight, err := o.executor.Execute(ctx, "get_order_insight", args, wallet); err == nil && insight.OK {
		result.Data["insight"] = insight.Data
	} else {
		o.logger.Debug().Str("order_id", orderID).Msg("Order insight read-back unavailable")
	}
}
