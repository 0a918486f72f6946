package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rifqi/dexa/pkg/toolexec"
)

// describeAction renders a held mutating call as a short sentence for the
// confirmation prompt.
func describeAction(name string, args map[string]interface{}) string {
	switch name {
	case "place_order", "smart_place_order":
		side, _ := args["side"].(string)
		if side == "" {
			side = "trade"
		}
		amount := numberArg(args, "amount")
		sentence := fmt.Sprintf("This will place a %s order for %s BASE", side, amount)
		if price := numberArg(args, "price"); price != "" {
			sentence += fmt.Sprintf(" at %s", price)
		}
		return sentence + "."
	case "cancel_order":
		if id, ok := args["orderId"].(string); ok && id != "" {
			return fmt.Sprintf("This will cancel order #%s.", id)
		}
		return "This will cancel the order."
	default:
		return fmt.Sprintf("This will run %s.", name)
	}
}

// successReply derives the user-visible summary of a successful tool result.
func successReply(name string, result *toolexec.Result) string {
	if result.Message != "" {
		return result.Message
	}

	switch name {
	case "place_order", "smart_place_order":
		reply := "Order placed."
		if id := orderIDFrom(result.Data); id != "" {
			reply = fmt.Sprintf("Order #%s placed.", id)
		}
		if status := statusLine(result.Data); status != "" {
			reply += " " + status
		}
		return reply
	case "cancel_order":
		if id := orderIDFrom(result.Data); id != "" {
			return fmt.Sprintf("Order #%s cancelled.", id)
		}
		return "Order cancelled."
	case "get_balance":
		return balanceSummary(result.Data)
	case "get_open_orders":
		return openOrdersSummary(result.Data)
	case "get_order_status":
		if status := statusLine(result.Data); status != "" {
			return status
		}
	}

	return dataFallback(result.Data)
}

// failureReply derives the user-visible line for a domain failure.
func failureReply(name string, result *toolexec.Result) string {
	if result.Message != "" {
		return ClassifyToolError(fmt.Errorf("%s", result.Message))
	}
	return fmt.Sprintf("The %s call failed without a reason from the backend.", name)
}

func balanceSummary(data map[string]interface{}) string {
	if data == nil {
		return "Your balances are empty."
	}
	parts := []string{}
	for _, key := range []string{"vault", "orderbook", "wallet"} {
		if nested, ok := data[key].(map[string]interface{}); ok {
			parts = append(parts, fmt.Sprintf("%s: %s", key, flattenAmounts(nested)))
		}
	}
	if len(parts) == 0 {
		if base, quote := numberField(data, "base"), numberField(data, "quote"); base != "" || quote != "" {
			return fmt.Sprintf("You hold %s BASE and %s QUOTE.", orDash(base), orDash(quote))
		}
		return dataFallback(data)
	}
	return "Balances: " + strings.Join(parts, "; ") + "."
}

func openOrdersSummary(data map[string]interface{}) string {
	orders, ok := data["orders"].([]interface{})
	if !ok || len(orders) == 0 {
		return "You have no open orders."
	}

	lines := make([]string, 0, len(orders))
	for _, raw := range orders {
		order, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		id := orderIDFrom(order)
		side, _ := order["side"].(string)
		line := fmt.Sprintf("#%s %s %s", orDash(id), orDash(side), orDash(numberField(order, "amount")))
		if price := numberField(order, "price"); price != "" {
			line += " @ " + price
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "You have no open orders."
	}
	return fmt.Sprintf("You have %d open order(s): %s.", len(lines), strings.Join(lines, "; "))
}

func marketListSummary(markets []toolexec.Market, activeIdx int, hasActive bool) string {
	if len(markets) == 0 {
		return "No markets are available right now."
	}
	lines := make([]string, 0, len(markets))
	for _, m := range markets {
		line := fmt.Sprintf("#%d", m.Index)
		if m.Name != "" {
			line += " " + m.Name
		}
		if hasActive && m.Index == activeIdx {
			line += " (active)"
		}
		lines = append(lines, line)
	}
	return "Available markets: " + strings.Join(lines, ", ") + "."
}

func statusLine(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	status, ok := data["status"].(string)
	if !ok {
		if nested, isMap := data["status"].(map[string]interface{}); isMap {
			if s, sok := nested["status"].(string); sok {
				status = s
				ok = true
			}
		}
	}
	if !ok || status == "" {
		return ""
	}
	line := fmt.Sprintf("Status: %s.", status)
	if filled := numberField(data, "filled"); filled != "" {
		line += fmt.Sprintf(" Filled: %s.", filled)
	}
	return line
}

func orderIDFrom(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	switch v := data["orderId"].(type) {
	case string:
		return v
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%.0f", v), ".")
	case json.Number:
		return v.String()
	}
	return ""
}

func flattenAmounts(data map[string]interface{}) string {
	parts := make([]string, 0, len(data))
	for _, key := range []string{"base", "quote"} {
		if v := numberField(data, key); v != "" {
			parts = append(parts, fmt.Sprintf("%s %s", v, strings.ToUpper(key)))
		}
	}
	if len(parts) == 0 {
		return dataFallback(data)
	}
	return strings.Join(parts, " / ")
}

func numberField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	switch v := data[key].(type) {
	case float64:
		return trimFloat(v)
	case int:
		return fmt.Sprintf("%d", v)
	case json.Number:
		return v.String()
	case string:
		return v
	}
	return ""
}

func numberArg(args map[string]interface{}, key string) string {
	return numberField(args, key)
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.8f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// dataFallback renders unknown result data as compact JSON so nothing the
// backend said is silently dropped.
func dataFallback(data map[string]interface{}) string {
	if len(data) == 0 {
		return "Done."
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "Done."
	}
	return string(raw)
}
