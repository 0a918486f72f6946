package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/rifqi/dexa/internal/observability"
)

// pendingTTL bounds how long a proposed action stays confirmable.
const pendingTTL = 5 * time.Minute

// PendingAction is a state-mutating tool call the backend refused to run
// without explicit consent. At most one is held per conversation; a newer
// proposal replaces an older one.
type PendingAction struct {
	ID            int64
	Name          string
	Args          map[string]interface{}
	WalletAddress string
	Prompt        string
	CreatedAt     time.Time
}

var confirmPhrases = map[string]bool{
	"yes":        true,
	"y":          true,
	"yeah":       true,
	"yep":        true,
	"confirm":    true,
	"confirmed":  true,
	"ok":         true,
	"okay":       true,
	"sure":       true,
	"go ahead":   true,
	"proceed":    true,
	"do it":      true,
	"yes please": true,
}

var rejectPhrases = map[string]bool{
	"no":          true,
	"n":           true,
	"nope":        true,
	"cancel":      true,
	"stop":        true,
	"abort":       true,
	"reject":      true,
	"never mind":  true,
	"nevermind":   true,
	"don't":       true,
	"do not":      true,
	"cancel that": true,
}

// normalizePhrase lowercases, trims, and strips trailing punctuation so
// "Yes!" and "yes" resolve the same way.
func normalizePhrase(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRight(s, ".!?, ")
}

func isConfirmPhrase(text string) bool {
	return confirmPhrases[normalizePhrase(text)]
}

func isRejectPhrase(text string) bool {
	return rejectPhrases[normalizePhrase(text)]
}

// resolvePending handles the user's reply while a proposed action is held.
// It reports handled=false when no pending action exists or the reply is
// neither a confirmation nor a rejection, in which case the later stages run
// and the pending action stays armed. ok reports whether the handled turn
// succeeded; a failed confirmed execution is handled but not ok.
func (o *Orchestrator) resolvePending(ctx context.Context, req TurnRequest, lastUser string) (reply string, handled, ok bool) {
	if o.pending == nil {
		return "", false, false
	}
	pending := o.pending

	if isRejectPhrase(lastUser) {
		o.clearPending()
		observability.RecordPendingResolution("rejected")
		o.logger.Info().Int64("pending_id", pending.ID).Str("tool", pending.Name).Msg("Pending action rejected")
		return "Okay, I won't go ahead with that. Nothing was changed.", true, true
	}

	// Expiry is checked before the confirm phrases: a stale "yes" must never
	// fire a trade.
	if o.now().Sub(pending.CreatedAt) > pendingTTL {
		o.clearPending()
		observability.RecordPendingResolution("expired")
		o.logger.Info().Int64("pending_id", pending.ID).Str("tool", pending.Name).Msg("Pending action expired")
		return "That request expired before it was confirmed, so nothing was executed. Please make the request again if you still want it.", true, true
	}

	if isConfirmPhrase(lastUser) {
		reply, ok = o.executeConfirmed(ctx, req, pending)
		return reply, true, ok
	}

	// Anything else falls through; the slot stays armed until it expires,
	// is replaced, or is resolved.
	return "", false, false
}

// executeConfirmed re-issues the held call with confirm=true and clears the
// slot regardless of outcome: a confirmation is spent once.
func (o *Orchestrator) executeConfirmed(ctx context.Context, req TurnRequest, pending *PendingAction) (string, bool) {
	o.clearPending()
	observability.RecordPendingResolution("confirmed")

	args := make(map[string]interface{}, len(pending.Args)+1)
	for k, v := range pending.Args {
		args[k] = v
	}
	args["confirm"] = true

	wallet := pending.WalletAddress
	if wallet == "" {
		wallet = req.WalletAddress
	}

	result, err := o.executor.ExecuteWithRetry(ctx, pending.Name, args, wallet)
	if err != nil {
		o.logger.Warn().Err(err).Str("tool", pending.Name).Msg("Confirmed action failed")
		observability.RecordTradeAudit(pending.Name, wallet, "failed", pending.Args)
		return ClassifyToolError(err), false
	}
	if !result.OK {
		observability.RecordTradeAudit(pending.Name, wallet, "rejected", pending.Args)
		return failureReply(pending.Name, result), false
	}
	observability.RecordTradeAudit(pending.Name, wallet, "executed", pending.Args)

	o.enrichLifecycle(ctx, pending.Name, result, wallet)
	return successReply(pending.Name, result), true
}

// setPending arms the confirmation slot. A second confirmable proposal in
// the same conversation replaces the first.
func (o *Orchestrator) setPending(name string, args map[string]interface{}, wallet, prompt string) *PendingAction {
	replaced := o.pending
	o.pendingSeq++

	held := make(map[string]interface{}, len(args))
	for k, v := range args {
		held[k] = v
	}
	delete(held, "confirm")

	o.pending = &PendingAction{
		ID:            o.pendingSeq,
		Name:          name,
		Args:          held,
		WalletAddress: wallet,
		Prompt:        prompt,
		CreatedAt:     o.now(),
	}
	observability.SetPendingActions(1)

	event := o.logger.Info().Int64("pending_id", o.pending.ID).Str("tool", name)
	if replaced != nil {
		observability.RecordPendingResolution("replaced")
		event = event.Int64("replaced_id", replaced.ID)
	}
	event.Msg("Pending action armed")

	return o.pending
}

func (o *Orchestrator) clearPending() {
	o.pending = nil
	observability.SetPendingActions(0)
}

// confirmationReply renders the question put to the user when an action
// needs consent, noting a replaced earlier proposal.
func confirmationReply(pending *PendingAction, replaced bool) string {
	var b strings.Builder
	if replaced {
		b.WriteString("I've dropped the earlier request that was waiting for confirmation. ")
	}
	if pending.Prompt != "" {
		b.WriteString(pending.Prompt)
	} else {
		b.WriteString(describeAction(pending.Name, pending.Args))
	}
	b.WriteString(" Reply \"yes\" to confirm or \"no\" to cancel.")
	return b.String()
}
