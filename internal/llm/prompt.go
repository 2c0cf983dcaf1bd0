package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/agent-ledger/internal/model"
)

// systemPrompt is the fixed instruction contract for the oracle. The reply
// channel is a single JSON object; prose is never read.
const systemPrompt = `You classify messages from a financial agent who makes and receives payments on behalf of a company.
The agent works in AED, CNY, USD, EUR, SGD and RUB and charges commission on payments.

Classify the message into exactly one event and respond with ONLY a JSON object, no markdown and no commentary:
{"kind": "<kind>", "amount": "<decimal>", "reference": "<token or empty>", "note": "<short description>", "confidence": "confident|ambiguous"}

kind must be one of:
- "deposit": money received into the agent balance
- "withdrawal": money paid out of the agent balance
- "pending_create": an invoice or payment announced but not yet executed
- "pending_clear": confirmation that a previously announced invoice or payment was executed
- "adjustment": a correction of the balance (fees, commission, rate differences, corrections)
- "none": the message does not describe a financial event

Rules:
- amount is a plain decimal string using "." as the decimal separator, no currency symbols or thousands separators.
- For adjustments give the signed amount (negative reduces the balance). For other kinds give the absolute amount.
- reference is the invoice number, payment id or counterparty token that links a pending_clear to its pending_create. Use "" when there is none.
- Use "ambiguous" whenever the kind, the amount or the reference is uncertain.
- For "none" only the kind field is required.`

// buildPrompt renders the user turn for one raw message.
func buildPrompt(raw model.RawMessage) string {
	var b strings.Builder
	b.WriteString("Message")
	if raw.Sender != "" {
		fmt.Fprintf(&b, " from %s", raw.Sender)
	}
	if !raw.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, " at %s", raw.ReceivedAt.Format(time.RFC3339))
	}
	b.WriteString(":\n")
	b.WriteString(raw.Content())
	return b.String()
}
