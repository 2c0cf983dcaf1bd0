package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Veraticus/agent-ledger/internal/model"
	"github.com/shopspring/decimal"
)

// kindNone is the oracle's explicit "could not classify" answer.
const kindNone = "none"

// ParseError is a reply that does not satisfy the output contract.
type ParseError struct {
	Partial *model.FinancialEvent
	Reason  model.UnknownReason
	Detail  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

type oracleReply struct {
	Kind       string          `json:"kind"`
	Amount     json.RawMessage `json:"amount"`
	Reference  string          `json:"reference"`
	Note       string          `json:"note"`
	Confidence string          `json:"confidence"`
}

// ParseEvent validates an oracle reply and converts it into an event. Every
// non-conforming reply becomes a *ParseError.
func ParseEvent(content string) (model.FinancialEvent, error) {
	content = cleanMarkdownWrapper(content)
	if !strings.HasPrefix(content, "{") {
		return model.FinancialEvent{}, malformed(nil, "reply is not a JSON object")
	}

	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()

	var reply oracleReply
	if err := dec.Decode(&reply); err != nil {
		return model.FinancialEvent{}, malformed(nil, fmt.Sprintf("invalid JSON: %v", err))
	}
	if dec.More() {
		return model.FinancialEvent{}, malformed(nil, "trailing data after JSON object")
	}

	kind := strings.ToLower(strings.TrimSpace(reply.Kind))
	if kind == kindNone {
		return model.FinancialEvent{}, &ParseError{Reason: model.ReasonUnclassified, Detail: "oracle could not classify the message"}
	}

	event := model.FinancialEvent{
		Kind:       model.EventKind(kind),
		Reference:  strings.TrimSpace(reply.Reference),
		Note:       strings.TrimSpace(reply.Note),
		Confidence: model.Confidence(strings.ToLower(strings.TrimSpace(reply.Confidence))),
	}

	if !event.Kind.Valid() {
		return model.FinancialEvent{}, malformed(nil, fmt.Sprintf("unrecognized kind %q", reply.Kind))
	}

	amount, present, err := parseAmount(reply.Amount)
	if err != nil {
		return model.FinancialEvent{}, malformed(&event, err.Error())
	}
	event.Amount = amount
	event.HasAmount = present

	if !event.Confidence.Valid() {
		return model.FinancialEvent{}, malformed(&event, fmt.Sprintf("unrecognized confidence %q", reply.Confidence))
	}

	if event.Kind != model.KindPendingClear && (!present || amount.IsZero()) {
		return model.FinancialEvent{}, malformed(&event, "missing amount")
	}

	return event, nil
}

func malformed(partial *model.FinancialEvent, detail string) *ParseError {
	if partial != nil {
		p := *partial
		partial = &p
	}
	return &ParseError{Reason: model.ReasonMalformedOutput, Detail: detail, Partial: partial}
}

// parseAmount accepts a JSON number or string. Strings may carry a leading
// plus, spaces, underscores, and either '.' or ',' as the decimal separator;
// anything else is rejected.
func parseAmount(raw json.RawMessage) (decimal.Decimal, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, false, nil
	}

	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return decimal.Zero, false, fmt.Errorf("invalid amount string: %w", err)
		}
	} else {
		var num json.Number
		if err := json.Unmarshal(raw, &num); err != nil {
			return decimal.Zero, false, fmt.Errorf("non-numeric amount %s", string(raw))
		}
		text = num.String()
	}

	text, err := normalizeAmount(text)
	if err != nil {
		return decimal.Zero, false, err
	}
	if text == "" {
		return decimal.Zero, false, nil
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("non-numeric amount %q", text)
	}
	return d, true, nil
}

// ParseAmount parses an amount typed by the operator with the rules used
// for oracle replies.
func ParseAmount(s string) (decimal.Decimal, error) {
	text, err := normalizeAmount(s)
	if err != nil {
		return decimal.Zero, err
	}
	if text == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("non-numeric amount %q", s)
	}
	return d, nil
}

// normalizeAmount rewrites s into decimal.NewFromString syntax. When both
// '.' and ',' appear, the rightmost one is the decimal separator and the
// other may only group digits to its left.
func normalizeAmount(s string) (string, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '\u00a0', '\u202f', '\'':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "+")

	dot, comma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case dot >= 0 && comma >= 0:
		decimalSep, groupSep := ".", ","
		if comma > dot {
			decimalSep, groupSep = ",", "."
		}
		idx := strings.LastIndex(s, decimalSep)
		if strings.Count(s, decimalSep) != 1 || strings.Contains(s[idx:], groupSep) {
			return "", fmt.Errorf("ambiguous amount separators in %q", s)
		}
		if !validGroups(s[:idx], groupSep) {
			return "", fmt.Errorf("invalid digit grouping in %q", s)
		}
		s = strings.ReplaceAll(s[:idx], groupSep, "") + "." + s[idx+1:]
	case comma >= 0:
		// A single comma followed by one or two digits is a decimal separator.
		if strings.Count(s, ",") == 1 && len(s)-comma-1 <= 2 {
			s = strings.Replace(s, ",", ".", 1)
			break
		}
		if !validGroups(s, ",") {
			return "", fmt.Errorf("invalid digit grouping in %q", s)
		}
		s = strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ".") > 1:
		if !validGroups(s, ".") {
			return "", fmt.Errorf("invalid digit grouping in %q", s)
		}
		s = strings.ReplaceAll(s, ".", "")
	}
	return s, nil
}

// validGroups reports whether every group after the first in s has
// exactly three characters.
func validGroups(s, sep string) bool {
	groups := strings.Split(s, sep)
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}

// cleanMarkdownWrapper strips a surrounding ``` fence, with or without a language tag.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if nl := strings.IndexByte(content, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(content[:nl]), "{") {
		content = content[nl+1:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
