// Package model defines the core domain types for the agent ledger.
package model

import (
	"fmt"
	"strings"
	"time"
)

// RawMessage is a forwarded message exactly as the transport delivered it.
type RawMessage struct {
	ReceivedAt time.Time
	ID         string // Transport-level identifier, used for dedup
	Text       string
	Sender     string // Original author of a forwarded message, if known
	FileName   string // Attached document name, if any
}

// Display renders a short single-line form for acknowledgements and logs.
func (m RawMessage) Display(maxLen int) string {
	var parts []string
	if m.Sender != "" {
		parts = append(parts, "from "+m.Sender)
	}
	if m.FileName != "" {
		parts = append(parts, "📎 "+m.FileName)
	}
	if text := strings.TrimSpace(m.Text); text != "" {
		parts = append(parts, fmt.Sprintf("%q", truncate(text, maxLen)))
	}
	return strings.Join(parts, " · ")
}

// Content is the text handed to the oracle, including attachment hints.
func (m RawMessage) Content() string {
	text := strings.TrimSpace(m.Text)
	if m.FileName != "" {
		text = strings.TrimSpace(text + "\n[file: " + m.FileName + "]")
	}
	return text
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}
