package bot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Veraticus/agent-ledger/internal/model"
)

// legacyDateLayout is the timestamp format of the old message log.
const legacyDateLayout = "02.01.2006 15:04"

type legacyEntry struct {
	Date   string `json:"date"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
	File   string `json:"file"`
}

// ParseLegacyLog reads the JSON message log kept by the previous bot.
// Each entry gets a content-derived ID, so importing the same log twice
// applies nothing the second time.
func ParseLegacyLog(r io.Reader, loc *time.Location) ([]model.RawMessage, error) {
	if loc == nil {
		loc = time.Local
	}

	var entries []legacyEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode message log: %w", err)
	}

	messages := make([]model.RawMessage, 0, len(entries))
	seen := make(map[string]int)
	for i, e := range entries {
		received, err := time.ParseInLocation(legacyDateLayout, strings.TrimSpace(e.Date), loc)
		if err != nil {
			return nil, fmt.Errorf("entry %d: invalid date %q: %w", i, e.Date, err)
		}

		id := legacyID(e)
		// Identical entries are distinct forwards; number the repeats.
		if n := seen[id]; n > 0 {
			seen[id] = n + 1
			id = fmt.Sprintf("%s.%d", id, n)
		} else {
			seen[id] = 1
		}

		messages = append(messages, model.RawMessage{
			ID:         id,
			Text:       e.Text,
			Sender:     e.Sender,
			FileName:   e.File,
			ReceivedAt: received,
		})
	}
	return messages, nil
}

func legacyID(e legacyEntry) string {
	sum := sha256.Sum256([]byte(e.Date + "\x00" + e.Sender + "\x00" + e.Text + "\x00" + e.File))
	return "legacy:" + hex.EncodeToString(sum[:])
}
