package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Veraticus/agent-ledger/internal/common"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxMessageRunes is the Bot API limit for one text message.
const maxMessageRunes = 4096

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Token       string
	PollTimeout time.Duration
	Workers     int
}

// TelegramBot adapts the Telegram Bot API to Inbound updates and implements Sender.
type TelegramBot struct {
	api         *tgbotapi.BotAPI
	logger      *slog.Logger
	pollTimeout time.Duration
	workers     int
}

// NewTelegramBot connects to the Bot API.
func NewTelegramBot(cfg TelegramConfig, logger *slog.Logger) (*TelegramBot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	logger.Info("connected to telegram", "bot", api.Self.UserName)

	return &TelegramBot{
		api:         api,
		logger:      logger,
		pollTimeout: cfg.PollTimeout,
		workers:     cfg.Workers,
	}, nil
}

// Run long-polls for updates and hands them to handle until ctx is done.
func (b *TelegramBot) Run(ctx context.Context, handle func(context.Context, Inbound) error) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.pollTimeout.Seconds())
	updates := b.api.GetUpdatesChan(u)

	inbound := make(chan Inbound)
	go func() {
		defer close(inbound)
		for {
			select {
			case <-ctx.Done():
				b.api.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				in, ok := toInbound(update.Message)
				if !ok {
					continue
				}
				select {
				case inbound <- in:
				case <-ctx.Done():
					b.api.StopReceivingUpdates()
					return
				}
			}
		}
	}()

	runWorkers(ctx, inbound, b.workers, handle, b.logger)
	return ctx.Err()
}

// SendText sends text, split into chunks the API accepts.
func (b *TelegramBot) SendText(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text, maxMessageRunes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}
	return nil
}

// SendDocument uploads data as a file named name.
func (b *TelegramBot) SendDocument(ctx context.Context, chatID int64, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	if _, err := b.api.Send(doc); err != nil {
		return fmt.Errorf("failed to send document %s: %w", name, err)
	}
	return nil
}

// toInbound extracts what the ledger needs from a Telegram message.
// Forward metadata wins over the forwarding user.
func toInbound(msg *tgbotapi.Message) (Inbound, bool) {
	if msg == nil || msg.Chat == nil {
		return Inbound{}, false
	}

	in := Inbound{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		SentAt:    time.Unix(int64(msg.Date), 0),
	}
	if in.Text == "" {
		in.Text = msg.Caption
	}
	if msg.Document != nil {
		in.FileName = msg.Document.FileName
	}
	if msg.ForwardDate != 0 {
		in.SentAt = time.Unix(int64(msg.ForwardDate), 0)
	}

	switch {
	case msg.ForwardFrom != nil:
		in.Sender = displayName(msg.ForwardFrom)
	case msg.ForwardSenderName != "":
		in.Sender = msg.ForwardSenderName
	case msg.ForwardFromChat != nil:
		in.Sender = msg.ForwardFromChat.Title
	}

	if msg.IsCommand() {
		in.Command = msg.Command()
		in.Args = msg.CommandArguments()
	}
	return in, true
}

// displayName prefers the full name over the username.
func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// runWorkers drains in with n concurrent handlers and returns once in is
// closed and every handler has finished.
func runWorkers(ctx context.Context, in <-chan Inbound, n int, handle func(context.Context, Inbound) error, logger *slog.Logger) {
	if n <= 0 {
		n = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for msg := range in {
				err := handle(ctx, msg)
				switch {
				case err == nil:
				case errors.Is(err, common.ErrUnauthorized):
					logger.Warn("ignoring update", "chat_id", msg.ChatID, "error", err)
				default:
					logger.Error("update failed",
						"worker", worker,
						"source_message_id", msg.SourceID(),
						"error", err)
				}
			}
		}(i)
	}
	wg.Wait()
}

func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		// Prefer breaking at a newline in the second half of the chunk.
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
