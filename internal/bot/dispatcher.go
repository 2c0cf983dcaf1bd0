package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/agent-ledger/internal/common"
	"github.com/Veraticus/agent-ledger/internal/llm"
	"github.com/Veraticus/agent-ledger/internal/metrics"
	"github.com/Veraticus/agent-ledger/internal/model"
	"github.com/Veraticus/agent-ledger/internal/reconcile"
	"github.com/Veraticus/agent-ledger/internal/report"
	"github.com/Veraticus/agent-ledger/internal/storage"
)

const helpText = `👋 I track the agent's money from the messages you forward me.

Forward any message from the agent and I will file it.

/balance — current balance
/pending — payments waiting to clear
/summary — balance, pending and unknown at a glance
/excel — the workbook
/unknown — messages that need a decision
/resolve <id> <kind> <amount> [ref] — file an unknown message by hand
/clear [pending|unknown|all] — reset a list (the balance is kept)`

// Sender delivers replies to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, name string, data []byte) error
}

// Exporter renders the ledger as a workbook.
type Exporter interface {
	Export(ledger model.Ledger) ([]byte, error)
}

// Inbound is one update from the transport, already stripped of transport types.
type Inbound struct {
	SentAt    time.Time
	Text      string
	Sender    string
	FileName  string
	Command   string
	Args      string
	ChatID    int64
	MessageID int
}

// SourceID is the idempotency key of the message.
func (in Inbound) SourceID() string {
	return fmt.Sprintf("tg:%d:%d", in.ChatID, in.MessageID)
}

// Raw converts the update to the message the extractor sees.
func (in Inbound) Raw() model.RawMessage {
	return model.RawMessage{
		ID:         in.SourceID(),
		Text:       in.Text,
		Sender:     in.Sender,
		FileName:   in.FileName,
		ReceivedAt: in.SentAt,
	}
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Now            func() time.Time
	OperatorChatID int64
}

// Dispatcher routes operator commands and forwarded messages.
type Dispatcher struct {
	store    LedgerStore
	ingestor *Ingestor
	exporter Exporter
	policy   *reconcile.Policy
	sender   Sender
	logger   *slog.Logger
	now      func() time.Time
	operator int64
}

// NewDispatcher creates a dispatcher. A nil exporter disables /excel and
// the workbook part of the daily report.
func NewDispatcher(store LedgerStore, ingestor *Ingestor, exporter Exporter, policy *reconcile.Policy, sender Sender, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = reconcile.NewPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		store:    store,
		ingestor: ingestor,
		exporter: exporter,
		policy:   policy,
		sender:   sender,
		logger:   logger,
		now:      cfg.Now,
		operator: cfg.OperatorChatID,
	}
}

// Handle processes one inbound update. Updates from chats other than the
// operator's are dropped with ErrUnauthorized and never reach the ledger.
func (d *Dispatcher) Handle(ctx context.Context, in Inbound) error {
	if in.ChatID != d.operator {
		return fmt.Errorf("%w: chat %d", common.ErrUnauthorized, in.ChatID)
	}

	if in.Command == "" {
		return d.ingest(ctx, in)
	}

	command := strings.ToLower(in.Command)
	metrics.ObserveCommand(command)
	d.logger.Debug("handling command", "command", command, "args", in.Args)

	var err error
	switch command {
	case "start", "help":
		err = d.reply(ctx, helpText)
	case "balance":
		err = d.withSnapshot(ctx, report.BalanceLine)
	case "pending":
		err = d.withSnapshot(ctx, report.PendingList)
	case "unknown":
		err = d.withSnapshot(ctx, report.UnknownList)
	case "summary":
		err = d.withSnapshot(ctx, report.Summarize)
	case "excel":
		err = d.sendWorkbook(ctx, "Agent_Model.xlsx")
	case "clear":
		err = d.clear(ctx, in.Args)
	case "resolve":
		err = d.resolve(ctx, in.Args)
	default:
		err = d.reply(ctx, fmt.Sprintf("Unknown command /%s. Send /help for the list.", command))
	}

	if err != nil {
		return d.fail(ctx, "/"+command, err)
	}
	return nil
}

// SendReport sends the summary and the workbook to the operator. It backs
// the daily schedule.
func (d *Dispatcher) SendReport(ctx context.Context) error {
	ledger, err := d.store.Snapshot(ctx)
	if err != nil {
		metrics.ObserveReport("summary", err)
		return d.fail(ctx, "daily report", err)
	}
	d.observeLedger(ledger)

	err = d.reply(ctx, "🌅 Daily report\n\n"+report.Summarize(ledger)+"\n\n"+report.PendingList(ledger)+"\n\n"+report.UnknownList(ledger))
	metrics.ObserveReport("summary", err)
	if err != nil {
		return fmt.Errorf("failed to send daily summary: %w", err)
	}

	if d.exporter == nil {
		d.logger.Info("workbook export disabled, daily report sent without it")
		return nil
	}
	if err := d.exportAndSend(ctx, ledger, report.ReportFileName(d.now())); err != nil {
		return d.fail(ctx, "daily report", err)
	}
	return nil
}

func (d *Dispatcher) ingest(ctx context.Context, in Inbound) error {
	raw := in.Raw()
	receipt, err := d.ingestor.Ingest(ctx, raw)
	if err != nil {
		return d.fail(ctx, "message", err)
	}

	if ledger, err := d.store.Snapshot(ctx); err == nil {
		d.observeLedger(ledger)
	}
	return d.reply(ctx, acknowledgement(raw, receipt))
}

func acknowledgement(raw model.RawMessage, r Receipt) string {
	when := raw.ReceivedAt.Format("02.01 15:04")
	what := raw.Display(60)
	if what == "" {
		what = "(empty message)"
	}

	if r.Duplicate {
		return fmt.Sprintf("↩️ Already filed (%s): %s", when, what)
	}

	switch r.Mutation.Kind {
	case model.MutationBalance, model.MutationClearPending:
		return fmt.Sprintf("✅ Saved (%s): %s → balance %s %s, now %s",
			when, what, r.Mutation.EntryKind, signed(r.Mutation.Amount.String()), report.FormatAmount(r.Balance))
	case model.MutationAddPending:
		return fmt.Sprintf("✅ Saved (%s): %s → pending %s %s",
			when, what, report.FormatAmount(r.Mutation.Pending.Amount), r.Mutation.Pending.Key())
	case model.MutationQuarantine:
		return fmt.Sprintf("❓ Saved (%s): %s → unknown [%s] %s",
			when, what, model.ShortID(r.Mutation.Unknown.ID), r.Mutation.Unknown.Reason)
	}
	return fmt.Sprintf("✅ Saved (%s): %s", when, what)
}

func signed(amount string) string {
	if strings.HasPrefix(amount, "-") {
		return amount
	}
	return "+" + amount
}

func (d *Dispatcher) withSnapshot(ctx context.Context, render func(model.Ledger) string) error {
	ledger, err := d.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	d.observeLedger(ledger)
	return d.reply(ctx, render(ledger))
}

func (d *Dispatcher) sendWorkbook(ctx context.Context, name string) error {
	if d.exporter == nil {
		return d.reply(ctx, "Excel export is disabled: the template workbook was not found. Put it at the configured report.template_path and restart.")
	}
	ledger, err := d.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	return d.exportAndSend(ctx, ledger, name)
}

func (d *Dispatcher) exportAndSend(ctx context.Context, ledger model.Ledger, name string) error {
	data, err := d.exporter.Export(ledger)
	metrics.ObserveReport("excel", err)
	if err != nil {
		return fmt.Errorf("failed to build workbook: %w", err)
	}
	return d.sender.SendDocument(ctx, d.operator, name, data)
}

func (d *Dispatcher) clear(ctx context.Context, args string) error {
	target, err := model.ParseClearTarget(args)
	if err != nil {
		return common.NewUserError(err.Error(), err)
	}

	result, err := d.store.Clear(ctx, target)
	if err != nil {
		return err
	}
	ledger, err := d.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	d.observeLedger(ledger)

	return d.reply(ctx, fmt.Sprintf("🗑 Cleared %s: %d pending, %d unknown removed. Balance unchanged at %s.",
		target, result.Pending, result.Unknown, report.FormatAmount(ledger.Balance)))
}

func (d *Dispatcher) resolve(ctx context.Context, args string) error {
	id, event, err := parseResolve(args)
	if err != nil {
		return common.NewUserError(err.Error()+"\nUsage: /resolve <id> <kind> <amount> [reference]", err)
	}

	unknown, err := d.store.UnknownByID(ctx, id)
	if errors.Is(err, common.ErrNotFound) || errors.Is(err, storage.ErrAmbiguousID) {
		return common.NewUserError(fmt.Sprintf("No single unknown item matches %q. Send /unknown for the list.", id), err)
	}
	if err != nil {
		return err
	}

	res, err := d.store.ApplyWith(ctx, reconcile.ResolutionSourceID(unknown.ID), func(ledger *model.Ledger) (model.Mutation, error) {
		current, ok := ledger.FindUnknown(unknown.ID)
		if !ok {
			return model.Mutation{}, fmt.Errorf("unknown item %s: %w", unknown.ID, common.ErrNotFound)
		}
		return d.policy.Resolve(current, event, ledger)
	})
	switch {
	case errors.Is(err, reconcile.ErrStillAmbiguous):
		return common.NewUserError("That would still be ambiguous: "+err.Error(), err)
	case errors.Is(err, common.ErrNotFound):
		return common.NewUserError("That item was already resolved or cleared.", err)
	case err != nil:
		return err
	}
	if !res.Applied {
		return d.reply(ctx, "That item was already resolved.")
	}

	if ledger, err := d.store.Snapshot(ctx); err == nil {
		d.observeLedger(ledger)
	}
	metrics.ObserveIngest(res.Mutation.Destination())
	d.logger.Info("unknown item resolved",
		"unknown_id", unknown.ID,
		"source_message_id", unknown.SourceMessageID,
		"destination", res.Mutation.Destination())

	return d.reply(ctx, fmt.Sprintf("✅ Resolved [%s] as %s → %s. Balance %s.",
		model.ShortID(unknown.ID), event.Kind, res.Mutation.Destination(), report.FormatAmount(res.Balance)))
}

// parseResolve reads "<id> <kind> <amount> [reference]". A pending_clear
// may give a reference in place of the amount.
func parseResolve(args string) (string, model.FinancialEvent, error) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return "", model.FinancialEvent{}, fmt.Errorf("missing id or kind")
	}

	event := model.FinancialEvent{
		Kind:       model.EventKind(strings.ToLower(fields[1])),
		Confidence: model.ConfidenceConfident,
	}
	if !event.Kind.Valid() {
		return "", model.FinancialEvent{}, fmt.Errorf("unknown kind %q", fields[1])
	}

	rest := fields[2:]
	if len(rest) > 0 {
		if amount, err := llm.ParseAmount(rest[0]); err == nil {
			event.Amount = amount
			event.HasAmount = true
			rest = rest[1:]
		} else if event.Kind != model.KindPendingClear {
			return "", model.FinancialEvent{}, err
		}
	}
	if (!event.HasAmount || event.Amount.IsZero()) && event.Kind != model.KindPendingClear {
		return "", model.FinancialEvent{}, fmt.Errorf("%s needs a non-zero amount", event.Kind)
	}
	event.Reference = strings.Join(rest, " ")

	return fields[0], event, nil
}

func (d *Dispatcher) reply(ctx context.Context, text string) error {
	return d.sender.SendText(ctx, d.operator, text)
}

// fail reports err to the operator and returns it unless it was an
// operator mistake. Storage failures are always spelled out.
func (d *Dispatcher) fail(ctx context.Context, what string, err error) error {
	var userErr *common.UserError
	if errors.As(err, &userErr) {
		d.logger.Debug("rejected operator input", "what", what, "error", err)
		return d.reply(ctx, "⚠️ "+userErr.UserMessage)
	}

	d.logger.Error("request failed", "what", what, "error", err)

	text := fmt.Sprintf("⚠️ %s failed: %v", what, err)
	if errors.Is(err, common.ErrPersistence) {
		text = fmt.Sprintf("⚠️ %s failed: the ledger could not be saved (%v). Nothing was recorded; forward the message again once storage is back.", what, err)
	}
	if sendErr := d.reply(ctx, text); sendErr != nil {
		d.logger.Error("failed to report error to operator", "error", sendErr)
	}
	return err
}

func (d *Dispatcher) observeLedger(ledger model.Ledger) {
	metrics.ObserveLedger(len(ledger.Pending), len(ledger.Unknown))
}
