package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/agent-ledger/internal/common"
	"github.com/Veraticus/agent-ledger/internal/metrics"
	"github.com/Veraticus/agent-ledger/internal/model"
)

// ExtractionFailure explains why no event could be extracted. It is a
// value, not an error: the caller quarantines the message.
type ExtractionFailure struct {
	Partial *model.FinancialEvent
	// Err is set when the oracle could not be reached and wraps
	// common.ErrOracleUnavailable.
	Err    error
	Reason model.UnknownReason
	Detail string
}

// Outcome is the tagged result of one extraction: exactly one of Event and
// Failure is set.
type Outcome struct {
	Event    *model.FinancialEvent
	Failure  *ExtractionFailure
	Attempts int
}

// Succeeded builds a successful outcome.
func Succeeded(event model.FinancialEvent) Outcome {
	return Outcome{Event: &event, Attempts: 1}
}

// Failed builds a failed outcome.
func Failed(reason model.UnknownReason, detail string) Outcome {
	return Outcome{Failure: &ExtractionFailure{Reason: reason, Detail: detail}, Attempts: 1}
}

// ExtractorOptions tunes oracle calls.
type ExtractorOptions struct {
	// Timeout bounds each oracle attempt.
	Timeout time.Duration
	// RateLimit is the number of oracle calls allowed per minute.
	RateLimit int
	Retry     common.RetryOptions
}

// Extractor turns raw messages into financial events through the oracle.
type Extractor struct {
	client  Client
	limiter *rateLimiter
	logger  *slog.Logger
	retry   common.RetryOptions
	timeout time.Duration
}

// NewExtractor creates an extractor over client.
func NewExtractor(client Client, opts ExtractorOptions, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 3
	}
	if opts.Retry.InitialDelay <= 0 {
		opts.Retry.InitialDelay = time.Second
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = 30 * time.Second
	}
	return &Extractor{
		client:  client,
		limiter: newRateLimiter(opts.RateLimit),
		logger:  logger,
		retry:   opts.Retry,
		timeout: opts.Timeout,
	}
}

// Extract classifies one message. It never returns an error: transient
// oracle failures are retried up to the configured bound and then reported
// as oracle_unavailable, and replies that break the output contract are
// reported immediately without retry.
func (e *Extractor) Extract(ctx context.Context, raw model.RawMessage) Outcome {
	prompt := buildPrompt(raw)

	var (
		outcome  Outcome
		attempts int
	)

	err := common.WithRetry(ctx, func(attempt int) error {
		attempts = attempt
		if err := e.limiter.wait(ctx); err != nil {
			return common.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		start := time.Now()
		reply, err := e.client.Complete(attemptCtx, systemPrompt, prompt)
		if err != nil {
			metrics.ObserveOracle(metrics.OracleUnavailable, time.Since(start))
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Transient() {
				return common.Permanent(err)
			}
			return err
		}

		event, err := ParseEvent(reply)
		if err != nil {
			metrics.ObserveOracle(metrics.OracleMalformed, time.Since(start))
			var parseErr *ParseError
			if errors.As(err, &parseErr) {
				outcome = Outcome{Failure: &ExtractionFailure{
					Reason:  parseErr.Reason,
					Detail:  parseErr.Detail,
					Partial: parseErr.Partial,
				}}
			}
			return common.Permanent(err)
		}

		metrics.ObserveOracle(metrics.OracleOK, time.Since(start))
		event.SourceMessageID = raw.ID
		outcome = Outcome{Event: &event}
		return nil
	}, e.retry)

	outcome.Attempts = attempts

	if outcome.Failure != nil {
		outcome.Failure.attachSource(raw.ID)
		e.logger.Warn("oracle reply rejected",
			"source_message_id", raw.ID,
			"reason", outcome.Failure.Reason,
			"detail", outcome.Failure.Detail)
		return outcome
	}

	if err != nil {
		e.logger.Error("oracle unavailable",
			"source_message_id", raw.ID,
			"attempts", attempts,
			"error", err)
		outcome.Failure = &ExtractionFailure{
			Err:    fmt.Errorf("%w: %w", common.ErrOracleUnavailable, err),
			Reason: model.ReasonOracleUnavailable,
			Detail: fmt.Sprintf("after %d attempt(s): %v", attempts, err),
		}
		return outcome
	}

	e.logger.Debug("message classified",
		"source_message_id", raw.ID,
		"kind", outcome.Event.Kind,
		"amount", outcome.Event.Amount.String(),
		"reference", outcome.Event.Reference,
		"confidence", outcome.Event.Confidence)

	return outcome
}

func (f *ExtractionFailure) attachSource(id string) {
	if f.Partial != nil {
		f.Partial.SourceMessageID = id
	}
}
