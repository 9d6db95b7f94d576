// Package forwarder delivers decoded messages to Telegram. It owns
// the retry/backoff policy and the terminal error taxonomy; failures
// are reported to the operator and never signalled back over SMTP.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/mixelka/tginbox/internal/formatter"
	"github.com/mixelka/tginbox/pkg/models"
)

// Terminal forward outcomes.
var (
	// ErrRateLimited: the endpoint kept answering 429 past the retry ceiling.
	ErrRateLimited = errors.New("telegram rate limit exceeded")
	// ErrUnreachable: transport kept failing past the retry ceiling.
	ErrUnreachable = errors.New("telegram unreachable")
	// ErrRejected: bad credential or unknown chat, not retryable.
	ErrRejected = errors.New("telegram rejected request")
)

// Journal outcome labels.
const (
	statusDelivered   = "delivered"
	statusRateLimited = "rate_limited"
	statusUnreachable = "unreachable"
	statusRejected    = "rejected"
)

// Recorder persists terminal forward outcomes for the operator.
type Recorder interface {
	Record(ctx context.Context, rec models.ForwardRecord) error
}

// Options configure the forwarder.
type Options struct {
	// APIServerURL overrides the Telegram API base URL. Empty means
	// the public endpoint.
	APIServerURL string
	// Attempts is the ceiling for delivery attempts per forward.
	Attempts int
	// BaseBackoff is the first retry delay; it doubles per attempt
	// and is also used when a rate-limit response carries no hint.
	BaseBackoff time.Duration
}

// maxBackoff caps the doubling delay between attempts.
const maxBackoff = 30 * time.Second

// Forwarder sends notifications through per-token bot clients.
type Forwarder struct {
	opts      Options
	formatter *formatter.TelegramFormatter
	recorder  Recorder
	logger    *slog.Logger

	mu   sync.Mutex
	bots map[string]*bot.Bot
}

// New creates a forwarder. recorder may be nil when the delivery
// journal is disabled.
func New(opts Options, recorder Recorder, logger *slog.Logger) *Forwarder {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	return &Forwarder{
		opts:      opts,
		formatter: formatter.NewTelegramFormatter(),
		recorder:  recorder,
		logger:    logger.With("component", "forwarder"),
		bots:      make(map[string]*bot.Bot),
	}
}

// Forward delivers one decoded message to one account. It retries
// rate-limited and transient failures up to the attempt ceiling and
// returns one of the terminal errors on giving up. The message is
// dropped on terminal failure; there is no queuing.
func (f *Forwarder) Forward(ctx context.Context, account models.Account, msg *models.DecodedMessage) error {
	text := f.formatter.Format(msg)

	attempts, err := f.deliver(ctx, account, text)
	f.report(ctx, account, msg, attempts, err)
	return err
}

// deliver runs the attempt loop and returns the attempt count and the
// terminal result.
func (f *Forwarder) deliver(ctx context.Context, account models.Account, text string) (int, error) {
	b, err := f.botFor(account.BotToken)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	delay := f.opts.BaseBackoff
	for attempt := 1; ; attempt++ {
		_, err := b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    account.ChatID,
			Text:      text,
			ParseMode: tgmodels.ParseModeHTML,
		})
		if err == nil {
			return attempt, nil
		}

		if isRejected(err) {
			return attempt, fmt.Errorf("%w: %v", ErrRejected, err)
		}

		rateLimited, hint := rateLimitHint(err)
		if attempt >= f.opts.Attempts {
			if rateLimited {
				return attempt, fmt.Errorf("%w after %d attempts: %v", ErrRateLimited, attempt, err)
			}
			return attempt, fmt.Errorf("%w after %d attempts: %v", ErrUnreachable, attempt, err)
		}

		wait := delay
		if rateLimited && hint > 0 {
			wait = hint
		}
		f.logger.Warn("forward attempt failed, retrying",
			"address", account.Address,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)

		if err := sleep(ctx, wait); err != nil {
			return attempt, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}

// botFor returns the cached bot client for a token, creating it on
// first use. Clients are safe for concurrent use.
func (f *Forwarder) botFor(token string) (*bot.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.bots[token]; ok {
		return b, nil
	}

	opts := []bot.Option{bot.WithSkipGetMe()}
	if f.opts.APIServerURL != "" {
		opts = append(opts, bot.WithServerURL(f.opts.APIServerURL))
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot client: %w", err)
	}
	f.bots[token] = b
	return b, nil
}

// report logs the terminal outcome and records it to the journal.
func (f *Forwarder) report(ctx context.Context, account models.Account, msg *models.DecodedMessage, attempts int, err error) {
	status := statusDelivered
	errText := ""
	switch {
	case err == nil:
	case errors.Is(err, ErrRateLimited):
		status = statusRateLimited
		errText = err.Error()
	case errors.Is(err, ErrRejected):
		status = statusRejected
		errText = err.Error()
	default:
		status = statusUnreachable
		errText = err.Error()
	}

	if err == nil {
		f.logger.Info("message forwarded",
			"address", account.Address,
			"chat_id", account.ChatID,
			"attempts", attempts,
		)
	} else {
		f.logger.Error("forward failed, message dropped",
			"address", account.Address,
			"chat_id", account.ChatID,
			"status", status,
			"attempts", attempts,
			"error", err,
		)
	}

	if f.recorder == nil {
		return
	}
	rec := models.ForwardRecord{
		Address:  account.Address,
		ChatID:   account.ChatID,
		Sender:   msg.From,
		Subject:  msg.Subject,
		Status:   status,
		Attempts: attempts,
		Error:    errText,
	}
	if recErr := f.recorder.Record(ctx, rec); recErr != nil {
		f.logger.Error("failed to record forward outcome", "error", recErr)
	}
}

// isRejected reports whether the error is permanent: bad credential,
// blocked bot or unknown chat.
func isRejected(err error) bool {
	return errors.Is(err, bot.ErrorUnauthorized) ||
		errors.Is(err, bot.ErrorForbidden) ||
		errors.Is(err, bot.ErrorBadRequest) ||
		errors.Is(err, bot.ErrorNotFound)
}

// rateLimitHint reports whether the error is a rate limit and the
// retry-after duration hinted by the endpoint, if any.
func rateLimitHint(err error) (bool, time.Duration) {
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return true, time.Duration(tooMany.RetryAfter) * time.Second
	}
	if errors.Is(err, bot.ErrorTooManyRequests) {
		return true, 0
	}
	return false, 0
}

// sleep waits for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
