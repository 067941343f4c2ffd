// Package reconcile turns provider notifications into balance updates.
//
// A reference can be resolved by the webhook push path or by a client polling
// for it. Both paths go through resolve, and the store applies the terminal
// mutation for a reference at most once, so the order in which they arrive
// does not matter.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"payrolld/internal/domain"
	"payrolld/internal/metrics"
	"payrolld/internal/store"
)

var ErrMissingReference = errors.New("event has no reference")

type Store interface {
	RecordWebhookEvent(ctx context.Context, e domain.WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, ref string) (domain.WebhookEvent, error)
	ApplyFunding(ctx context.Context, ref string, success bool, amount, fee decimal.Decimal, mode domain.CreditMode) (store.FundingResult, error)
}

type Config struct {
	// Retries is how many times the polling path re-checks after the first miss.
	Retries int
	// Interval is the wait before each re-check.
	Interval time.Duration
	Mode     domain.CreditMode
}

func DefaultConfig() Config {
	return Config{Retries: 5, Interval: 5 * time.Second, Mode: domain.CreditAdditive}
}

type Reconciler struct {
	repo   Store
	cfg    Config
	logger zerolog.Logger
}

func New(repo Store, cfg Config) *Reconciler {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.CreditAdditive
	}
	return &Reconciler{
		repo:   repo,
		cfg:    cfg,
		logger: log.With().Str("component", "reconciler").Logger(),
	}
}

// MaxWait is the worst-case time VerifyByReference spends waiting.
func (r *Reconciler) MaxWait() time.Duration {
	return time.Duration(r.cfg.Retries) * r.cfg.Interval
}

// Succeeded reports whether a notification confirms the payment. The data
// status wins when present; otherwise the event name decides.
func Succeeded(e domain.WebhookEvent) bool {
	if status := strings.ToLower(strings.TrimSpace(e.Status)); status != "" {
		return status == "success" || status == "successful"
	}
	return strings.HasSuffix(strings.ToLower(e.Event), ".success")
}

// OnWebhook stores a verified notification and resolves its reference.
// Redeliveries of a reference are accepted and change nothing.
func (r *Reconciler) OnWebhook(ctx context.Context, evt domain.WebhookEvent) (domain.Outcome, error) {
	if evt.Reference == "" {
		return domain.Outcome{Kind: domain.OutcomeUnresolved}, ErrMissingReference
	}
	inserted, err := r.repo.RecordWebhookEvent(ctx, evt)
	if err != nil {
		return domain.Outcome{Kind: domain.OutcomeUnresolved, Reference: evt.Reference}, fmt.Errorf("record event: %w", err)
	}
	if !inserted {
		r.logger.Info().Str("reference", evt.Reference).Str("event", evt.Event).Msg("duplicate webhook delivery")
	}
	return r.resolve(ctx, evt.Reference)
}

// VerifyByReference resolves ref, waiting for the webhook to land if needed.
// It re-checks up to Retries times, Interval apart, and then reports the
// reference as unresolved. Cancelling ctx stops the wait early.
func (r *Reconciler) VerifyByReference(ctx context.Context, ref string) (domain.Outcome, error) {
	out, err := r.resolve(ctx, ref)
	for attempt := 1; err == nil && !out.Resolved() && attempt <= r.cfg.Retries; attempt++ {
		r.logger.Debug().Str("reference", ref).Int("attempt", attempt).Dur("wait", r.cfg.Interval).Msg("reference not confirmed yet")

		t := time.NewTimer(r.cfg.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return out, ctx.Err()
		case <-t.C:
		}
		out, err = r.resolve(ctx, ref)
	}
	if err != nil {
		return out, err
	}
	metrics.Verifications.WithLabelValues(string(out.Kind)).Inc()
	return out, nil
}

func (r *Reconciler) resolve(ctx context.Context, ref string) (domain.Outcome, error) {
	unresolved := domain.Outcome{Kind: domain.OutcomeUnresolved, Reference: ref}

	evt, err := r.repo.GetWebhookEvent(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return unresolved, nil
	}
	if err != nil {
		return unresolved, fmt.Errorf("load event: %w", err)
	}

	success := Succeeded(evt)
	res, err := r.repo.ApplyFunding(ctx, ref, success, evt.Amount, evt.Fee, r.cfg.Mode)
	if err != nil {
		return unresolved, fmt.Errorf("apply funding: %w", err)
	}

	logger := r.logger.With().Str("reference", ref).Str("event", evt.Event).Logger()
	switch {
	case res.Applied:
		metrics.FundingsApplied.Inc()
		logger.Info().
			Str("account_number", res.AccountNumber).
			Str("status", string(res.Status)).
			Str("balance", res.Balance.String()).
			Msg("funding applied")
	case !res.Found:
		logger.Debug().Msg("no funding registered for reference")
	default:
		logger.Debug().Str("status", string(res.Status)).Msg("funding already applied")
	}

	kind := domain.OutcomeFailed
	if success {
		kind = domain.OutcomeSucceeded
	}
	return domain.Outcome{Kind: kind, Reference: ref, Applied: res.Applied, Event: &evt}, nil
}
