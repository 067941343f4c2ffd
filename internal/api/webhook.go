package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"payrolld/internal/domain"
	"payrolld/internal/metrics"
	"payrolld/internal/signature"
)

const maxWebhookBody = 1 << 20

// webhookPayload is the provider's notification body. Field names follow the
// provider and must not change.
type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string          `json:"reference"`
		Amount    decimal.Decimal `json:"amount"`
		Currency  string          `json:"currency"`
		Fees      decimal.Decimal `json:"fees"`
		Status    string          `json:"status"`
	} `json:"data"`
}

func signatureHeader(provider string) string {
	return "x-" + strings.ToLower(provider) + "-signature"
}

func parseWebhook(provider string, body []byte) (domain.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.WebhookEvent{}, err
	}
	if strings.TrimSpace(p.Data.Reference) == "" {
		return domain.WebhookEvent{}, errors.New("missing data.reference")
	}
	return domain.WebhookEvent{
		Provider:  provider,
		Event:     p.Event,
		Reference: strings.TrimSpace(p.Data.Reference),
		Currency:  p.Data.Currency,
		Amount:    p.Data.Amount,
		Fee:       p.Data.Fees,
		Status:    p.Data.Status,
		Payload:   body,
	}, nil
}

// webhook authenticates a provider notification against the raw body bytes
// and hands it to the reconciler. Nothing is stored before the signature
// checks out.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	logger := s.logger.With().Str("provider", provider).Logger()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		metrics.Webhooks.WithLabelValues("invalid").Inc()
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if provider != strings.ToLower(s.deps.Provider) ||
		!signature.Verify(body, r.Header.Get(signatureHeader(provider)), s.deps.WebhookSecret) {
		metrics.Webhooks.WithLabelValues("rejected").Inc()
		logger.Warn().Err(domain.ErrSignatureMismatch).Msg("webhook rejected")
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	evt, err := parseWebhook(provider, body)
	if err != nil {
		metrics.Webhooks.WithLabelValues("invalid").Inc()
		logger.Warn().Err(err).Msg("webhook payload rejected")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	out, err := s.deps.Reconciler.OnWebhook(r.Context(), evt)
	if err != nil {
		metrics.Webhooks.WithLabelValues("error").Inc()
		logger.Error().Err(err).Str("reference", evt.Reference).Msg("webhook processing failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	metrics.Webhooks.WithLabelValues("accepted").Inc()
	logger.Info().
		Str("reference", evt.Reference).
		Str("event", evt.Event).
		Str("outcome", string(out.Kind)).
		Bool("applied", out.Applied).
		Msg("webhook verified")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook verified"))
}
