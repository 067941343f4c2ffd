package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"payrolld/internal/domain"
)

type verifyResp struct {
	Reference string             `json:"reference"`
	Status    domain.OutcomeKind `json:"status"`
	Applied   bool               `json:"applied"`
}

func outcomeStatus(k domain.OutcomeKind) int {
	switch k {
	case domain.OutcomeSucceeded:
		return http.StatusOK
	case domain.OutcomeFailed:
		return http.StatusBadRequest
	default:
		return http.StatusAccepted
	}
}

// verify resolves a reference on behalf of a polling client, waiting a
// bounded time for the provider's webhook to land.
func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "referenceNumber")

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.Reconciler.MaxWait()+time.Second)
	defer cancel()

	out, err := s.deps.Reconciler.VerifyByReference(ctx, ref)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Str("reference", ref).Msg("verify reference")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, outcomeStatus(out.Kind), verifyResp{Reference: ref, Status: out.Kind, Applied: out.Applied})
}
