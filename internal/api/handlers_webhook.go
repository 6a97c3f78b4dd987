package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/cadencehq/cadence/internal/intake"
	"github.com/cadencehq/cadence/internal/normalizer"
	"github.com/cadencehq/cadence/internal/pkg/httputil"
	"github.com/cadencehq/cadence/internal/pkg/logger"
)

// handleWebhook is the provider event intake endpoint. Order of
// operations is load-bearing: capture the exact raw bytes, verify the
// signature over them, then parse and run the transactional recipe.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Intake.MaxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.BadRequest(w, "failed to read body")
		return
	}

	prov, ok := s.providers.ByWebhookHeader(r.Header)
	if !ok {
		httputil.Unauthorized(w, "unknown webhook source")
		return
	}

	// Fail closed: a provider without a configured webhook secret accepts
	// nothing, and verification runs over the exact received bytes.
	pcfg := s.cfg.Providers[prov.Name()]
	if !pcfg.IntakeEnabled() || !prov.VerifyWebhook(raw, r.Header) {
		logger.Warn("webhook signature rejected", "provider", prov.Name(), "remote", r.RemoteAddr)
		httputil.Unauthorized(w, "signature verification failed")
		return
	}

	events, err := prov.ParseWebhookEvent(raw)
	if err != nil {
		httputil.BadRequest(w, "unparsable webhook payload")
		return
	}

	// One request may carry a batch; apply the recipe per event.
	anyOrphaned := false
	for _, rawEvent := range events {
		res, err := s.pipeline.Ingest(r.Context(), raw, rawEvent, prov.Name(), prov.Channel())
		if err != nil {
			switch {
			case res != nil && res.Outcome == intake.DeadLettered:
				// Captured for replay; the provider should not retry.
				continue
			case errors.Is(err, normalizer.ErrMissingFields) || errors.Is(err, normalizer.ErrUnknownEventType):
				httputil.BadRequest(w, err.Error())
				return
			default:
				s.fail(w, http.StatusInternalServerError, err, "event ingestion failed")
				return
			}
		}
		if res.Outcome == intake.OrphanQueued {
			anyOrphaned = true
		}
	}

	if anyOrphaned {
		// Enrollment not yet known; the correlation worker will retry.
		httputil.Accepted(w, map[string]any{"retryable": true})
		return
	}
	// Duplicates are idempotent successes: same 201 as a fresh insert.
	httputil.Created(w, map[string]any{"received": len(events)})
}
