package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"codekudos/ledger"
	"codekudos/observability"
)

// ContributionsWebhook ingests one normalized contribution event. The surface
// is rate limited as a whole; bursts beyond the bucket get 429 and the sender
// is expected to retry with backoff. Events from unknown developers are
// acknowledged and dropped so providers do not retry them forever.
func (s *Server) ContributionsWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		observability.API().RecordThrottle("/webhooks/contributions")
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var event ledger.ContributionEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	activity, err := s.ledger.Ingest(r.Context(), event)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidEvent):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ledger.ErrUnknownDeveloper):
			s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		default:
			s.writeError(w, http.StatusInternalServerError, "ingest failed")
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, activity)
}
