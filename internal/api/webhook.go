package api

import (
	"io"
	"net/http"

	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
	"github.com/emily-flambe/orca-sub000/internal/metrics"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

// handleWebhook serves POST /api/webhooks/tracker. The tracker backend
// verifies the delivery signature and decodes the payload; verified
// events are queued on the sync engine and acknowledged immediately so
// the tracker does not retry slow deliveries.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil || s.sync == nil {
		writeBadRequest(w, "webhook processing is not running")
		return
	}
	// Without a shared secret there is no way to tell tracker deliveries
	// from forgeries, so ingress stays closed until one is configured.
	if s.cfg.TrackerWebhookSecret == "" {
		writeError(w, orcerrors.ErrWebhookSignature())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeBadRequest(w, "cannot read request body")
		return
	}

	signature := r.Header.Get("linear-signature")
	if signature == "" {
		signature = r.Header.Get("x-hub-signature-256")
	}

	ev, err := s.tracker.ParseWebhook(signature, body)
	if err != nil {
		s.logger.Warn("webhook rejected", "error", err)
		writeError(w, err)
		return
	}

	metrics.WebhookEvents.WithLabelValues(string(ev.Action)).Inc()
	s.sync.HandleWebhook(ev)
	w.WriteHeader(http.StatusAccepted)
}
