package web

import (
	"io"
	"net/http"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
)

type webhookReceiptView struct {
	Outcome   string `json:"outcome"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	DonorID   int64  `json:"donor_id,omitempty"`
}

// handleWebhook accepts processor deliveries. The processor retries anything
// other than 2xx, so only signature failures, malformed envelopes and commit
// errors reject; unknown types and unmatched donors acknowledge with their
// outcome recorded.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.webhooks == nil {
		writeError(w, apperrors.New(apperrors.CodeAdapterNotConfigured, "webhook processing is not configured"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeValidation, "read webhook body", err))
		return
	}

	receipt, err := s.webhooks.Process(r.Context(), r.Header, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookReceiptView{
		Outcome:   string(receipt.Outcome),
		EventID:   receipt.EventID,
		EventType: receipt.EventType,
		DonorID:   receipt.DonorID,
	})
}
