package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
)

// maxBodyBytes caps request bodies; every payload the gateway accepts fits
// well inside a megabyte.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

// writeError maps an error chain onto the JSON error envelope. Classified
// errors carry their code and metadata through; anything else reports as
// UNKNOWN without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err, http.StatusInternalServerError)

	detail := errorDetail{Code: string(apperrors.CodeUnknown), Message: "internal error"}
	var appErr *apperrors.Error
	var adapterErr *apperrors.AdapterError
	if errors.As(err, &appErr) {
		detail.Code = string(appErr.Code)
		detail.Message = appErr.Message
		detail.Details = appErr.Metadata
	} else if errors.As(err, &adapterErr) {
		detail.Code = string(adapterErr.Kind.Code())
		detail.Message = adapterErr.Error()
	}

	if status >= http.StatusInternalServerError {
		log.Printf("web: %d response: %v", status, err)
	}
	writeJSON(w, status, errorBody{Error: detail})
}

// readJSON decodes a request body into dst, rejecting oversized or malformed
// payloads as validation failures.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "parse request body", err)
	}
	return nil
}
