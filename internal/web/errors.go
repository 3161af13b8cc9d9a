package web

// errors.go renders every failure as the uniform JSON envelope
// {code, message, retryable} and maps machine codes to HTTP statuses.
// Technical detail is logged server-side with the request id; the client
// sees the envelope only.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nvqhuy/xlsmigrate/internal/core"
	"github.com/nvqhuy/xlsmigrate/internal/logging"
)

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	JobID     string `json:"jobId,omitempty"`
}

// statusFor maps a machine code to its HTTP status.
func statusFor(code core.Code) int {
	switch code {
	case core.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case core.CodeFileCorrupt, core.CodeHeaderAmbiguous:
		return http.StatusBadRequest
	case core.CodeJobNotFound:
		return http.StatusNotFound
	case core.CodeDuplicateJobID, core.CodeInProgress, core.CodeCancelled, core.CodePhaseFailed:
		return http.StatusConflict
	case core.CodeRateLimited, core.CodeCircuitOpen, core.CodeTransientDB:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the envelope for err. The optional jobID ties the
// failure to the job it belongs to.
func respondError(w http.ResponseWriter, r *http.Request, err error, jobID string) {
	code := core.CodeOf(err)
	status := statusFor(code)

	logging.FromContext(r.Context()).Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"code", string(code),
		"job_id", jobID,
		"error", err,
	)

	msg := err.Error()
	var ce *core.Error
	if errors.As(err, &ce) {
		msg = ce.Message
	}

	writeJSON(w, status, ErrorResponse{
		Code:      string(code),
		Message:   msg,
		Retryable: core.IsRetryable(err),
		JobID:     jobID,
	})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing to do but log.
		slog.Error("json encode error", "error", err)
	}
}
