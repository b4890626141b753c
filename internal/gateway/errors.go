package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/axonstream/axonstream/internal/apierr"
)

// errorBody is the {code, message, details} shape every handler returns
// on failure, per spec.md §7's propagation policy.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func statusForCode(code apierr.Code) int {
	switch code {
	case apierr.CodeValidationError, apierr.CodeUnknownAdapter, apierr.CodeIllegalTransition:
		return http.StatusBadRequest
	case apierr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apierr.CodeForbidden:
		return http.StatusForbidden
	case apierr.CodeNotFound:
		return http.StatusNotFound
	case apierr.CodeRateLimited, apierr.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case apierr.CodeNotTerminal:
		return http.StatusConflict
	case apierr.CodeTimedOut:
		return http.StatusGatewayTimeout
	case apierr.CodeCanceled:
		return http.StatusConflict
	case apierr.CodeStoreUnavailable, apierr.CodeStreamUnavailable, apierr.CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case apierr.CodeChainBroken, apierr.CodeSeqDivergence:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to the {code, message, details} body and an HTTP
// status derived from its apierr.Code, defaulting to 500 for anything
// that didn't originate as an *apierr.Error.
func writeError(w http.ResponseWriter, err error) {
	code := apierr.CodeOf(err)
	body := errorBody{Code: string(code), Message: err.Error()}

	var ae *apierr.Error
	if errors.As(err, &ae) {
		body.Message = ae.Message
		body.Details = ae.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(code))
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
