package handler

import (
	"errors"
	"net/http"

	"github.com/haywardsec/rulegate/internal/domain"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondStandardError(w, status, domain.StandardError{Code: code, Message: message})
}

func respondStandardError(w http.ResponseWriter, status int, e domain.StandardError) {
	respondJSON(w, status, &domain.StandardErrorResponse{Error: e})
}

// handleError converts domain errors to HTTP errors.
func handleError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	var bundleErr *domain.BundleError
	var blockedErr *domain.GuardrailBlockedError
	var partialErr *domain.PartialApplyError

	switch {
	case errors.As(err, &validationErr):
		respondStandardError(w, http.StatusBadRequest, domain.StandardError{
			Code:    domain.ErrCodeValidationError,
			Message: validationErr.Message,
			Field:   validationErr.Field,
		})
	case errors.As(err, &bundleErr):
		respondError(w, http.StatusUnprocessableEntity, domain.ErrCodeCompileError, bundleErr.Error())
	case errors.As(err, &blockedErr):
		respondStandardError(w, http.StatusConflict, domain.StandardError{
			Code:    domain.ErrCodeGuardrailBlocked,
			Message: blockedErr.Error(),
			Details: map[string]any{"guardrails": blockedErr.Status},
		})
	case errors.As(err, &partialErr):
		respondStandardError(w, http.StatusInternalServerError, domain.StandardError{
			Code:    domain.ErrCodePartialApplyFailure,
			Message: partialErr.Error(),
			Details: map[string]any{"rule_id": partialErr.RuleID},
		})
	case errors.Is(err, domain.ErrLockConflict):
		respondError(w, http.StatusConflict, domain.ErrCodeLockConflict, err.Error())
	case errors.Is(err, domain.ErrStalePlan):
		respondError(w, http.StatusConflict, domain.ErrCodeStalePlan, err.Error())
	case errors.Is(err, domain.ErrStaleTarget):
		respondError(w, http.StatusConflict, domain.ErrCodeStaleTarget, err.Error())
	case errors.Is(err, domain.ErrPreconditionFailed):
		respondError(w, http.StatusConflict, domain.ErrCodePreconditionFailed, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, domain.ErrCodeResourceNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		respondError(w, http.StatusConflict, domain.ErrCodeInternalError, "already exists")
	case errors.Is(err, domain.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, domain.ErrCodeValidationError, "invalid input")
	default:
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
	}
}

// decodeJSON decodes JSON from the request body.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidInput
	}
	return nil
}
