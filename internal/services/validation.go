package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/craftmarket/ledger/internal/models"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		errorResp.Details = make(map[string]string)
		for _, err := range validationErr.(validator.ValidationErrors) {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendServiceError maps the ledger error taxonomy to HTTP status codes.
func SendServiceError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	status := http.StatusInternalServerError
	message := "Internal server error"

	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidAccountPair),
		errors.Is(err, models.ErrInsufficientFunds):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, models.ErrAccountNotActive):
		status = http.StatusForbidden
		message = err.Error()
	case errors.Is(err, models.ErrAccountNotFound),
		errors.Is(err, models.ErrEntryNotFound),
		errors.Is(err, models.ErrAdvanceNotFound),
		errors.Is(err, models.ErrBatchNotFound):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, models.ErrDuplicateAccount),
		errors.Is(err, models.ErrNonZeroBalance),
		errors.Is(err, models.ErrEntryNotReversible),
		errors.Is(err, models.ErrInvalidAdvanceTransition):
		status = http.StatusConflict
		message = err.Error()
	}

	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
