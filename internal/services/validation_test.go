package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	"github.com/craftmarket/ledger/internal/models"
)

type TestStruct struct {
	Name     string `validate:"required,min=2"`
	Currency string `validate:"required,len=3"`
	Amount   string `validate:"required"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid struct", func(t *testing.T) {
		valid := TestStruct{
			Name:     "Wallet transfer",
			Currency: "USD",
			Amount:   "25.00",
		}

		err := vh.ValidateStruct(&valid)
		assert.NoError(t, err)
	})

	t.Run("invalid struct - missing required fields", func(t *testing.T) {
		invalid := TestStruct{
			Name: "W", // Too short
			// Currency missing
			// Amount missing
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 3)
	})

	t.Run("invalid currency length", func(t *testing.T) {
		invalid := TestStruct{
			Name:     "Wallet transfer",
			Currency: "USDT",
			Amount:   "25.00",
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 1)
		assert.Equal(t, "Currency", validationErrors[0].Field())
		assert.Equal(t, "len", validationErrors[0].Tag())
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation errors", func(t *testing.T) {
		vh := NewValidationHelper()
		invalid := TestStruct{
			Name:     "W",
			Currency: "USDT",
		}

		validationErr := vh.ValidateStruct(&invalid)
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.NotNil(t, response.Details)
		assert.Contains(t, response.Details, "Name")
		assert.Contains(t, response.Details, "Currency")
		assert.Contains(t, response.Details, "Amount")
	})
}

func TestSendServiceError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation error", models.ErrValidation, http.StatusBadRequest},
		{"wrapped validation error", fmt.Errorf("%w: amount must be positive", models.ErrValidation), http.StatusBadRequest},
		{"invalid account pair", models.ErrInvalidAccountPair, http.StatusBadRequest},
		{"insufficient funds", models.ErrInsufficientFunds, http.StatusBadRequest},
		{"account not active", models.ErrAccountNotActive, http.StatusForbidden},
		{"account not found", models.ErrAccountNotFound, http.StatusNotFound},
		{"entry not found", fmt.Errorf("%w: abc", models.ErrEntryNotFound), http.StatusNotFound},
		{"advance not found", models.ErrAdvanceNotFound, http.StatusNotFound},
		{"batch not found", models.ErrBatchNotFound, http.StatusNotFound},
		{"duplicate account", models.ErrDuplicateAccount, http.StatusConflict},
		{"non-zero balance", models.ErrNonZeroBalance, http.StatusConflict},
		{"entry not reversible", models.ErrEntryNotReversible, http.StatusConflict},
		{"invalid advance transition", models.ErrInvalidAdvanceTransition, http.StatusConflict},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			SendServiceError(w, tc.err)

			assert.Equal(t, tc.status, w.Code)

			var response ErrorResponse
			err := json.Unmarshal(w.Body.Bytes(), &response)
			assert.NoError(t, err)
			assert.NotEmpty(t, response.Error)
		})
	}

	t.Run("internal errors are not leaked", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendServiceError(w, errors.New("pq: connection refused"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Internal server error", response.Error)
	})
}

func TestNewValidationHelper(t *testing.T) {
	vh := NewValidationHelper()
	assert.NotNil(t, vh)
	assert.NotNil(t, vh.validator)
}
