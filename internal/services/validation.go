package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var currencyCodeRe = regexp.MustCompile(`^[A-Z]{3}$`)

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

// ValidCurrency reports whether code is a 3-letter ISO currency code.
func ValidCurrency(code string) bool {
	return currencyCodeRe.MatchString(code)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	var verrs validator.ValidationErrors
	if errors.As(validationErr, &verrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range verrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// WriteServiceError maps the error taxonomy onto HTTP statuses. Each kind
// gets a distinct status so the UI can react differently.
func WriteServiceError(w http.ResponseWriter, err error) {
	var (
		validation *ValidationError
		immutable  *ImmutableEntryError
		settled    *AlreadySettledError
	)
	switch {
	case errors.As(err, &validation):
		SendErrorResponse(w, validation.Error(), http.StatusUnprocessableEntity, nil)
	case errors.As(err, &immutable):
		SendErrorResponse(w, immutable.Error(), http.StatusConflict, nil)
	case errors.As(err, &settled):
		SendErrorResponse(w, settled.Error(), http.StatusConflict, nil)
	default:
		SendErrorResponse(w, "internal error", http.StatusInternalServerError, nil)
	}
}
