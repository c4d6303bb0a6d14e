package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Stable machine-readable error codes returned to clients.
const (
	CodeInvalidCredentials = "AUTH_001"
	CodeTokenExpired       = "AUTH_002"
	CodeTokenInvalid       = "AUTH_003"
	CodeUnauthorized       = "AUTH_004"
	CodeValidation         = "VAL_001"
	CodeTierRestriction    = "BIZ_001"
	CodeQuotaExceeded      = "BIZ_002"
	CodeNotFound           = "RESOURCE_001"
	CodeUpstreamError      = "EXT_001"
	CodeInternal           = "SYS_001"
	CodeGenerationFailed   = "AI_001"
)

type AppError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrInvalidCredentials = &AppError{Status: http.StatusUnauthorized, Code: CodeInvalidCredentials, Message: "invalid email or password"}
	ErrTokenExpired       = &AppError{Status: http.StatusUnauthorized, Code: CodeTokenExpired, Message: "token expired"}
	ErrTokenInvalid       = &AppError{Status: http.StatusUnauthorized, Code: CodeTokenInvalid, Message: "invalid token"}
	ErrUnauthorized       = &AppError{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: "authentication required"}
	ErrEmailAlreadyExists = &AppError{Status: http.StatusConflict, Code: CodeValidation, Message: "email already registered"}
	ErrInternalServer     = &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal server error"}
)

func NewValidationError(msg string, details any) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: CodeValidation, Message: msg, Details: details}
}

func NewNotFoundError(msg string) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

func NewTierRestrictionError(msg string, details any) *AppError {
	return &AppError{Status: http.StatusForbidden, Code: CodeTierRestriction, Message: msg, Details: details}
}

func NewQuotaExceededError(msg string, details any) *AppError {
	return &AppError{Status: http.StatusTooManyRequests, Code: CodeQuotaExceeded, Message: msg, Details: details}
}

func NewUpstreamError(msg string) *AppError {
	return &AppError{Status: http.StatusBadGateway, Code: CodeUpstreamError, Message: msg}
}

// FromValidationError turns validator failures into a VAL_001 error
// whose details enumerate every failing field.
func FromValidationError(err error) *AppError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError("invalid request body", nil)
	}
	fields := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, map[string]string{
			"field": fe.Field(),
			"rule":  fe.Tag(),
		})
	}
	return NewValidationError("validation failed", map[string]any{"fields": fields})
}

// HandleError normalizes any error into the response envelope. Unknown
// errors never leak their text to the client.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONError(w, r, appErr)
		return
	}
	JSONError(w, r, ErrInternalServer)
}
