package util

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

// NewNotFound reports an absent ticket, session or category.
func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

// NewInvalidState reports a transition attempted from a terminal or
// incompatible ticket state.
func NewInvalidState(message string, details map[string]any) error {
	return NewDomainError("INVALID_STATE", message, http.StatusConflict, details)
}

// NewConflict reports an operation that lost a race, e.g. a claim attempt on
// a ticket another staff member claimed first.
func NewConflict(message string, details map[string]any) error {
	return NewDomainError("CONFLICT", message, http.StatusConflict, details)
}

// NewConfigMissing reports a guild with no category configuration at all.
func NewConfigMissing(guildID string) error {
	return NewDomainError("CONFIG_MISSING", "guild has no ticket configuration", http.StatusPreconditionFailed,
		map[string]any{"guild_id": guildID})
}

// NewCategoryNotFound reports a stale or unknown category id.
func NewCategoryNotFound(categoryID string) error {
	return NewDomainError("CATEGORY_NOT_FOUND", "category not configured", http.StatusNotFound,
		map[string]any{"category_id": categoryID})
}

// NewStorageError wraps an underlying read/write failure. Callers should
// treat it as transient.
func NewStorageError(err error) error {
	return &DomainError{
		Code:       "STORAGE_ERROR",
		Message:    "storage operation failed",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewDecryptionError wraps a credential capability failure.
func NewDecryptionError(err error) error {
	return &DomainError{
		Code:       "DECRYPTION_ERROR",
		Message:    "credential decryption failed",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewExternalDeliveryError wraps a best-effort notification or channel
// operation failure. These are logged and swallowed, never propagated to the
// caller of a state mutation.
func NewExternalDeliveryError(op string, err error) error {
	return &DomainError{
		Code:       "EXTERNAL_DELIVERY",
		Message:    fmt.Sprintf("external delivery failed: %s", op),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NewInternalError wraps unexpected failures.
func NewInternalError(err error) error {
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if de, ok := NewNotFound("resource", nil).(*DomainError); ok {
			return de
		}
	}
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// MapError converts generic errors to DomainError.
func MapError(err error) error {
	return ToDomainError(err)
}

// IsCode reports whether err carries the given domain error code.
func IsCode(err error, code string) bool {
	de := ToDomainError(err)
	return de != nil && de.Code == code
}
