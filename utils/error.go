package utils

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrorRecordNotFound     = errors.New("record not found")
	ErrorInvalidState       = errors.New("invalid state")
	ErrorNotVerified        = errors.New("signature requires a verified code")
	ErrorCredentialMismatch = errors.New("credential does not match")
	ErrorInvalidOrExpired   = errors.New("verification code is invalid or expired")
	ErrorForbidden          = errors.New("forbidden")
)

// ValidationError reports malformed input. Fields maps a field name to the failed rule.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return e.Message + " (" + strings.Join(parts, ", ") + ")"
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

func NewFieldError(field string, rule string) *ValidationError {
	return &ValidationError{Message: "validation failed", Fields: map[string]string{field: rule}}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
