package ledger

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	// KindTransient covers network failures, timeouts and 5xx answers.
	KindTransient Kind = "transient"
	// KindRejected is a business rejection by the contract.
	KindRejected        Kind = "rejected"
	KindDuplicateSigner Kind = "duplicate_signer"
	KindNotFound        Kind = "not_found"
)

// Error wraps every ledger failure with the provider's message.
type Error struct {
	Op      string
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("ledger %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("ledger %s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind Kind, message string, err error) *Error {
	return &Error{Op: op, Kind: kind, Message: message, Err: err}
}

// transportError classifies a failure that happened before the ledger answered.
func transportError(op string, err error) *Error {
	return newError(op, KindTransient, err.Error(), err)
}

func kindOf(err error) (Kind, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return "", false
}

func IsLedgerError(err error) bool {
	_, ok := kindOf(err)
	return ok
}

func IsTransient(err error) bool {
	k, ok := kindOf(err)
	if ok {
		return k == KindTransient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func IsDuplicateSigner(err error) bool {
	k, _ := kindOf(err)
	return k == KindDuplicateSigner
}

func IsNotFound(err error) bool {
	k, _ := kindOf(err)
	return k == KindNotFound
}
