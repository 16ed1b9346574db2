// Package errors provides error wrapping utilities and the error categories
// shared by the request store, the panel client and the orchestrator.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error categories. Callers match them with errors.Is.
var (
	ErrStorage           = stderrors.New("storage unavailable")
	ErrNotFound          = stderrors.New("not found")
	ErrInvalidTransition = stderrors.New("invalid status transition")
	ErrNotOwner          = stderrors.New("requester does not own this request")
	ErrQuotaExceeded     = stderrors.New("pending request quota exceeded")
	ErrDuplicateRequest  = stderrors.New("pending request for this game already exists")
	ErrUnknownGame       = stderrors.New("unknown game")
	ErrInvalidInput      = stderrors.New("invalid input")
	ErrProvisioning      = stderrors.New("provisioning failed")

	// ErrAlreadyDecided and ErrRequestBusy are both conflicts and match ErrInvalidTransition.
	ErrAlreadyDecided = fmt.Errorf("%w: request already decided", ErrInvalidTransition)
	ErrRequestBusy    = fmt.Errorf("%w: request is being provisioned", ErrInvalidTransition)
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Mark wraps err so that it matches both itself and category.
// If err is nil, it returns nil.
func Mark(err error, category error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", category, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return stderrors.New(text)
}
