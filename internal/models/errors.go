package models

import "errors"

// ErrorKind classifies an AppError so transport layers can pick a status code
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindAuth
	KindConflict
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// AppError is a domain error that carries its classification.
// Values are comparable, so errors.Is works against the package-level vars.
type AppError struct {
	Kind    ErrorKind
	Message string
}

func (e AppError) Error() string {
	return e.Message
}

// NewValidationError creates a validation error with a caller-facing message
func NewValidationError(msg string) AppError {
	return AppError{Kind: KindValidation, Message: msg}
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(msg string) AppError {
	return AppError{Kind: KindNotFound, Message: msg}
}

// NewConflictError creates a conflict error
func NewConflictError(msg string) AppError {
	return AppError{Kind: KindConflict, Message: msg}
}

// KindOf returns the kind of the first AppError in err's chain, or KindInternal
func KindOf(err error) ErrorKind {
	var appErr AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Shared errors
var (
	ErrInvalidOrExpiredCode = AppError{KindAuth, "Invalid or expired registration code"}
	ErrInvalidCredentials   = AppError{KindAuth, "Invalid credentials"}
	ErrNoPolicyAssigned     = AppError{KindNotFound, "No policy assigned"}
	ErrDeviceNotFound       = AppError{KindNotFound, "Device not found"}
	ErrPolicyNotFound       = AppError{KindNotFound, "Policy not found"}
	ErrAssignmentConflict   = AppError{KindConflict, "Policy assignment was modified concurrently"}
	ErrUsernameExists       = AppError{KindConflict, "username already exists"}
	ErrUserNotFound         = AppError{KindNotFound, "User not found"}
)
