// Provides common factory errors definitions.
package factory_errors

import "errors"

var (
	ErrNotFound           = errors.New("factory: not found")
	ErrAlreadyExists      = errors.New("factory: already exists")
	ErrAlreadyComplete    = errors.New("factory: migration already complete")
	ErrNotAuthorized      = errors.New("factory: not authorized")
	ErrValidation         = errors.New("factory: validation error")
	ErrArithmeticOverflow = errors.New("factory: arithmetic overflow")
	ErrDivideByZero       = errors.New("factory: divide by zero")
	ErrInvalidReply       = errors.New("factory: unknown reply correlation id")
	ErrUpgradeFailed      = errors.New("factory: upgrade failed")
	ErrClosed             = errors.New("factory: store is closed")
)
