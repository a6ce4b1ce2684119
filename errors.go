// CLAUDE:SUMMARY Sentinel errors for the domguard service: unknown tab, invalid input.
package domguard

import "errors"

// ErrTabNotFound is returned when an explicitly named tab does not exist.
var ErrTabNotFound = errors.New("domguard: tab not found")

// ErrInvalidInput is returned when a request fails validation.
var ErrInvalidInput = errors.New("domguard: invalid input")
