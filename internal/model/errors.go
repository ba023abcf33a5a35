package model

import "errors"

// Sentinel errors shared by every service. Errors are local, synchronous,
// and terminal for the calling operation — no internal retries. Services wrap
// these with fmt.Errorf("...: %w", ...) context; the HTTP layer maps them to
// status codes with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInsufficientSupply  = errors.New("insufficient supply")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyExists       = errors.New("already exists")
	ErrAlreadyStaked       = errors.New("asset already staked")
	ErrAlreadyLocked       = errors.New("stake already locked")
	ErrPriceMismatch       = errors.New("price mismatch")
	ErrStateConflict       = errors.New("state conflict")
)
