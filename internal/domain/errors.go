package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidRole           = errors.New("invalid role")
	ErrInvalidStatus         = errors.New("invalid meeting status")
	ErrAuthenticationFailure = errors.New("authentication failed")
	ErrAccountNotLinked      = errors.New("email already belongs to another account")
	ErrMissingSession        = errors.New("missing or expired session")
	ErrForbidden             = errors.New("forbidden")

	// ErrLedgerInvariant means the one-ledger-row-per-identity invariant broke. Alert on it.
	ErrLedgerInvariant = errors.New("application user ledger invariant violated")
)
