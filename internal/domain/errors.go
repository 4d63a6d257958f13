package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrRateLimited         = errors.New("rate limited")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidThreshold    = errors.New("stop-loss/take-profit on wrong side of entry")
	ErrSigningFailed       = errors.New("signing failed")
	ErrLockHeld            = errors.New("lock already held")
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
	ErrTxReverted          = errors.New("transaction reverted")
	ErrChainUnavailable    = errors.New("settlement chain client not configured")
)
