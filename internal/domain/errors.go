package domain

import "errors"

// Validation errors: the request itself is malformed.
var (
	ErrInvalidToken      = errors.New("invalid principal token address")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrMaturityNotFuture = errors.New("maturity must be in the future")
	ErrInvalidPositionID = errors.New("invalid position id")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidTimeframe  = errors.New("timeframe must be positive")
	ErrInvalidStart      = errors.New("start index out of range")
	ErrInvalidEnd        = errors.New("end index out of range")
	ErrInvalidRange      = errors.New("invalid range")
)

// State errors: the request is well-formed but current state forbids it.
var (
	ErrAlreadyRedeemed     = errors.New("position already redeemed")
	ErrNotMatured          = errors.New("position has not matured")
	ErrNothingToDistribute = errors.New("nothing to distribute")
	ErrNoBeneficiaries     = errors.New("no beneficiaries registered")
	ErrBeneficiaryExists   = errors.New("beneficiary already registered")
	ErrBeneficiaryNotFound = errors.New("beneficiary not registered")
	ErrNoMarketsAvailable  = errors.New("no markets available")
	ErrNoSuitableMarket    = errors.New("no suitable market")
	ErrOperationInProgress = errors.New("operation already in progress")
)

// Infrastructure errors shared across stores, caches and transports.
var (
	ErrNotFound     = errors.New("not found")
	ErrLockHeld     = errors.New("lock already held")
	ErrContextDone  = errors.New("context cancelled")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
)
