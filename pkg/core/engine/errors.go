package engine

import "errors"

// Abort-whole-call errors. These indicate a caller or integration bug and
// are the only failures an executor's call ever sees as Go errors; every
// per-order failure is captured as data on the receipt instead.
var (
	ErrUnauthorized         = errors.New("engine: caller not authorized to execute yet")
	ErrOutOfSequence        = errors.New("engine: order ids out of sequence")
	ErrConsistencyViolation = errors.New("engine: supplied order does not match ledger digest")
	ErrUnknownPair          = errors.New("engine: unknown pair")
	ErrCannotCancel         = errors.New("engine: order cannot be canceled")
	ErrNoRefundPending      = errors.New("engine: no refund pending for order")
	ErrTooEarly             = errors.New("engine: refund still failing and dormancy window not elapsed")
	ErrNotOwner             = errors.New("engine: caller is not the owner")
	ErrBadPrepayment        = errors.New("engine: attached value does not equal gasLimit x gasPrice")
)

// Per-order failure reasons recorded on OrderExecuted events.
const (
	ReasonExpired            = "Expired"
	ReasonExcessiveInput     = "ExcessiveInput"
	ReasonInsufficientOutput = "InsufficientOutput"
	ReasonPriceTolerance     = "PriceToleranceExceeded"
	ReasonOutOfGas           = "OutOfGas"
)
