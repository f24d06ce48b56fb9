// Package apperr holds the error kinds shared across the payment core.
// Callers wrap them with fmt.Errorf("...: %w", ...) and classify with errors.Is.
package apperr

import "errors"

var (
	// ErrValidation marks bad chain/token/amount input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrDerivation marks a key-derivation oracle failure. Issuance fails.
	ErrDerivation = errors.New("derivation error")

	// ErrPrediction marks a counterfactual-wallet predictor failure. Issuance continues.
	ErrPrediction = errors.New("prediction error")

	// ErrRPC marks a chain read failure.
	ErrRPC = errors.New("rpc error")

	ErrNotFound = errors.New("not found")

	// ErrListenerConflict marks an address already watched under another payment.
	ErrListenerConflict = errors.New("listener conflict")

	// ErrInvalidTransition marks a session transition out of a state it no longer holds.
	ErrInvalidTransition = errors.New("invalid session transition")
)
