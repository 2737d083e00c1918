package pki

import (
	"errors"
	"fmt"
)

// Every error returned by the CA wraps exactly one of the kinds below so that
// callers can branch with errors.Is. Storage failures during issuance wrap
// both ErrIssuance and ErrStore.
var (
	// ErrInitialization is returned when the CA identity cannot be created,
	// loaded or validated, or when the configuration is unusable.
	ErrInitialization = errors.New("CA initialization failed")

	// ErrMalformedRequest is returned for CSR bytes that do not parse or whose
	// self-signature does not verify.
	ErrMalformedRequest = errors.New("malformed certificate request")

	// ErrAuthorizationDenied is returned when the Authorizer rejects a request.
	ErrAuthorizationDenied = errors.New("certificate request not authorized")

	// ErrUnknownProfile is returned when a request's role has no issuance
	// profile, including the reserved CA role.
	ErrUnknownProfile = errors.New("unknown issuance profile")

	// ErrIssuance is returned when building or signing a certificate fails.
	ErrIssuance = errors.New("certificate issuance failed")

	// ErrStore is returned when the backing storage.Store fails.
	ErrStore = errors.New("certificate store failure")

	// ErrIllegalState is returned for operations invoked before Initialize or
	// after Destroy.
	ErrIllegalState = errors.New("CA is not in a state that permits this operation")
)

func illegalState(op string, s state) error {
	return fmt.Errorf("%w: %s while %s", ErrIllegalState, op, s)
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
