package registry

import "errors"

// Domain errors for the registry package.
// Check with errors.Is().
var (
	// ErrDeviceNotFound is returned when a device ID does not resolve to a
	// known record.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrPairingNotFound is returned when a pairing claim does not match an
	// active grant: unknown code, expired code, or failed token check. The
	// three cases are deliberately indistinguishable to the caller.
	ErrPairingNotFound = errors.New("registry: pairing code not found or expired")

	// ErrMergeTarget is returned when a merge names a target device that
	// does not exist.
	ErrMergeTarget = errors.New("registry: merge target not found")

	// ErrSecretGeneration is returned when the system random source fails
	// while minting a device secret or pairing credential.
	ErrSecretGeneration = errors.New("registry: secret generation failed")
)
