// Package cryptoerr defines the error taxonomy shared across the crypto
// subsystem. Transport and storage failures are wrapped with %w by the
// packages that produce them; the sentinels here cover the conditions
// callers are expected to branch on.
package cryptoerr

import "errors"

var (
	// ErrUninitializedCrypto is returned when an operation requires a
	// prepared crypto machine and Prepare has not completed.
	ErrUninitializedCrypto = errors.New("crypto not initialized")

	// ErrUnsupportedBackupAlgorithm is returned when a key backup uses an
	// algorithm other than m.megolm_backup.v1.curve25519-aes-sha2.
	ErrUnsupportedBackupAlgorithm = errors.New("unsupported key backup algorithm")

	// ErrUnsupportedRequestType is returned when the crypto machine emits
	// an outgoing request the adapter has no route for. This indicates a
	// machine/adapter version mismatch and is not recoverable.
	ErrUnsupportedRequestType = errors.New("unsupported outgoing request type")

	// ErrReplayDetected is returned by decrypt when a megolm message index
	// has already been claimed by a different event.
	ErrReplayDetected = errors.New("megolm message replay detected")
)
