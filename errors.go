package chatrelay

import "errors"

var (
	// ErrDuplicateRequest reports that an idempotency key was already used.
	// Callers treat it as success-shaped: the original request won.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrBackendUnavailable reports that a required backend (idempotency
	// store, database, bus) could not be reached. Write paths reject on it
	// instead of proceeding without their guard.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrDecode reports an undecodable bus payload. Consumers log and drop;
	// one bad producer must not wedge the stream.
	ErrDecode = errors.New("decode failed")

	// ErrUnknownCodec reports an unrecognized codec name in configuration.
	ErrUnknownCodec = errors.New("unknown codec")
)
