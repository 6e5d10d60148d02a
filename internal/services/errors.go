// Package services holds the bridge's business logic: the per-user
// conversation state machine and the ingestion of pulled channel batches.
// This file centralizes service-level error values so callers can check them
// with errors.Is.
//
// These errors stay inside the bridge. What the channel user sees is always a
// reply text built in this package, never the raw error.
package services

import "errors"

var (
	// ErrEmptyRecipient is returned when an inbound event has no channel
	// user id.
	ErrEmptyRecipient = errors.New("empty recipient")

	// ErrNoBackend indicates the service was built without a backend client.
	ErrNoBackend = errors.New("backend not configured")
)
