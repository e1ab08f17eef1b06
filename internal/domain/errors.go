package domain

import "errors"

var (
	// ErrFileUnavailable is returned when a file blob is requested after its
	// one-time download already deleted it from the relay.
	ErrFileUnavailable = errors.New("domain: file no longer available")
)
