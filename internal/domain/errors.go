package domain

import "errors"

// Error kinds shared across component boundaries. Components wrap them with
// fmt.Errorf("...: %w", ErrX) and the router picks a reply policy per kind.
var (
	ErrUpstream    = errors.New("upstream unavailable")
	ErrNotFound    = errors.New("file not found")
	ErrTranscoding = errors.New("transcoding failed")
	ErrMalformed   = errors.New("malformed request")
	ErrPersistence = errors.New("persistence failed")
)
