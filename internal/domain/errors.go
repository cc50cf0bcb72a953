package domain

import "errors"

var ErrNotFound = errors.New("not found")

var (
	// ErrNoSources means the roster of a media stream is empty and the
	// requested bytes are not cached.
	ErrNoSources = errors.New("no sources available")
	// ErrStalled means no upstream produced the requested bytes within the
	// allowed number of data waits.
	ErrStalled          = errors.New("stream stalled")
	ErrInvalidRange     = errors.New("invalid range")
	ErrInvalidMediaKey  = errors.New("invalid media key")
	ErrStreamClosed     = errors.New("stream closed")
	ErrLinksUnavailable = errors.New("links unavailable")
)

// Upstream validation failures. A source that fails one of these is removed
// from the roster of the stream that tried it.
var (
	ErrRangeMismatch         = errors.New("upstream range mismatch")
	ErrContentLengthMismatch = errors.New("upstream content length mismatch")
	ErrUpstreamStatus        = errors.New("unexpected upstream status")
)
