package ports

import (
	"context"
	"io"

	"linkstream/internal/domain"
)

// RangeReader yields the bytes of one client range in order. Next returns
// io.EOF once the range is exhausted.
type RangeReader interface {
	io.Reader
	Next() ([]byte, error)
	Close() error
}

type MediaStreams interface {
	Serve(ctx context.Context, key domain.MediaKey, start, end int64) (RangeReader, error)
}
