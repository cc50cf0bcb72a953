package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"

	"linkstream/internal/domain"
	"linkstream/internal/domain/ports"
)

type ServeRangeInput struct {
	ExternalID string
	Size       int64
	Start      int64
	// End is inclusive; a negative value means the last byte of the file.
	End int64
}

type RangeResult struct {
	Key    domain.MediaKey
	Start  int64
	End    int64
	Reader ports.RangeReader
	// Head holds the bytes already pulled from Reader. Callers write it before
	// the rest of Reader.
	Head []byte
}

func (r RangeResult) Length() int64 { return r.End - r.Start + 1 }

type ServeRange struct {
	Streams ports.MediaStreams
}

// Execute opens the requested range and pulls its first chunk, so failures
// that happen before any byte is available surface here instead of after the
// response has started.
func (uc ServeRange) Execute(ctx context.Context, in ServeRangeInput) (RangeResult, error) {
	if uc.Streams == nil {
		return RangeResult{}, errors.New("media streams not configured")
	}
	key, err := domain.NewMediaKey(in.ExternalID, in.Size)
	if err != nil {
		return RangeResult{}, err
	}
	end := in.End
	if end < 0 || end >= key.Size {
		end = key.Size - 1
	}
	if in.Start < 0 || in.Start > end {
		return RangeResult{}, fmt.Errorf("%w: %d-%d of %d", domain.ErrInvalidRange, in.Start, in.End, key.Size)
	}

	reader, err := uc.Streams.Serve(ctx, key, in.Start, end)
	if err != nil {
		return RangeResult{}, wrapStreaming(err)
	}
	head, err := reader.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		_ = reader.Close()
		return RangeResult{}, wrapStreaming(err)
	}
	return RangeResult{
		Key:    key,
		Start:  in.Start,
		End:    end,
		Reader: reader,
		Head:   head,
	}, nil
}
