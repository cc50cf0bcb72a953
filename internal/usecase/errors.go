package usecase

import (
	"errors"
	"fmt"

	"linkstream/internal/domain"
)

var ErrStreaming = errors.New("streaming error")

// clientVisible lists the core errors handlers classify directly.
var clientVisible = []error{
	domain.ErrInvalidRange,
	domain.ErrInvalidMediaKey,
	domain.ErrNoSources,
	domain.ErrStalled,
	domain.ErrStreamClosed,
	domain.ErrNotFound,
}

func wrapStreaming(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range clientVisible {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStreaming, err)
}
