package ports

import (
	"context"

	"linkstream/internal/domain"
)

// LinkResolver resolves the upstream links of a media file.
type LinkResolver interface {
	GetLinks(ctx context.Context, externalID string, size int64) ([]domain.Link, error)
	// RequestRefresh asks the catalogue to re-validate one link. It is a
	// notification; callers do not wait for the refreshed result.
	RequestRefresh(ctx context.Context, linkID string) error
}
