// Package linkcache puts a shared short-lived cache in front of a link
// resolver.
package linkcache

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"linkstream/internal/domain"
	"linkstream/internal/domain/ports"
	"linkstream/internal/metrics"
)

const defaultTTL = 10 * time.Second

type Store interface {
	Get(ctx context.Context, key string) ([]domain.Link, bool, error)
	Set(ctx context.Context, key string, links []domain.Link, ttl time.Duration) error
	Invalidate(ctx context.Context, linkID string) error
}

// Resolver implements ports.LinkResolver. Store failures degrade to calling
// the wrapped resolver directly.
type Resolver struct {
	next   ports.LinkResolver
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewResolver(next ports.LinkResolver, store Store, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{next: next, store: store, ttl: ttl, logger: logger}
}

func cacheKey(externalID string, size int64) string {
	return externalID + ":" + strconv.FormatInt(size, 10)
}

func (r *Resolver) GetLinks(ctx context.Context, externalID string, size int64) ([]domain.Link, error) {
	key := cacheKey(externalID, size)
	links, ok, err := r.store.Get(ctx, key)
	switch {
	case err != nil:
		metrics.LinkCacheLookupsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("linkcache: lookup failed", slog.String("key", key), slog.String("error", err.Error()))
	case ok:
		metrics.LinkCacheLookupsTotal.WithLabelValues("hit").Inc()
		return links, nil
	default:
		metrics.LinkCacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	links, err = r.next.GetLinks(ctx, externalID, size)
	if err != nil {
		return nil, err
	}
	// An empty answer is not cached; the catalogue may be still probing.
	if len(links) > 0 {
		if err := r.store.Set(ctx, key, links, r.ttl); err != nil {
			r.logger.Warn("linkcache: store failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return links, nil
}

// RequestRefresh forwards the refresh and drops every cached list containing
// the link.
func (r *Resolver) RequestRefresh(ctx context.Context, linkID string) error {
	err := r.next.RequestRefresh(ctx, linkID)
	if ierr := r.store.Invalidate(ctx, linkID); ierr != nil {
		r.logger.Warn("linkcache: invalidate failed", slog.String("linkId", linkID), slog.String("error", ierr.Error()))
	}
	return err
}
