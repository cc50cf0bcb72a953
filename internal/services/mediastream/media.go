package mediastream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"linkstream/internal/domain"
	"linkstream/internal/domain/ports"
	"linkstream/internal/metrics"
)

type StreamConfig struct {
	MaxEntrySize    int64
	SliceSize       int64
	RefreshInterval time.Duration
	// EmptyRosterWait bounds how long a refresh request waits for the first
	// links of a stream that has none.
	EmptyRosterWait time.Duration
	DataWaitTimeout time.Duration
	MaxStalledWaits int
	// BisectDistance is how far past a slow session's cursor the
	// compensating fetch starts.
	BisectDistance int64
	Fetch          FetchConfig
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.MaxEntrySize <= 0 {
		c.MaxEntrySize = defaultMaxEntrySize
	}
	if c.SliceSize <= 0 {
		c.SliceSize = defaultMaxSliceSize
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Second
	}
	if c.EmptyRosterWait <= 0 {
		c.EmptyRosterWait = 3 * time.Second
	}
	if c.DataWaitTimeout <= 0 {
		c.DataWaitTimeout = 30 * time.Second
	}
	if c.MaxStalledWaits <= 0 {
		c.MaxStalledWaits = 10
	}
	if c.BisectDistance <= 0 {
		c.BisectDistance = 8 << 20
	}
	c.Fetch = c.Fetch.withDefaults()
	return c
}

type coverageRequest struct {
	Position               int64
	CompensatingSlowStream bool
	CompensationSourceID   string
}

// MediaStream serves byte ranges of one media file from its cache and a pool
// of upstream fetch sessions.
type MediaStream struct {
	key      domain.MediaKey
	cfg      StreamConfig
	resolver ports.LinkResolver
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time

	cache  *Cache
	roster *Roster
	pool   *Pool

	ctx      context.Context
	cancel   context.CancelFunc
	coverage singleflight.Group
	wg       sync.WaitGroup

	mu           sync.Mutex
	created      time.Time
	lastUsed     time.Time
	active       map[string]*RangeReader
	refreshTimer *time.Timer
	refreshDone  chan struct{}
	disposed     bool
}

type streamDeps struct {
	resolver ports.LinkResolver
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

func newMediaStream(key domain.MediaKey, cfg StreamConfig, deps streamDeps) *MediaStream {
	cfg = cfg.withDefaults()
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	if deps.now == nil {
		deps.now = time.Now
	}
	logger := deps.logger.With(slog.String("streamId", key.String()))
	ctx, cancel := context.WithCancel(context.Background())
	now := deps.now()
	return &MediaStream{
		key:      key,
		cfg:      cfg,
		resolver: deps.resolver,
		client:   deps.client,
		logger:   logger,
		now:      deps.now,
		cache:    NewCache(cfg.MaxEntrySize, cfg.SliceSize),
		roster:   NewRoster(),
		pool:     NewPool(logger),
		ctx:      ctx,
		cancel:   cancel,
		created:  now,
		lastUsed: now,
		active:   make(map[string]*RangeReader),
	}
}

func (m *MediaStream) Key() domain.MediaKey { return m.key }

// RequestRange returns a lazy reader over [start, end] inclusive. Cancelling
// ctx stops the reader but leaves fetch sessions running for later readers.
func (m *MediaStream) RequestRange(ctx context.Context, start, end int64) (*RangeReader, error) {
	if start < 0 || end < start || end >= m.key.Size {
		return nil, fmt.Errorf("%w: %d-%d of %d", domain.ErrInvalidRange, start, end, m.key.Size)
	}

	r := &RangeReader{
		id:        uuid.NewString(),
		stream:    m,
		ctx:       ctx,
		start:     start,
		end:       end,
		requested: end - start + 1,
		started:   m.now(),
	}
	r.lastUsed = r.started
	r.position.Store(start)

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, domain.ErrStreamClosed
	}
	m.active[r.id] = r
	m.lastUsed = r.started
	m.mu.Unlock()

	metrics.ActiveRangeRequests.Inc()
	metrics.RangeRequestsTotal.Inc()
	m.logger.Debug("stream: range requested",
		slog.String("requestId", r.id),
		slog.Int64("start", start),
		slog.Int64("end", end),
	)
	return r, nil
}

func (m *MediaStream) releaseRequest(id string) {
	m.mu.Lock()
	_, ok := m.active[id]
	delete(m.active, id)
	m.lastUsed = m.now()
	m.mu.Unlock()
	if ok {
		metrics.ActiveRangeRequests.Dec()
	}
}

// markServed records n bytes handed to the reader r.
func (m *MediaStream) markServed(r *RangeReader, n int) {
	m.mu.Lock()
	now := m.now()
	m.lastUsed = now
	r.bytesConsumed += int64(n)
	r.lastUsed = now
	m.mu.Unlock()
}

// idleFor reports how long the stream has gone without reads. A stream with
// open range requests is never idle.
func (m *MediaStream) idleFor(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) > 0 {
		return 0
	}
	return now.Sub(m.lastUsed)
}

func (m *MediaStream) isDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// goAsync runs fn on a tracked goroutine unless the stream is disposed.
func (m *MediaStream) goAsync(fn func()) bool {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// ensureBufferCoverage makes sure some fetch session is producing position.
// Concurrent calls for the same position share one attempt.
func (m *MediaStream) ensureBufferCoverage(req coverageRequest) {
	key := strconv.FormatInt(req.Position, 10)
	_, _, _ = m.coverage.Do(key, func() (any, error) {
		m.coverPosition(req)
		return nil, nil
	})
}

// awaitCoverage runs ensureBufferCoverage on a tracked goroutine and returns
// early with ctx's error if ctx ends first. The attempt itself keeps going.
func (m *MediaStream) awaitCoverage(ctx context.Context, req coverageRequest) error {
	done := make(chan struct{})
	if !m.goAsync(func() {
		defer close(done)
		m.ensureBufferCoverage(req)
	}) {
		return domain.ErrStreamClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MediaStream) coverPosition(req coverageRequest) {
	attempts := m.roster.Len()
	for i := 0; i < attempts; i++ {
		if m.isDisposed() {
			return
		}
		if m.resumeExisting(req.Position) {
			return
		}

		src, ok := m.pickSource(req)
		if !ok {
			m.logger.Warn("stream: no source to cover position", slog.Int64("position", req.Position))
			return
		}

		session, err := openFetchSession(m.ctx, fetchParams{
			StreamID: m.key.String(),
			Source:   src,
			Position: req.Position,
			Size:     m.key.Size,
			Cache:    m.cache,
			Client:   m.client,
			Logger:   m.logger,
			Config:   m.cfg.Fetch,
		})
		if err != nil {
			if m.isDisposed() {
				return
			}
			m.logger.Warn("stream: source failed, removing from roster",
				slog.String("sourceId", src.ID),
				slog.Int64("position", req.Position),
				slog.String("error", err.Error()),
			)
			m.roster.Remove(src.ID)
			m.notifySourceFailure(src.ID)
			continue
		}

		m.logger.Info("stream: fetch session opened",
			slog.String("sessionId", session.ID()),
			slog.String("sourceId", src.ID),
			slog.Int64("position", req.Position),
			slog.Bool("compensating", req.CompensatingSlowStream),
		)
		m.pool.Add(session)
		metrics.ActiveFetchSessions.Inc()
		started := m.goAsync(func() {
			_ = session.Run()
			m.pool.Remove(session)
			metrics.ActiveFetchSessions.Dec()
		})
		if !started {
			session.discard()
			m.pool.Remove(session)
			metrics.ActiveFetchSessions.Dec()
		}
		return
	}
}

// resumeExisting resumes a pooled session that can produce position. A
// session whose cursor already passed position while the cache lost those
// bytes does not count.
func (m *MediaStream) resumeExisting(position int64) bool {
	if s := m.pool.FindResolving(position); s != nil && s.CurrentPosition() > position && !m.cache.Covers(position) {
		return false
	}
	return m.pool.TryResumingFromPosition(position)
}

func (m *MediaStream) pickSource(req coverageRequest) (domain.Source, bool) {
	if req.CompensatingSlowStream {
		if src, ok := m.roster.FastestExcluding(req.CompensationSourceID); ok {
			return src, true
		}
	}
	return m.roster.Fastest()
}

func (m *MediaStream) notifySourceFailure(sourceID string) {
	m.goAsync(func() {
		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
		defer cancel()
		if err := m.resolver.RequestRefresh(ctx, sourceID); err != nil {
			m.logger.Debug("stream: link refresh request failed",
				slog.String("sourceId", sourceID),
				slog.String("error", err.Error()),
			)
		}
	})
	m.scheduleRefresh()
}

// RequestRefresh re-resolves the stream's links. With an empty roster it
// starts a refresh at once and waits briefly for it; otherwise it schedules
// one refresh after the refresh interval unless one is already pending.
func (m *MediaStream) RequestRefresh(ctx context.Context) {
	if !m.roster.IsEmpty() {
		m.scheduleRefresh()
		return
	}

	done := m.startRefresh()
	timer := time.NewTimer(m.cfg.EmptyRosterWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (m *MediaStream) scheduleRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed || m.refreshTimer != nil {
		return
	}
	m.refreshTimer = time.AfterFunc(m.cfg.RefreshInterval, func() {
		m.mu.Lock()
		m.refreshTimer = nil
		m.mu.Unlock()
		m.startRefresh()
	})
}

func (m *MediaStream) startRefresh() <-chan struct{} {
	m.mu.Lock()
	if m.refreshDone != nil {
		done := m.refreshDone
		m.mu.Unlock()
		return done
	}
	done := make(chan struct{})
	m.refreshDone = done
	m.mu.Unlock()

	finish := func() {
		m.mu.Lock()
		m.refreshDone = nil
		m.mu.Unlock()
		close(done)
	}
	if !m.goAsync(func() {
		defer finish()
		m.performRefresh()
	}) {
		finish()
	}
	return done
}

func (m *MediaStream) performRefresh() {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	links, err := m.resolver.GetLinks(ctx, m.key.ExternalID, m.key.Size)
	if err != nil {
		if m.ctx.Err() == nil {
			m.logger.Warn("stream: link refresh failed", slog.String("error", err.Error()))
		}
		metrics.LinkRefreshesTotal.WithLabelValues("error").Inc()
		return
	}

	sources := make([]domain.Source, 0, len(links))
	for _, link := range links {
		if link.Valid() {
			sources = append(sources, link.Source())
		}
	}
	m.roster.Merge(sources)
	m.pool.UpdateSpeedRanks(m.roster.Ranks())
	metrics.LinkRefreshesTotal.WithLabelValues("ok").Inc()

	best, ok := m.roster.Fastest()
	if !ok {
		m.logger.Warn("stream: no valid links", slog.Int("links", len(links)))
		return
	}
	for _, s := range m.pool.Items() {
		src := s.Source()
		if src.SpeedRank < best.SpeedRank {
			m.logger.Info("stream: draining session on slower source",
				slog.String("sessionId", s.ID()),
				slog.String("sourceId", src.ID),
				slog.Float64("rank", src.SpeedRank),
				slog.String("bestSourceId", best.ID),
				slog.Float64("bestRank", best.SpeedRank),
			)
			s.Drain()
		}
	}
	m.logger.Debug("stream: links refreshed",
		slog.Int("links", len(links)),
		slog.Int("valid", len(sources)),
		slog.Int("roster", m.roster.Len()),
	)
}

// Dispose drains every session, drops the cache and cancels pending
// refreshes. Open readers fail with domain.ErrStreamClosed.
func (m *MediaStream) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.mu.Unlock()

	m.cancel()
	m.pool.Dispose()
	m.cache.Clear()
}

// wait blocks until every goroutine started by the stream has returned.
func (m *MediaStream) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
