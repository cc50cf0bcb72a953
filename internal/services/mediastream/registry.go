package mediastream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"linkstream/internal/domain"
	"linkstream/internal/domain/ports"
	"linkstream/internal/metrics"
)

type RegistryConfig struct {
	Stream              StreamConfig
	MaxBufferSize       int64
	BufferSweepInterval time.Duration
	IdleSweepInterval   time.Duration
	IdleStreamTimeout   time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 200 << 20
	}
	if c.BufferSweepInterval <= 0 {
		c.BufferSweepInterval = 10 * time.Second
	}
	if c.IdleSweepInterval <= 0 {
		c.IdleSweepInterval = time.Minute
	}
	if c.IdleStreamTimeout <= 0 {
		c.IdleStreamTimeout = time.Hour
	}
	c.Stream = c.Stream.withDefaults()
	return c
}

type RegistryOption func(*Registry)

func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHTTPClient sets the client fetch sessions use for upstream requests.
// It must not set a total request timeout.
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(r *Registry) {
		if client != nil {
			r.client = client
		}
	}
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// SweepResult reports what one buffer sweep released.
type SweepResult struct {
	Entries int   `json:"evictedEntries"`
	Bytes   int64 `json:"evictedBytes"`
}

// Registry owns every live media stream, keyed by (external id, size).
type Registry struct {
	cfg      RegistryConfig
	resolver ports.LinkResolver
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	streams map[domain.MediaKey]*MediaStream
	closed  bool
}

func NewRegistry(resolver ports.LinkResolver, cfg RegistryConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		client:   http.DefaultClient,
		logger:   slog.Default(),
		now:      time.Now,
		streams:  make(map[domain.MediaKey]*MediaStream),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Serve returns a reader over [start, end] of the media file, creating its
// stream on first use. Reusing a stream schedules a link refresh.
func (r *Registry) Serve(ctx context.Context, key domain.MediaKey, start, end int64) (ports.RangeReader, error) {
	for attempt := 0; attempt < 2; attempt++ {
		stream, err := r.acquire(key)
		if err != nil {
			return nil, err
		}
		stream.RequestRefresh(ctx)

		reader, err := stream.RequestRange(ctx, start, end)
		if errors.Is(err, domain.ErrStreamClosed) {
			// Reaped between lookup and request; a fresh stream is created.
			continue
		}
		if err != nil {
			return nil, err
		}
		return reader, nil
	}
	return nil, domain.ErrStreamClosed
}

func (r *Registry) acquire(key domain.MediaKey) (*MediaStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrStreamClosed
	}
	if stream, ok := r.streams[key]; ok && !stream.isDisposed() {
		return stream, nil
	}
	stream := newMediaStream(key, r.cfg.Stream, streamDeps{
		resolver: r.resolver,
		client:   r.client,
		logger:   r.logger,
		now:      r.now,
	})
	r.streams[key] = stream
	metrics.ActiveMediaStreams.Set(float64(len(r.streams)))
	r.logger.Info("registry: media stream created",
		slog.String("streamId", key.String()),
		slog.String("size", humanize.IBytes(uint64(key.Size))),
	)
	return stream, nil
}

func (r *Registry) Find(key domain.MediaKey) (*MediaStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stream, ok := r.streams[key]
	return stream, ok
}

func (r *Registry) snapshot() []*MediaStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*MediaStream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	return out
}

// Run drives the periodic buffer sweep and idle stream reaper until ctx is
// done.
func (r *Registry) Run(ctx context.Context) {
	buffers := time.NewTicker(r.cfg.BufferSweepInterval)
	defer buffers.Stop()
	idle := time.NewTicker(r.cfg.IdleSweepInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-buffers.C:
			r.ClearBuffers()
		case <-idle.C:
			r.CleanupIdleStreams()
		}
	}
}

type evictionCandidate struct {
	stream *MediaStream
	entry  CachedRange
}

// ClearBuffers keeps the most recently used cache entries across all streams
// within the global buffer budget and evicts the rest.
func (r *Registry) ClearBuffers() SweepResult {
	var candidates []evictionCandidate
	for _, stream := range r.snapshot() {
		for _, entry := range stream.cache.Entries() {
			candidates = append(candidates, evictionCandidate{stream: stream, entry: entry})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].entry.LastUsed.After(candidates[j].entry.LastUsed)
	})

	victims := make(map[*MediaStream][]string)
	var running int64
	for _, c := range candidates {
		running += c.entry.Size
		if running > r.cfg.MaxBufferSize {
			victims[c.stream] = append(victims[c.stream], c.entry.ID)
		}
	}

	var result SweepResult
	for stream, ids := range victims {
		n, released := stream.cache.ClearBuffers(ids)
		result.Entries += n
		result.Bytes += released
	}

	var remaining int64
	for _, stream := range r.snapshot() {
		remaining += stream.cache.Size()
	}
	metrics.BufferedBytes.Set(float64(remaining))
	if result.Entries > 0 {
		metrics.EvictedBytesTotal.Add(float64(result.Bytes))
		r.logger.Info("registry: buffers evicted",
			slog.Int("entries", result.Entries),
			slog.String("released", humanize.IBytes(uint64(result.Bytes))),
			slog.String("remaining", humanize.IBytes(uint64(remaining))),
		)
	}
	return result
}

// CleanupIdleStreams disposes and forgets every stream idle for longer than
// the idle stream timeout. It returns how many were removed.
func (r *Registry) CleanupIdleStreams() int {
	now := r.now()

	r.mu.Lock()
	var victims []*MediaStream
	for key, stream := range r.streams {
		if stream.idleFor(now) > r.cfg.IdleStreamTimeout {
			victims = append(victims, stream)
			delete(r.streams, key)
		}
	}
	metrics.ActiveMediaStreams.Set(float64(len(r.streams)))
	r.mu.Unlock()

	for _, stream := range victims {
		stream.Dispose()
		r.logger.Info("registry: idle media stream removed", slog.String("streamId", stream.key.String()))
	}
	return len(victims)
}

// DrainSession drains the fetch session with the given id in any stream.
func (r *Registry) DrainSession(id string) error {
	for _, stream := range r.snapshot() {
		if s := stream.pool.Find(id); s != nil {
			s.Drain()
			return nil
		}
	}
	return fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
}

func (r *Registry) Stats() RegistryStats {
	streams := r.snapshot()
	sort.Slice(streams, func(i, j int) bool { return streams[i].key.String() < streams[j].key.String() })

	out := RegistryStats{
		Streams:            make([]StreamStats, 0, len(streams)),
		MaxBufferSize:      r.cfg.MaxBufferSize,
		MaxBufferSizeHuman: humanize.IBytes(uint64(r.cfg.MaxBufferSize)),
	}
	for _, stream := range streams {
		stats := stream.Stats()
		out.TotalBuffered += stats.BufferArraySize
		out.Streams = append(out.Streams, stats)
	}
	out.TotalBufferedHuman = humanize.IBytes(uint64(out.TotalBuffered))
	return out
}

// Close disposes every stream and waits for their goroutines until ctx is
// done. Serve fails with domain.ErrStreamClosed afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	streams := make([]*MediaStream, 0, len(r.streams))
	for key, s := range r.streams {
		streams = append(streams, s)
		delete(r.streams, key)
	}
	metrics.ActiveMediaStreams.Set(0)
	r.mu.Unlock()

	for _, s := range streams {
		s.Dispose()
	}
	for _, s := range streams {
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
