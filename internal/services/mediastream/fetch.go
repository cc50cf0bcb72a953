package mediastream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"linkstream/internal/domain"
	"linkstream/internal/metrics"
)

var tracer = otel.Tracer("linkstream/mediastream")

type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionStreaming  SessionState = "streaming"
	SessionPaused     SessionState = "paused"
	SessionDraining   SessionState = "draining"
	SessionEnded      SessionState = "ended"
)

type FetchConfig struct {
	// ReadAhead is how far the session may run ahead of the last position a
	// reader consumed before it pauses.
	ReadAhead         int64
	IdleTimeout       time.Duration
	SampleInterval    time.Duration
	IdleCheckInterval time.Duration
	ConnectTimeout    time.Duration
	ReadSize          int
}

func (c FetchConfig) withDefaults() FetchConfig {
	if c.ReadAhead <= 0 {
		c.ReadAhead = 8 << 20
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = 20 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.ReadSize <= 0 {
		c.ReadSize = 64 << 10
	}
	return c
}

type fetchParams struct {
	StreamID string
	Source   domain.Source
	Position int64
	Size     int64
	Cache    *Cache
	Client   *http.Client
	Logger   *slog.Logger
	Config   FetchConfig
}

// FetchSession is one upstream HTTP connection writing a file from its start
// position forward into a stream cache.
type FetchSession struct {
	id       string
	streamID string
	size     int64
	start    int64
	cache    *Cache
	cfg      FetchConfig
	logger   *slog.Logger
	gate     *Gate
	done     chan struct{}
	now      func() time.Time

	body   io.ReadCloser
	cancel context.CancelFunc

	mu                  sync.Mutex
	source              domain.Source
	state               SessionState
	currentPosition     int64
	lastReaderPosition  int64
	forceEndPosition    int64
	downloaded          int64
	lastUsed            time.Time
	drainRequested      bool
	slowStreamHandled   bool
	readAheadExceeded   bool
	readAheadExceededAt time.Time
	health              healthMonitor
	meter               speedMeter
}

// openFetchSession connects to the source at p.Position and validates the
// response. The request lives as long as ctx or until the session is drained.
func openFetchSession(ctx context.Context, p fetchParams) (*FetchSession, error) {
	cfg := p.Config.withDefaults()
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	s := &FetchSession{
		id:                 uuid.NewString(),
		streamID:           p.StreamID,
		size:               p.Size,
		start:              p.Position,
		cache:              p.Cache,
		cfg:                cfg,
		gate:               NewGate(true),
		done:               make(chan struct{}),
		now:                time.Now,
		source:             p.Source,
		state:              SessionConnecting,
		currentPosition:    p.Position,
		lastReaderPosition: p.Position,
		forceEndPosition:   p.Size,
	}
	s.lastUsed = s.now()
	s.logger = logger.With(
		slog.String("sessionId", s.id),
		slog.String("sourceId", p.Source.ID),
	)

	if err := s.connect(ctx, client); err != nil {
		metrics.FetchSessionsFailed.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}
	metrics.FetchSessionsOpened.Inc()
	return s, nil
}

func (s *FetchSession) connect(ctx context.Context, client *http.Client) error {
	spanCtx, span := tracer.Start(ctx, "fetch.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("source.id", s.source.ID),
			attribute.Int64("range.start", s.start),
			attribute.Int64("media.size", s.size),
		),
	)
	defer span.End()

	reqCtx, cancel := context.WithCancel(spanCtx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.source.URL, nil)
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return err
	}
	for k, v := range s.source.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", "bytes="+strconv.FormatInt(s.start, 10)+"-")

	timer := time.AfterFunc(s.cfg.ConnectTimeout, cancel)
	resp, err := client.Do(req)
	if !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		err = fmt.Errorf("connect timed out after %s", s.cfg.ConnectTimeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return err
	}
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return err
	}

	if err := validateUpstream(resp, s.start, s.size); err != nil {
		resp.Body.Close()
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	s.body = resp.Body
	s.cancel = cancel
	return nil
}

func validateUpstream(resp *http.Response, position, size int64) error {
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: %d", domain.ErrUpstreamStatus, resp.StatusCode)
	}

	crStart, crTotal, hasRange := parseContentRange(resp.Header.Get("Content-Range"))
	if position > 0 && !hasRange {
		return fmt.Errorf("%w: no Content-Range for offset %d", domain.ErrRangeMismatch, position)
	}
	if hasRange && crStart != position {
		return fmt.Errorf("%w: got start %d, want %d", domain.ErrRangeMismatch, crStart, position)
	}

	length := resp.ContentLength
	if hasRange && crTotal >= 0 {
		length = crTotal
	}
	if length != size {
		return fmt.Errorf("%w: got %d, want %d", domain.ErrContentLengthMismatch, length, size)
	}
	return nil
}

var contentRangePattern = regexp.MustCompile(`^bytes\s+(\d+)-(\d+)/(\d+|\*)$`)

// parseContentRange returns the start and total of a Content-Range header.
// total is -1 when the server reports it as unknown.
func parseContentRange(value string) (start, total int64, ok bool) {
	m := contentRangePattern.FindStringSubmatch(value)
	if m == nil {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	total = -1
	if m[3] != "*" {
		total, err = strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRangeMismatch):
		return "range_mismatch"
	case errors.Is(err, domain.ErrContentLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, domain.ErrUpstreamStatus):
		return "status"
	default:
		return "network"
	}
}

// Run streams the response body into the cache until the upstream ends, the
// cache already holds the next byte, the force-end position is reached or the
// session is drained. Read errors other than a drain are returned.
func (s *FetchSession) Run() error {
	defer close(s.done)
	defer s.body.Close()
	defer s.cancel()

	s.mu.Lock()
	s.state = SessionStreaming
	s.meter.resume(s.now())
	s.mu.Unlock()

	go s.monitor()

	reason, err := s.pump()

	s.mu.Lock()
	drained := s.drainRequested
	s.state = SessionEnded
	s.meter.pause(s.now())
	position := s.currentPosition
	downloaded := s.downloaded
	s.mu.Unlock()

	attrs := []any{
		slog.Int64("position", position),
		slog.String("downloaded", humanize.Bytes(uint64(downloaded))),
	}
	switch {
	case drained:
		s.logger.Info("fetch: session drained", attrs...)
		metrics.FetchSessionsEnded.WithLabelValues("drained").Inc()
		return nil
	case err != nil:
		s.logger.Error("fetch: upstream read failed", append(attrs, slog.String("error", err.Error()))...)
		metrics.FetchSessionsEnded.WithLabelValues("error").Inc()
		return err
	default:
		s.logger.Info("fetch: session finished", append(attrs, slog.String("reason", reason))...)
		metrics.FetchSessionsEnded.WithLabelValues(reason).Inc()
		return nil
	}
}

func (s *FetchSession) pump() (string, error) {
	for {
		if !s.waitForReader() {
			return "drained", nil
		}

		buf := make([]byte, s.cfg.ReadSize)
		n, err := s.body.Read(buf)
		if n > 0 {
			chunk := buf[:n:n]
			if n < len(buf)/2 {
				chunk = append([]byte(nil), buf[:n]...)
			}

			s.mu.Lock()
			position := s.currentPosition
			s.mu.Unlock()

			if pushErr := s.cache.Push(chunk, position); pushErr != nil {
				return "", pushErr
			}

			s.mu.Lock()
			s.currentPosition += int64(n)
			s.downloaded += int64(n)
			s.lastUsed = s.now()
			s.meter.add(int64(n))
			next := s.currentPosition
			forceEnd := s.forceEndPosition
			s.mu.Unlock()
			metrics.UpstreamBytesTotal.Add(float64(n))

			if next >= forceEnd {
				return "force_end", nil
			}
			if s.cache.Covers(next) {
				return "caught_up", nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "eof", nil
			}
			return "", err
		}
	}
}

// waitForReader blocks while the session is more than the read-ahead window
// ahead of its reader. It reports false once the session is drained.
func (s *FetchSession) waitForReader() bool {
	for {
		s.mu.Lock()
		if s.drainRequested {
			s.mu.Unlock()
			return false
		}
		if s.currentPosition <= s.lastReaderPosition+s.cfg.ReadAhead {
			if s.state == SessionPaused {
				s.state = SessionStreaming
				s.readAheadExceeded = false
				s.meter.resume(s.now())
			}
			s.mu.Unlock()
			return true
		}
		if s.state != SessionPaused {
			s.state = SessionPaused
			s.readAheadExceeded = true
			s.readAheadExceededAt = s.now()
			s.meter.pause(s.now())
			s.logger.Debug("fetch: read-ahead exceeded, pausing",
				slog.Int64("position", s.currentPosition),
				slog.Int64("readerPosition", s.lastReaderPosition),
			)
		}
		s.gate.Reset()
		s.mu.Unlock()

		_ = s.gate.Wait(context.Background(), 0)
	}
}

func (s *FetchSession) monitor() {
	sample := time.NewTicker(s.cfg.SampleInterval)
	defer sample.Stop()
	idle := time.NewTicker(s.cfg.IdleCheckInterval)
	defer idle.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-sample.C:
			s.sample()
		case <-idle.C:
			s.mu.Lock()
			idleFor := s.now().Sub(s.lastUsed)
			s.mu.Unlock()
			if idleFor > s.cfg.IdleTimeout {
				s.logger.Info("fetch: session idle, draining", slog.Duration("idle", idleFor))
				s.Drain()
			}
		}
	}
}

func (s *FetchSession) sample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	readAhead := s.currentPosition - s.lastReaderPosition
	if readAhead < 0 {
		readAhead = 0
	}
	s.health.record(s.now(), readAhead, s.downloaded)
}

// Drain cancels the upstream request and releases a paused loop. It is
// idempotent.
func (s *FetchSession) Drain() {
	s.mu.Lock()
	if s.drainRequested || s.state == SessionEnded {
		s.mu.Unlock()
		return
	}
	s.drainRequested = true
	s.state = SessionDraining
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.gate.Set()
}

// CanResolve reports whether the session has produced or is about to produce
// position: start <= position <= current.
func (s *FetchSession) CanResolve(position int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drainRequested || s.state == SessionEnded {
		return false
	}
	return position >= s.start && position <= s.currentPosition
}

// MarkLastReaderPosition advances the reader position and releases the loop
// once it is back inside the read-ahead window.
func (s *FetchSession) MarkLastReaderPosition(position int64) {
	s.mu.Lock()
	if position > s.lastReaderPosition {
		s.lastReaderPosition = position
	}
	s.lastUsed = s.now()
	release := s.currentPosition <= s.lastReaderPosition+s.cfg.ReadAhead
	s.mu.Unlock()
	if release {
		s.gate.Set()
	}
}

// Resume treats everything fetched so far as consumed and releases the loop.
func (s *FetchSession) Resume() {
	s.mu.Lock()
	if s.currentPosition > s.lastReaderPosition {
		s.lastReaderPosition = s.currentPosition
	}
	s.lastUsed = s.now()
	s.mu.Unlock()
	s.gate.Set()
}

// IsSlow reports a session that is both short of buffered read-ahead and
// below the minimum throughput over a full sample window.
func (s *FetchSession) IsSlow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.health.hasHealthyBuffer() && !s.health.isGoodStream()
}

func (s *FetchSession) MarkSlowStreamHandled(forceEnd int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slowStreamHandled = true
	if forceEnd < s.forceEndPosition {
		s.forceEndPosition = forceEnd
	}
}

func (s *FetchSession) SlowStreamHandled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slowStreamHandled
}

func (s *FetchSession) SetSpeedRank(rank float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source.SpeedRank = rank
}

func (s *FetchSession) ID() string { return s.id }

func (s *FetchSession) StartPosition() int64 { return s.start }

func (s *FetchSession) Source() domain.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func (s *FetchSession) CurrentPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPosition
}

func (s *FetchSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FetchSession) Done() <-chan struct{} { return s.done }

type SpeedStats struct {
	CumulativeBps   float64 `json:"cumulativeBps"`
	CumulativeHuman string  `json:"cumulativeHuman"`
	CurrentBps      float64 `json:"currentBps"`
	CurrentHuman    string  `json:"currentHuman"`
}

type SessionStats struct {
	ID                        string       `json:"id"`
	StreamID                  string       `json:"streamId"`
	SourceID                  string       `json:"sourceId"`
	SourceHost                string       `json:"sourceHost"`
	SpeedRank                 float64      `json:"speedRank"`
	State                     SessionState `json:"state"`
	StartPosition             int64        `json:"startPosition"`
	StartPositionHuman        string       `json:"startPositionHuman"`
	CurrentPosition           int64        `json:"currentPosition"`
	CurrentPositionHuman      string       `json:"currentPositionHuman"`
	LastReaderPosition        int64        `json:"lastReaderPosition"`
	ForceEndPosition          int64        `json:"forceEndPosition"`
	Downloaded                int64        `json:"downloaded"`
	DownloadedHuman           string       `json:"downloadedHuman"`
	LastUsed                  time.Time    `json:"lastUsed"`
	LastUsedAgo               string       `json:"lastUsedAgo"`
	DrainRequested            bool         `json:"drainRequested"`
	ReadAheadExceeded         bool         `json:"readAheadExceeded"`
	LastReadAheadExceededTime *time.Time   `json:"lastReadAheadExceededTime,omitempty"`
	ReadAheadBufferSnapshot   []int64      `json:"readAheadBufferSnapshot"`
	IsGoodStream              bool         `json:"isGoodStream"`
	HasHealthyBuffer          bool         `json:"hasHealthyBuffer"`
	SlowStreamHandled         bool         `json:"slowStreamHandled"`
	Speed                     SpeedStats   `json:"speedStats"`
}

func (s *FetchSession) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cumulative := s.meter.bytesPerSecond(now)
	current := s.health.currentSpeed()
	stats := SessionStats{
		ID:                      s.id,
		StreamID:                s.streamID,
		SourceID:                s.source.ID,
		SourceHost:              sourceHost(s.source.URL),
		SpeedRank:               s.source.SpeedRank,
		State:                   s.state,
		StartPosition:           s.start,
		StartPositionHuman:      humanize.IBytes(uint64(s.start)),
		CurrentPosition:         s.currentPosition,
		CurrentPositionHuman:    humanize.IBytes(uint64(s.currentPosition)),
		LastReaderPosition:      s.lastReaderPosition,
		ForceEndPosition:        s.forceEndPosition,
		Downloaded:              s.downloaded,
		DownloadedHuman:         humanize.IBytes(uint64(s.downloaded)),
		LastUsed:                s.lastUsed,
		LastUsedAgo:             humanize.Time(s.lastUsed),
		DrainRequested:          s.drainRequested,
		ReadAheadExceeded:       s.readAheadExceeded,
		ReadAheadBufferSnapshot: s.health.snapshot(),
		IsGoodStream:            s.health.isGoodStream(),
		HasHealthyBuffer:        s.health.hasHealthyBuffer(),
		SlowStreamHandled:       s.slowStreamHandled,
		Speed: SpeedStats{
			CumulativeBps:   cumulative,
			CumulativeHuman: humanize.IBytes(uint64(cumulative)) + "/s",
			CurrentBps:      current,
			CurrentHuman:    humanize.IBytes(uint64(current)) + "/s",
		},
	}
	if !s.readAheadExceededAt.IsZero() {
		at := s.readAheadExceededAt
		stats.LastReadAheadExceededTime = &at
	}
	return stats
}

func sourceHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// discard releases a connected session whose loop will never run.
func (s *FetchSession) discard() {
	s.mu.Lock()
	s.state = SessionEnded
	s.mu.Unlock()
	s.cancel()
	s.body.Close()
}
