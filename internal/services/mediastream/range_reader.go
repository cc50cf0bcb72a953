package mediastream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"linkstream/internal/domain"
	"linkstream/internal/metrics"
)

var errReaderClosed = errors.New("range reader closed")

// RangeReader pulls the bytes of one client range from a media stream. Bytes
// come out strictly ascending with no gaps or repeats. A RangeReader is not
// safe for concurrent use.
type RangeReader struct {
	id        string
	stream    *MediaStream
	ctx       context.Context
	start     int64
	end       int64
	requested int64
	consumed  int64
	started   time.Time
	position  atomic.Int64

	// guarded by stream.mu
	bytesConsumed int64
	lastUsed      time.Time

	lastKnown    *FetchSession
	waitingSince time.Time
	stalls       int
	pending      []byte
	err          error
	releaseOnce  sync.Once
}

// Next returns the next run of bytes, or io.EOF once the range is complete.
// Any other error ends the reader.
func (r *RangeReader) Next() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	m := r.stream

	for {
		if err := r.ctx.Err(); err != nil {
			return nil, r.fail(err)
		}
		if m.isDisposed() {
			return nil, r.fail(domain.ErrStreamClosed)
		}
		if r.consumed >= r.requested {
			return nil, r.fail(io.EOF)
		}

		position := r.position.Load()
		if slice, ok := m.cache.TryFetch(position, r.requested, r.consumed); ok {
			r.position.Store(slice.Position)
			r.consumed = slice.Consumed
			r.waitingSince = time.Time{}
			r.stalls = 0
			m.markServed(r, len(slice.Data))
			metrics.BytesServedTotal.Add(float64(len(slice.Data)))
			r.observe(position, slice.Position)
			return slice.Data, nil
		}

		if m.roster.IsEmpty() {
			return nil, r.fail(domain.ErrNoSources)
		}
		if err := m.awaitCoverage(r.ctx, coverageRequest{Position: position}); err != nil {
			return nil, r.fail(err)
		}
		if m.roster.IsEmpty() && !m.cache.Covers(position) {
			return nil, r.fail(domain.ErrNoSources)
		}

		if r.waitingSince.IsZero() {
			r.waitingSince = m.now()
		}
		err := m.cache.WaitForData(r.ctx, position, m.cfg.DataWaitTimeout)
		switch {
		case err == nil:
		case errors.Is(err, ErrWaitTimeout):
			r.stalls++
			m.logger.Warn("stream: no data within wait timeout",
				slog.String("requestId", r.id),
				slog.Int64("position", position),
				slog.Int("stalls", r.stalls),
			)
		default:
			return nil, r.fail(err)
		}

		waited := m.now().Sub(r.waitingSince)
		if r.stalls >= m.cfg.MaxStalledWaits || waited >= m.cfg.DataWaitTimeout*time.Duration(m.cfg.MaxStalledWaits) {
			return nil, r.fail(fmt.Errorf("%w: no data at %d after %s", domain.ErrStalled, position, waited.Round(time.Second)))
		}
	}
}

// observe keeps the owning session's reader position current and starts a
// compensating fetch ahead of it once it turns slow.
func (r *RangeReader) observe(chunkStart, next int64) {
	m := r.stream
	s := r.lastKnown
	if s == nil || !s.CanResolve(chunkStart) {
		s = m.pool.FindResolving(chunkStart)
		r.lastKnown = s
	}
	if s == nil {
		return
	}

	s.MarkLastReaderPosition(next)
	if s.SlowStreamHandled() || !s.IsSlow() {
		return
	}

	cutoff := s.CurrentPosition() + m.cfg.BisectDistance
	s.MarkSlowStreamHandled(cutoff)
	if cutoff >= m.key.Size {
		m.logger.Info("stream: slow session near end of file, no room to bisect",
			slog.String("sessionId", s.ID()),
			slog.Int64("cutoff", cutoff),
		)
		return
	}

	sourceID := s.Source().ID
	m.logger.Info("stream: slow session, starting compensating fetch",
		slog.String("sessionId", s.ID()),
		slog.String("sourceId", sourceID),
		slog.Int64("cutoff", cutoff),
	)
	metrics.SlowStreamCompensationsTotal.Inc()
	m.goAsync(func() {
		m.ensureBufferCoverage(coverageRequest{
			Position:               cutoff,
			CompensatingSlowStream: true,
			CompensationSourceID:   sourceID,
		})
	})
}

func (r *RangeReader) fail(err error) error {
	r.err = err
	r.release()
	return err
}

func (r *RangeReader) release() {
	r.releaseOnce.Do(func() {
		r.stream.releaseRequest(r.id)
	})
}

func (r *RangeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.pending) == 0 {
		chunk, err := r.Next()
		if err != nil {
			return 0, err
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// WriteTo copies the remaining range to w.
func (r *RangeReader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if len(r.pending) > 0 {
		n, err := w.Write(r.pending)
		total += int64(n)
		r.pending = nil
		if err != nil {
			return total, err
		}
	}
	for {
		chunk, err := r.Next()
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

func (r *RangeReader) Close() error {
	if r.err == nil {
		r.err = errReaderClosed
	}
	r.release()
	return nil
}

func (r *RangeReader) ID() string { return r.id }

// Remaining reports how many bytes of the range are still to be emitted.
func (r *RangeReader) Remaining() int64 { return r.requested - r.consumed }
