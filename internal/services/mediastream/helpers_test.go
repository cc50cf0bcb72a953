package mediastream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"linkstream/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResolver struct {
	mu        sync.Mutex
	links     []domain.Link
	err       error
	getCalls  int
	refreshed []string
}

func (f *fakeResolver) GetLinks(_ context.Context, _ string, _ int64) ([]domain.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.Link(nil), f.links...), nil
}

func (f *fakeResolver) RequestRefresh(_ context.Context, linkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, linkID)
	return nil
}

func (f *fakeResolver) setLinks(links ...domain.Link) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = links
}

func (f *fakeResolver) refreshRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refreshed...)
}

func validLink(id, url string, rank float64) domain.Link {
	return domain.Link{ID: id, PlayableLink: url, SpeedRank: rank, Status: domain.LinkValid}
}

// rangeHandler serves content from the offset in an open-ended Range header,
// writing chunk bytes at a time with delay between writes.
func rangeHandler(content []byte, chunk int, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		size := int64(len(content))
		var start int64
		if v := r.Header.Get("Range"); v != "" {
			if _, err := fmt.Sscanf(v, "bytes=%d-", &start); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		if start >= size {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
		w.Header().Set("Content-Length", strconv.FormatInt(size-start, 10))
		w.WriteHeader(http.StatusPartialContent)

		flusher, _ := w.(http.Flusher)
		for pos := start; pos < size; {
			end := pos + int64(chunk)
			if end > size {
				end = size
			}
			if _, err := w.Write(content[pos:end]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			pos = end
			if delay > 0 {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(delay):
				}
			}
		}
	}
}

func newUpstream(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// idleSession builds a session that is not connected to anything, for tests
// that only exercise bookkeeping.
func idleSession(sourceID string, start, current int64) *FetchSession {
	return &FetchSession{
		id:                 "session-" + sourceID + "-" + strconv.FormatInt(start, 10),
		start:              start,
		size:               1 << 30,
		cfg:                FetchConfig{}.withDefaults(),
		logger:             discardLogger(),
		gate:               NewGate(true),
		done:               make(chan struct{}),
		now:                time.Now,
		cancel:             func() {},
		source:             domain.Source{ID: sourceID},
		state:              SessionStreaming,
		currentPosition:    current,
		lastReaderPosition: start,
		forceEndPosition:   1 << 30,
		lastUsed:           time.Now(),
	}
}
