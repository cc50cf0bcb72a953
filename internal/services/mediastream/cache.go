package mediastream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNegativePosition = errors.New("negative cache position")
	ErrWaitTimeout      = errors.New("timed out waiting for data")
)

const (
	defaultMaxEntrySize = 8 << 20
	defaultMaxSliceSize = 256 << 10
)

// CachedRange describes one cache entry for eviction and stats.
type CachedRange struct {
	ID        string    `json:"id"`
	Start     int64     `json:"start"`
	End       int64     `json:"end"`
	Size      int64     `json:"bytesLength"`
	LastUsed  time.Time `json:"lastUsed"`
	TimesUsed int       `json:"timesUsed"`
}

// CacheSlice is the result of a successful TryFetch.
type CacheSlice struct {
	Data     []byte
	Position int64
	Consumed int64
	BufferID string
}

// Cache is the in-memory byte store of one media stream. Entries are kept
// sorted by start offset and never overlap.
type Cache struct {
	mu           sync.Mutex
	entries      []*chunkBuffer
	size         int64
	maxEntrySize int64
	maxSliceSize int64
	notify       chan struct{}
	now          func() time.Time
}

func NewCache(maxEntrySize, maxSliceSize int64) *Cache {
	if maxEntrySize <= 0 {
		maxEntrySize = defaultMaxEntrySize
	}
	if maxSliceSize <= 0 {
		maxSliceSize = defaultMaxSliceSize
	}
	return &Cache{
		maxEntrySize: maxEntrySize,
		maxSliceSize: maxSliceSize,
		notify:       make(chan struct{}),
		now:          time.Now,
	}
}

// Push stores data at position. Bytes already present in the cache are
// dropped; the rest is appended to the entry ending at position-1 when it fits
// within the max entry size, otherwise stored as a new entry. The cache keeps
// a reference to data, which must not be modified afterwards.
func (c *Cache) Push(data []byte, position int64) error {
	if position < 0 {
		return fmt.Errorf("%w: %d", ErrNegativePosition, position)
	}
	if len(data) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stored := false
	idx := c.firstEndingAtOrAfter(position)
	for len(data) > 0 {
		if idx < len(c.entries) && c.entries[idx].start <= position {
			skip := c.entries[idx].end - position + 1
			if skip >= int64(len(data)) {
				break
			}
			data = data[skip:]
			position += skip
			idx++
			continue
		}

		limit := int64(len(data))
		if idx < len(c.entries) {
			if gap := c.entries[idx].start - position; gap < limit {
				limit = gap
			}
		}
		piece := data[:limit:limit]

		if idx > 0 {
			prev := c.entries[idx-1]
			if prev.end == position-1 && prev.length()+limit <= c.maxEntrySize {
				prev.appendData(piece)
				c.size += limit
				data = data[limit:]
				position += limit
				stored = true
				continue
			}
		}

		entry := newChunkBuffer(position, piece, now)
		c.entries = append(c.entries, nil)
		copy(c.entries[idx+1:], c.entries[idx:])
		c.entries[idx] = entry
		c.size += limit
		idx++
		data = data[limit:]
		position += limit
		stored = true
	}

	if stored {
		close(c.notify)
		c.notify = make(chan struct{})
	}
	return nil
}

// TryFetch returns the cached bytes at position, capped by the bytes still
// requested, the end of the covering entry and the slice size.
func (c *Cache) TryFetch(position, requested, consumed int64) (CacheSlice, bool) {
	remaining := requested - consumed
	if remaining <= 0 || position < 0 {
		return CacheSlice{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.covering(position)
	if entry == nil {
		return CacheSlice{}, false
	}
	limit := remaining
	if limit > c.maxSliceSize {
		limit = c.maxSliceSize
	}
	data := entry.read(position, limit, c.now())
	n := int64(len(data))
	return CacheSlice{
		Data:     data,
		Position: position + n,
		Consumed: consumed + n,
		BufferID: entry.id(),
	}, true
}

func (c *Cache) Covers(position int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.covering(position) != nil
}

// WaitForData blocks until the next push, or returns at once when position is
// already covered.
func (c *Cache) WaitForData(ctx context.Context, position int64, timeout time.Duration) error {
	c.mu.Lock()
	if c.covering(position) != nil {
		c.mu.Unlock()
		return nil
	}
	ch := c.notify
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWaitTimeout
	}
}

// ClearBuffers removes the entries with the given ids and returns how many
// entries and bytes were released.
func (c *Cache) ClearBuffers(ids []string) (int, int64) {
	if len(ids) == 0 {
		return 0, 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0]
	var count int
	var released int64
	for _, entry := range c.entries {
		if _, ok := drop[entry.id()]; ok {
			count++
			released += entry.length()
			continue
		}
		kept = append(kept, entry)
	}
	for i := len(kept); i < len(c.entries); i++ {
		c.entries[i] = nil
	}
	c.entries = kept
	c.size -= released
	return count, released
}

// Clear drops every entry and wakes all waiters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.size = 0
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Entries() []CachedRange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CachedRange, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, CachedRange{
			ID:        entry.id(),
			Start:     entry.start,
			End:       entry.end,
			Size:      entry.length(),
			LastUsed:  entry.lastUsed,
			TimesUsed: entry.timesUsed,
		})
	}
	return out
}

func (c *Cache) firstEndingAtOrAfter(position int64) int {
	return sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].end >= position
	})
}

func (c *Cache) covering(position int64) *chunkBuffer {
	idx := c.firstEndingAtOrAfter(position)
	if idx < len(c.entries) && c.entries[idx].contains(position) {
		return c.entries[idx]
	}
	return nil
}
