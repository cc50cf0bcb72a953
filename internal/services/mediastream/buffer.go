package mediastream

import (
	"strconv"
	"time"
)

// chunkBuffer is one contiguous cache entry covering [start, end] inclusive.
// Appended fragments are kept aside and only concatenated when a read needs
// them. Bytes below len(data) are never rewritten, so slices returned by read
// stay valid after later appends.
type chunkBuffer struct {
	start     int64
	end       int64
	data      []byte
	pending   [][]byte
	lastUsed  time.Time
	timesUsed int
}

func newChunkBuffer(start int64, data []byte, now time.Time) *chunkBuffer {
	return &chunkBuffer{
		start:    start,
		end:      start + int64(len(data)) - 1,
		data:     data,
		lastUsed: now,
	}
}

func (b *chunkBuffer) id() string {
	return strconv.FormatInt(b.start, 10) + "-" + strconv.FormatInt(b.end, 10)
}

func (b *chunkBuffer) length() int64 {
	return b.end - b.start + 1
}

func (b *chunkBuffer) contains(position int64) bool {
	return position >= b.start && position <= b.end
}

func (b *chunkBuffer) appendData(data []byte) {
	b.pending = append(b.pending, data)
	b.end += int64(len(data))
}

func (b *chunkBuffer) materialize() {
	if len(b.pending) == 0 {
		return
	}
	for _, fragment := range b.pending {
		b.data = append(b.data, fragment...)
	}
	b.pending = nil
}

// read returns up to limit bytes starting at position. The caller guarantees
// that position is inside the buffer.
func (b *chunkBuffer) read(position, limit int64, now time.Time) []byte {
	offset := position - b.start
	if offset+limit > int64(len(b.data)) {
		b.materialize()
	}
	n := int64(len(b.data)) - offset
	if n > limit {
		n = limit
	}
	b.lastUsed = now
	b.timesUsed++
	return b.data[offset : offset+n : offset+n]
}
