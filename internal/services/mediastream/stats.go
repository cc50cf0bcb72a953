package mediastream

import (
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"linkstream/internal/domain"
)

type SourceStats struct {
	ID        string            `json:"id"`
	Host      string            `json:"host"`
	SpeedRank float64           `json:"speedRank"`
	Status    domain.LinkStatus `json:"status"`
}

type RequestStats struct {
	ID            string    `json:"id"`
	Start         int64     `json:"start"`
	End           int64     `json:"end"`
	Position      int64     `json:"position"`
	BytesConsumed int64     `json:"bytesConsumed"`
	Started       time.Time `json:"started"`
	LastUsed      time.Time `json:"lastUsed"`
}

type StreamStats struct {
	ID                   string         `json:"id"`
	ExternalID           string         `json:"externalId"`
	Size                 int64          `json:"size"`
	SizeHuman            string         `json:"sizeHuman"`
	BufferRanges         []CachedRange  `json:"bufferRange"`
	BufferArrayLength    int            `json:"bufferArrayLength"`
	BufferArraySize      int64          `json:"bufferArraySize"`
	BufferArraySizeHuman string         `json:"bufferArraySizeHuman"`
	NumberOfStreams      int            `json:"numberOfStreams"`
	StreamStats          []SessionStats `json:"streamStats"`
	StreamSources        []SourceStats  `json:"streamSources"`
	ActiveRequests       []RequestStats `json:"activeRequests"`
	Created              time.Time      `json:"created"`
	LastUsed             time.Time      `json:"lastUsed"`
}

type RegistryStats struct {
	Streams            []StreamStats `json:"streams"`
	TotalBuffered      int64         `json:"totalBuffered"`
	TotalBufferedHuman string        `json:"totalBufferedHuman"`
	MaxBufferSize      int64         `json:"maxBufferSize"`
	MaxBufferSizeHuman string        `json:"maxBufferSizeHuman"`
}

func (m *MediaStream) Stats() StreamStats {
	ranges := m.cache.Entries()
	var buffered int64
	for _, r := range ranges {
		buffered += r.Size
	}

	sessions := m.pool.Items()
	sessionStats := make([]SessionStats, 0, len(sessions))
	for _, s := range sessions {
		sessionStats = append(sessionStats, s.Stats())
	}

	roster := m.roster.Items()
	sources := make([]SourceStats, 0, len(roster))
	for _, src := range roster {
		sources = append(sources, SourceStats{
			ID:        src.ID,
			Host:      sourceHost(src.URL),
			SpeedRank: src.SpeedRank,
			Status:    src.Status,
		})
	}

	m.mu.Lock()
	requests := make([]RequestStats, 0, len(m.active))
	for _, r := range m.active {
		requests = append(requests, RequestStats{
			ID:            r.id,
			Start:         r.start,
			End:           r.end,
			Position:      r.position.Load(),
			BytesConsumed: r.bytesConsumed,
			Started:       r.started,
			LastUsed:      r.lastUsed,
		})
	}
	created, lastUsed := m.created, m.lastUsed
	m.mu.Unlock()
	sort.Slice(requests, func(i, j int) bool { return requests[i].Started.Before(requests[j].Started) })

	return StreamStats{
		ID:                   m.key.String(),
		ExternalID:           m.key.ExternalID,
		Size:                 m.key.Size,
		SizeHuman:            humanize.IBytes(uint64(m.key.Size)),
		BufferRanges:         ranges,
		BufferArrayLength:    len(ranges),
		BufferArraySize:      buffered,
		BufferArraySizeHuman: humanize.IBytes(uint64(buffered)),
		NumberOfStreams:      len(sessions),
		StreamStats:          sessionStats,
		StreamSources:        sources,
		ActiveRequests:       requests,
		Created:              created,
		LastUsed:             lastUsed,
	}
}
