package mediastream

import (
	"log/slog"
	"sync"
)

// Pool holds the live fetch sessions of one media stream.
type Pool struct {
	mu       sync.Mutex
	sessions []*FetchSession
	logger   *slog.Logger
}

func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{logger: logger}
}

// TryResumingFromPosition resumes the first session that can produce
// position and reports whether one was found.
func (p *Pool) TryResumingFromPosition(position int64) bool {
	matches := p.resolving(position)
	if len(matches) == 0 {
		return false
	}
	if len(matches) > 1 {
		ids := make([]string, 0, len(matches))
		for _, s := range matches {
			ids = append(ids, s.ID())
		}
		p.logger.Warn("pool: several sessions can resolve position",
			slog.Int64("position", position),
			slog.Any("sessionIds", ids),
		)
	}
	matches[0].Resume()
	return true
}

// FindResolving returns the first session that can produce position, or nil.
func (p *Pool) FindResolving(position int64) *FetchSession {
	matches := p.resolving(position)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

func (p *Pool) resolving(position int64) []*FetchSession {
	var out []*FetchSession
	for _, s := range p.Items() {
		if s.CanResolve(position) {
			out = append(out, s)
		}
	}
	return out
}

func (p *Pool) Add(s *FetchSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, s)
}

func (p *Pool) Remove(s *FetchSession) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, item := range p.sessions {
		if item == s {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) Find(id string) *FetchSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

func (p *Pool) Items() []*FetchSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FetchSession(nil), p.sessions...)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// UpdateSpeedRanks copies the latest rank of each session's source.
func (p *Pool) UpdateSpeedRanks(ranks map[string]float64) {
	for _, s := range p.Items() {
		if rank, ok := ranks[s.Source().ID]; ok {
			s.SetSpeedRank(rank)
		}
	}
}

// Dispose drains every session. Sessions leave the pool as their loops exit.
func (p *Pool) Dispose() {
	for _, s := range p.Items() {
		s.Drain()
	}
}
