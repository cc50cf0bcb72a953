package mediastream

import (
	"sort"
	"sync"

	"linkstream/internal/domain"
)

// Roster is the set of upstream sources known for one media stream, keyed by
// source id.
type Roster struct {
	mu      sync.RWMutex
	sources map[string]domain.Source
}

func NewRoster() *Roster {
	return &Roster{sources: make(map[string]domain.Source)}
}

// Merge upserts sources by id and keeps every other entry.
func (r *Roster) Merge(sources []domain.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, src := range sources {
		if src.ID == "" {
			continue
		}
		r.sources[src.ID] = src
	}
}

// Fastest returns the source with the highest speed rank. Ties go to the
// lexicographically smallest id.
func (r *Roster) Fastest() (domain.Source, bool) {
	return r.FastestExcluding("")
}

func (r *Roster) FastestExcluding(excludeID string) (domain.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best domain.Source
	found := false
	for id, src := range r.sources {
		if excludeID != "" && id == excludeID {
			continue
		}
		if !found || faster(src, best) {
			best = src
			found = true
		}
	}
	return best, found
}

func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[id]; !ok {
		return false
	}
	delete(r.sources, id)
	return true
}

func (r *Roster) IsEmpty() bool {
	return r.Len() == 0
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Ranks returns the speed rank of every source by id.
func (r *Roster) Ranks() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.sources))
	for id, src := range r.sources {
		out[id] = src.SpeedRank
	}
	return out
}

// Items returns the sources ordered fastest first.
func (r *Roster) Items() []domain.Source {
	r.mu.RLock()
	out := make([]domain.Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return faster(out[i], out[j]) })
	return out
}

func faster(a, b domain.Source) bool {
	if a.SpeedRank != b.SpeedRank {
		return a.SpeedRank > b.SpeedRank
	}
	return a.ID < b.ID
}
