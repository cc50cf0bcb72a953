package mediastream

import (
	"testing"
	"time"
)

func TestHealthMonitorGracePeriod(t *testing.T) {
	var h healthMonitor
	start := time.Unix(0, 0)
	var downloaded int64
	for i := 0; i < healthWindow; i++ {
		downloaded += 10 << 10
		h.record(start.Add(time.Duration(i)*time.Second), 1024, downloaded)
	}
	if h.hasHealthyBuffer() {
		t.Fatal("full read-ahead window of starved samples should be unhealthy")
	}
	if !h.isGoodStream() {
		t.Fatal("throughput window is one sample short and must stay optimistic")
	}
}

func TestHealthMonitorVerdicts(t *testing.T) {
	cases := []struct {
		name        string
		readAhead   int64
		perSecond   int64
		wantHealthy bool
		wantGood    bool
	}{
		{"slow and starved", 100 << 10, 100 << 10, false, false},
		{"fast but starved", 100 << 10, 4 << 20, false, true},
		{"slow but buffered", 4 << 20, 100 << 10, true, false},
		{"fast and buffered", 4 << 20, 4 << 20, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var h healthMonitor
			start := time.Unix(0, 0)
			var downloaded int64
			for i := 0; i <= healthWindow; i++ {
				h.record(start.Add(time.Duration(i)*time.Second), tc.readAhead, downloaded)
				downloaded += tc.perSecond
			}
			if got := h.hasHealthyBuffer(); got != tc.wantHealthy {
				t.Errorf("hasHealthyBuffer = %v, want %v", got, tc.wantHealthy)
			}
			if got := h.isGoodStream(); got != tc.wantGood {
				t.Errorf("isGoodStream = %v, want %v", got, tc.wantGood)
			}
			if len(h.snapshot()) != healthWindow {
				t.Errorf("snapshot length = %d, want %d", len(h.snapshot()), healthWindow)
			}
		})
	}
}

func TestFetchSessionIsSlowAfterFullWindow(t *testing.T) {
	clock := newFakeClock()
	s := idleSession("a", 0, 0)
	s.now = clock.Now

	for i := 0; i < healthWindow; i++ {
		s.mu.Lock()
		s.currentPosition += 50 << 10
		s.downloaded += 50 << 10
		s.lastReaderPosition = s.currentPosition - 10<<10
		s.mu.Unlock()
		s.sample()
		clock.Advance(time.Second)
		if s.IsSlow() {
			t.Fatalf("session reported slow after %d samples", i+1)
		}
	}

	s.mu.Lock()
	s.currentPosition += 50 << 10
	s.downloaded += 50 << 10
	s.mu.Unlock()
	s.sample()
	if !s.IsSlow() {
		t.Fatal("session should be slow once the window is full")
	}
	stats := s.Stats()
	if stats.IsGoodStream || stats.HasHealthyBuffer {
		t.Fatalf("stats = %+v, want both verdicts false", stats)
	}
}

func TestSpeedMeterExcludesPausedTime(t *testing.T) {
	var m speedMeter
	start := time.Unix(0, 0)
	m.resume(start)
	m.add(2 << 20)
	m.pause(start.Add(2 * time.Second))

	later := start.Add(time.Minute)
	if got := m.bytesPerSecond(later); got != float64(1<<20) {
		t.Fatalf("bytesPerSecond = %v, want %v", got, float64(1<<20))
	}

	m.resume(later)
	m.add(2 << 20)
	if got := m.bytesPerSecond(later.Add(2 * time.Second)); got != float64(1<<20) {
		t.Fatalf("bytesPerSecond after resume = %v, want %v", got, float64(1<<20))
	}
}
