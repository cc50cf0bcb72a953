package mediastream

import "time"

const (
	healthWindow        = 10
	minHealthyReadAhead = 1 << 20
	minGoodSpeed        = 1 << 20
)

// healthMonitor keeps the last healthWindow samples of read-ahead depth and
// downloaded bytes of one fetch session. Verdicts are optimistic until the
// window is full.
type healthMonitor struct {
	readAhead      []int64
	throughput     []float64
	lastDownloaded int64
	lastSample     time.Time
}

func (h *healthMonitor) record(now time.Time, readAhead, downloaded int64) {
	if h.lastSample.IsZero() {
		h.lastSample = now
		h.lastDownloaded = downloaded
		h.readAhead = appendWindow(h.readAhead, readAhead)
		return
	}
	elapsed := now.Sub(h.lastSample).Seconds()
	if elapsed <= 0 {
		return
	}
	h.readAhead = appendWindow(h.readAhead, readAhead)
	h.throughput = appendWindowF(h.throughput, float64(downloaded-h.lastDownloaded)/elapsed)
	h.lastSample = now
	h.lastDownloaded = downloaded
}

func (h *healthMonitor) hasHealthyBuffer() bool {
	if len(h.readAhead) < healthWindow {
		return true
	}
	var sum int64
	for _, v := range h.readAhead {
		sum += v
	}
	return sum/int64(len(h.readAhead)) > minHealthyReadAhead
}

func (h *healthMonitor) isGoodStream() bool {
	if len(h.throughput) < healthWindow {
		return true
	}
	return h.averageSpeed() > minGoodSpeed
}

func (h *healthMonitor) averageSpeed() float64 {
	if len(h.throughput) == 0 {
		return 0
	}
	var sum float64
	for _, v := range h.throughput {
		sum += v
	}
	return sum / float64(len(h.throughput))
}

func (h *healthMonitor) currentSpeed() float64 {
	if len(h.throughput) == 0 {
		return 0
	}
	return h.throughput[len(h.throughput)-1]
}

func (h *healthMonitor) snapshot() []int64 {
	return append([]int64(nil), h.readAhead...)
}

func appendWindow(window []int64, v int64) []int64 {
	window = append(window, v)
	if len(window) > healthWindow {
		window = window[len(window)-healthWindow:]
	}
	return window
}

func appendWindowF(window []float64, v float64) []float64 {
	window = append(window, v)
	if len(window) > healthWindow {
		window = window[len(window)-healthWindow:]
	}
	return window
}

// speedMeter measures cumulative throughput over the time a session was
// actually transferring. Paused periods do not count.
type speedMeter struct {
	total       int64
	active      time.Duration
	activeSince time.Time
}

func (m *speedMeter) resume(now time.Time) {
	if m.activeSince.IsZero() {
		m.activeSince = now
	}
}

func (m *speedMeter) pause(now time.Time) {
	if m.activeSince.IsZero() {
		return
	}
	m.active += now.Sub(m.activeSince)
	m.activeSince = time.Time{}
}

func (m *speedMeter) add(n int64) {
	m.total += n
}

func (m *speedMeter) bytesPerSecond(now time.Time) float64 {
	active := m.active
	if !m.activeSince.IsZero() {
		active += now.Sub(m.activeSince)
	}
	if active <= 0 {
		return 0
	}
	return float64(m.total) / active.Seconds()
}
