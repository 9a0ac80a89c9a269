// ABOUTME: Process-wide time authority and bus clock synchronization
// ABOUTME: Clock hands out monotonic wall-clock instants; ClockSync tracks offset and drift to a marker bus
package sync

import (
	"log"
	"sync"
	"time"
)

// Clock is the single source of timestamps for every component in the process
type Clock interface {
	Now() time.Time
}

// SystemClock anchors wall time once and advances it with the monotonic clock,
// so wall-clock steps (NTP slews, manual changes) never move instants backwards
type SystemClock struct {
	mu     sync.Mutex
	anchor time.Time
	last   time.Time
}

// NewSystemClock creates a clock anchored at the current wall time
func NewSystemClock() *SystemClock {
	return &SystemClock{anchor: time.Now()}
}

// Now returns a non-decreasing wall-clock instant
func (c *SystemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	// time.Since reads the monotonic clock carried by anchor; Round(0) drops it
	// from the result so callers compare on wall time only
	now := c.anchor.Add(time.Since(c.anchor)).Round(0)
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}

// ManualClock is a Clock that only moves when told to
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a manual clock reading start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual reading
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t; earlier instants are ignored
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// Advance moves the clock forward by d
func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Micros returns the clock reading as Unix microseconds
func Micros(c Clock) int64 {
	return c.Now().UnixMicro()
}

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	default:
		return "lost"
	}
}

const (
	maxAcceptedRTT   = 100000 // 100ms
	goodRTT          = 50000  // 50ms
	maxResidual      = 50000  // 50ms
	staleSyncTimeout = 5 * time.Second
)

// ClockSync estimates the offset and drift between a marker bus clock and the
// local clock from NTP-style four-timestamp exchanges. All values are
// microseconds; offset is bus minus local.
type ClockSync struct {
	mu             sync.RWMutex
	offset         int64
	drift          float64 // dimensionless: μs/μs
	rawOffset      int64
	rtt            int64
	quality        Quality
	lastSync       time.Time
	lastSyncMicros int64 // local time (μs) when offset/drift were last updated
	sampleCount    int
	smoothingRate  float64
}

// NewClockSync creates a new clock synchronizer
func NewClockSync() *ClockSync {
	return &ClockSync{
		smoothingRate: 0.1,
		quality:       QualityLost,
	}
}

// ProcessSyncResponse folds one exchange into the estimate.
// t1/t4 are local send/receive, t2/t3 are bus receive/send.
func (cs *ClockSync) ProcessSyncResponse(t1, t2, t3, t4 int64) {
	rtt, measured := calculateOffset(t1, t2, t3, t4)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.rtt = rtt
	cs.rawOffset = measured
	cs.lastSync = time.Now()

	if rtt > maxAcceptedRTT {
		log.Printf("Discarding bus sync sample: high RTT %dμs", rtt)
		return
	}

	switch cs.sampleCount {
	case 0:
		cs.offset = measured
	case 1:
		if dt := float64(t4 - cs.lastSyncMicros); dt > 0 {
			cs.drift = float64(measured-cs.offset) / dt
		}
		cs.offset = measured
	default:
		dt := float64(t4 - cs.lastSyncMicros)
		if dt <= 0 {
			log.Printf("Discarding bus sync sample: non-monotonic local time")
			return
		}

		predicted := cs.offset + int64(cs.drift*dt)
		residual := measured - predicted
		if residual > maxResidual || residual < -maxResidual {
			log.Printf("Discarding bus sync sample: residual %dμs", residual)
			return
		}

		// fixed-gain Kalman-style update of offset and drift
		cs.offset = predicted + int64(cs.smoothingRate*float64(residual))
		cs.drift += cs.smoothingRate * float64(residual) / dt
	}

	cs.lastSyncMicros = t4
	cs.sampleCount++

	if rtt < goodRTT {
		cs.quality = QualityGood
	} else {
		cs.quality = QualityDegraded
	}

	if cs.sampleCount <= 3 {
		log.Printf("Bus sync #%d: offset=%dμs, drift=%.9f, rtt=%dμs", cs.sampleCount, cs.offset, cs.drift, rtt)
	}
}

// calculateOffset computes RTT and clock offset
func calculateOffset(t1, t2, t3, t4 int64) (rtt, offset int64) {
	rtt = (t4 - t1) - (t3 - t2)
	offset = ((t2 - t1) + (t3 - t4)) / 2
	return
}

// Stats returns offset, round-trip time and quality
func (cs *ClockSync) Stats() (offset, rtt int64, quality Quality) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.offset, cs.rtt, cs.quality
}

// Synced reports whether at least one sample was accepted
func (cs *ClockSync) Synced() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.sampleCount > 0
}

// CheckQuality marks the sync lost when no exchange happened recently
func (cs *ClockSync) CheckQuality() Quality {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if time.Since(cs.lastSync) > staleSyncTimeout {
		cs.quality = QualityLost
	}
	return cs.quality
}

// BusToLocal converts a bus timestamp (μs) into local wall-clock time
func (cs *ClockSync) BusToLocal(busMicros int64) time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.sampleCount == 0 {
		return time.UnixMicro(busMicros)
	}

	// bus = local + offset + drift*(local - lastSync), solved for local
	numerator := float64(busMicros) - float64(cs.offset) + cs.drift*float64(cs.lastSyncMicros)
	return time.UnixMicro(int64(numerator / (1.0 + cs.drift)))
}
