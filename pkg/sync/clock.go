// ABOUTME: Playout clocks in the time-to-play domain
// ABOUTME: Offset/drift tracking against a reference clock plus system and manual clocks
package sync

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

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
	}
	return "lost"
}

const (
	maxRTTUs      = 100_000
	degradedRTTUs = 50_000
	maxResidualUs = 50_000
	lostAfter     = 5 * time.Second
)

// SystemClock reads the local wall clock in microseconds
type SystemClock struct{}

// NowMicros returns Unix time in microseconds
func (SystemClock) NowMicros() int64 {
	return time.Now().UnixMicro()
}

// ManualClock is advanced explicitly; simulations and tests drive it
type ManualClock struct {
	now atomic.Int64
}

// NewManualClock creates a clock reading startUs
func NewManualClock(startUs int64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(startUs)
	return c
}

// NowMicros returns the current virtual time
func (c *ManualClock) NowMicros() int64 {
	return c.now.Load()
}

// Advance moves the clock forward by us microseconds
func (c *ManualClock) Advance(us int64) {
	c.now.Add(us)
}

// Set jumps the clock to us
func (c *ManualClock) Set(us int64) {
	c.now.Store(us)
}

// LocalClock is the local time source a ClockSync corrects
type LocalClock interface {
	NowMicros() int64
}

// ClockSync maps a local clock onto a reference clock by tracking offset and
// drift. Its NowMicros is in the reference domain, which is the domain tag
// playback times are stamped in.
type ClockSync struct {
	mu             sync.RWMutex
	local          LocalClock
	offset         int64   // reference - local, microseconds
	drift          float64 // dimensionless, μs/μs
	rtt            int64
	quality        Quality
	lastSync       time.Time
	lastSyncMicros int64 // local time of the last accepted sample
	sampleCount    int
	smoothingRate  float64
}

// NewClockSync creates a synchronizer over local; nil uses the system clock
func NewClockSync(local LocalClock) *ClockSync {
	if local == nil {
		local = SystemClock{}
	}
	return &ClockSync{
		local:         local,
		smoothingRate: 0.1,
		quality:       QualityLost,
	}
}

// ProcessSyncResponse folds one four-timestamp exchange into the estimate.
// t1/t4 are local send/receive, t2/t3 reference receive/send.
func (cs *ClockSync) ProcessSyncResponse(t1, t2, t3, t4 int64) {
	rtt, measured := calculateOffset(t1, t2, t3, t4)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.rtt = rtt
	cs.lastSync = time.Now()

	if rtt > maxRTTUs {
		log.WithField("rtt_us", rtt).Debug("Discarding sync sample: high RTT")
		return
	}

	switch cs.sampleCount {
	case 0:
		cs.offset = measured
		cs.lastSyncMicros = t4
		cs.sampleCount++
		cs.quality = QualityGood
		log.WithFields(log.Fields{"offset_us": cs.offset, "rtt_us": rtt}).Info("Initial clock sync")
		return
	case 1:
		if dt := float64(t4 - cs.lastSyncMicros); dt > 0 {
			cs.drift = float64(measured-cs.offset) / dt
		}
		cs.offset = measured
		cs.lastSyncMicros = t4
		cs.sampleCount++
		cs.quality = QualityGood
		log.WithField("drift", cs.drift).Debug("Clock drift initialized")
		return
	}

	dt := float64(t4 - cs.lastSyncMicros)
	if dt <= 0 {
		log.Debug("Discarding sync sample: non-monotonic time")
		return
	}

	predicted := cs.offset + int64(cs.drift*dt)
	residual := measured - predicted
	if residual > maxResidualUs || residual < -maxResidualUs {
		log.WithField("residual_us", residual).Warn("Discarding sync sample: possible clock jump")
		return
	}

	cs.offset = predicted + int64(cs.smoothingRate*float64(residual))
	cs.drift += cs.smoothingRate * float64(residual) / dt
	cs.lastSyncMicros = t4
	cs.sampleCount++

	if rtt < degradedRTTUs {
		cs.quality = QualityGood
	} else {
		cs.quality = QualityDegraded
	}
}

func calculateOffset(t1, t2, t3, t4 int64) (rtt, offset int64) {
	rtt = (t4 - t1) - (t3 - t2)
	offset = ((t2 - t1) + (t3 - t4)) / 2
	return
}

// NowMicros returns the current time in the reference domain
func (cs *ClockSync) NowMicros() int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	now := cs.local.NowMicros()
	if cs.sampleCount == 0 {
		return now
	}
	dt := now - cs.lastSyncMicros
	return now + cs.offset + int64(cs.drift*float64(dt))
}

// ToLocal converts a reference time to the local clock
func (cs *ClockSync) ToLocal(refUs int64) int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.sampleCount == 0 {
		return refUs
	}
	num := float64(refUs) - float64(cs.offset) + cs.drift*float64(cs.lastSyncMicros)
	return int64(num / (1.0 + cs.drift))
}

// Stats returns offset, drift, RTT and quality
func (cs *ClockSync) Stats() (offset int64, drift float64, rtt int64, quality Quality) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.offset, cs.drift, cs.rtt, cs.quality
}

// CheckQuality marks the sync lost when no sample arrived recently
func (cs *ClockSync) CheckQuality() Quality {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if time.Since(cs.lastSync) > lostAfter {
		cs.quality = QualityLost
	}
	return cs.quality
}
