// ABOUTME: Detects latency the engine cannot achieve
// ABOUTME: Raises a fault after consecutive late tags with worsening error
package ttp

import log "github.com/sirupsen/logrus"

type lateMonitor struct {
	count   int
	prevErr int64
}

// late records a newly classified late tag and reports whether to fault
func (m *lateMonitor) late(errUs int64) bool {
	if errUs < m.prevErr {
		m.count++
	} else {
		m.count = 1
	}
	m.prevErr = errUs
	if m.count >= LateTagLimit {
		m.count = 0
		return true
	}
	return false
}

func (m *lateMonitor) reset() {
	m.count = 0
	m.prevErr = 0
}

func (e *Engine) raiseFault(errUs int64) {
	magnitude := errUs
	if magnitude < 0 {
		magnitude = -magnitude
	}

	e.log.WithFields(log.Fields{
		"connection": e.cfg.ConnectionID,
		"endpoint":   e.cfg.EndpointID,
		"error_us":   errUs,
	}).Warn("Unachievable latency: consecutive late tags keep getting later")

	e.updateStats(func(s *Stats) { s.Faults++ })

	if e.cfg.Fault != nil {
		e.cfg.Fault(e.cfg.ConnectionID, e.cfg.EndpointID, magnitude)
	}
}
