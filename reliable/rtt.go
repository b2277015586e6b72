package reliable

import "time"

// rttEstimator is the Jacobson/Karels smoothed RTT estimator with the usual
// gains of 1/8 for the average and 1/4 for the deviation.
type rttEstimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	sampled bool

	initial  time.Duration
	min, max time.Duration
}

func newRTTEstimator(initial, lo, hi time.Duration) *rttEstimator {
	return &rttEstimator{initial: initial, min: lo, max: hi}
}

// Observe feeds one round trip sample. Samples from retransmitted packets
// are ambiguous and must not be passed in.
func (e *rttEstimator) Observe(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if !e.sampled {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.sampled = true
		return
	}
	delta := rtt - e.srtt
	e.srtt += delta / 8
	if delta < 0 {
		delta = -delta
	}
	e.rttvar += (delta - e.rttvar) / 4
}

// RTO is SRTT + 4*RTTVAR clamped to the configured bounds, or the initial
// timeout before the first sample.
func (e *rttEstimator) RTO() time.Duration {
	if !e.sampled {
		return e.clamp(e.initial)
	}
	return e.clamp(e.srtt + 4*e.rttvar)
}

func (e *rttEstimator) SRTT() time.Duration {
	return e.srtt
}

func (e *rttEstimator) clamp(d time.Duration) time.Duration {
	if d < e.min {
		return e.min
	}
	if d > e.max {
		return e.max
	}
	return d
}
