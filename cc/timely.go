// File: cc/timely.go
// Package cc implements per-session rate computation for paced TX.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timely-style RTT-gradient congestion control. Each completed request
// contributes one RTT sample; the EWMA of consecutive sample
// differences drives the rate: additive increase below the low delay
// threshold, multiplicative decrease above the high threshold,
// gradient-scaled in between. The rate sets the per-packet pacing
// delay used for timing-wheel insertion.

package cc

// Params holds the Timely constants. All times are in tsc units
// (nanoseconds on the monotonic time base).
type Params struct {
	LinkBandwidth float64 // bytes/sec; rate ceiling and initial rate
	MinRate       float64 // bytes/sec floor
	TLow          float64 // below: additive increase
	THigh         float64 // above: multiplicative decrease
	MinRTT        float64 // gradient normalization
	EwmaAlpha     float64
	Beta          float64
	AddRate       float64 // bytes/sec additive step
}

// DefaultParams returns the Timely constants for a link of bw
// bytes/sec.
func DefaultParams(bw float64) Params {
	return Params{
		LinkBandwidth: bw,
		MinRate:       5 * 1000 * 1000, // 5 MB/s
		TLow:          50 * 1000,       // 50 us
		THigh:         1000 * 1000,     // 1 ms
		MinRTT:        2 * 1000,        // 2 us
		EwmaAlpha:     0.46,
		Beta:          0.26,
		AddRate:       bw / 200,
	}
}

// Timely is one session's congestion-control block. Touched only by
// the dispatch goroutine.
type Timely struct {
	p Params

	rate       float64
	prevRTT    float64
	avgRttDiff float64
	haiRounds  int // consecutive gradient-negative rounds

	// Pacing bookkeeping: timestamp the last paced packet was
	// scheduled for.
	PrevDesiredTxTsc uint64

	// Counters surfaced through the endpoint metrics.
	NumRateUpdates uint64
}

// NewTimely starts at full link rate, like a fresh connection on an
// uncongested fabric.
func NewTimely(p Params, nowTsc uint64) *Timely {
	return &Timely{
		p:                p,
		rate:             p.LinkBandwidth,
		prevRTT:          p.MinRTT,
		PrevDesiredTxTsc: nowTsc,
	}
}

// Rate returns the current rate in bytes/sec.
func (t *Timely) Rate() float64 { return t.rate }

// UpdateRate folds one RTT sample (tsc units) into the rate.
func (t *Timely) UpdateRate(sampleRTT float64) {
	t.NumRateUpdates++

	rttDiff := sampleRTT - t.prevRTT
	t.prevRTT = sampleRTT

	var newRate float64
	switch {
	case sampleRTT < t.p.TLow:
		newRate = t.rate + t.p.AddRate
		t.haiRounds = 0
	case sampleRTT > t.p.THigh:
		newRate = t.rate * (1 - t.p.Beta*(1-t.p.THigh/sampleRTT))
		t.haiRounds = 0
	default:
		t.avgRttDiff = (1-t.p.EwmaAlpha)*t.avgRttDiff + t.p.EwmaAlpha*rttDiff
		normGrad := t.avgRttDiff / t.p.MinRTT
		if normGrad <= 0 {
			t.haiRounds++
			n := 1.0
			if t.haiRounds >= 5 {
				n = 5 // hyperactive increase after sustained decline
			}
			newRate = t.rate + n*t.p.AddRate
		} else {
			t.haiRounds = 0
			factor := 1 - t.p.Beta*normGrad
			if factor < 0.5 {
				factor = 0.5
			}
			newRate = t.rate * factor
		}
	}

	if newRate > t.p.LinkBandwidth {
		newRate = t.p.LinkBandwidth
	}
	if newRate < t.p.MinRate {
		newRate = t.p.MinRate
	}
	t.rate = newRate
}

// PacingDelay returns the inter-packet gap in tsc units for a packet
// of pktBytes at the current rate.
func (t *Timely) PacingDelay(pktBytes int) uint64 {
	return uint64(float64(pktBytes) / t.rate * 1e9)
}
