// File: rpc/config.go
// Package rpc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Protocol constants.
const (
	// SessionReqWindow is the number of concurrent request slots per
	// session. Request numbers within a slot advance by this much per
	// request so wrap is detectable.
	SessionReqWindow = 8

	// SessionCredits is the per-session credit pool. A credit is
	// consumed per transmitted packet and returned per received data
	// packet.
	SessionCredits = 8
)

// Config carries the tunables of one endpoint. Zero values are filled
// by defaults; construct through the Option helpers.
type Config struct {
	// Rto is the retransmission timeout.
	Rto time.Duration

	// RtoScanIters is the event-loop period, in iterations, of the
	// packet-loss scan.
	RtoScanIters uint64

	// MaxRetries bounds consecutive no-progress retransmissions of one
	// slot before the session is reset.
	MaxRetries int

	// SmTimeout is the retransmission cadence of SM datagrams.
	SmTimeout time.Duration

	// CcPacing enables rate-paced TX through the timing wheel. When
	// false the wheel is bypassed entirely.
	CcPacing bool

	// Wheel geometry.
	WheelBucketWidthBits uint
	WheelNumBuckets      int
	WheelOverflowCap     int

	// LinkBandwidth seeds the Timely rate, bytes/sec.
	LinkBandwidth float64

	// CrOwed is how long the server lets a credit sit owed with no
	// response ready before sending an explicit credit return.
	CrOwed time.Duration

	// NumBgWorkers sizes the background handler pool.
	NumBgWorkers int

	// PinEventLoop binds the dispatch thread to the allocator's NUMA
	// node on the first RunEventLoop call.
	PinEventLoop bool

	// MaxSessions bounds the session vector.
	MaxSessions int

	// Metrics registration target; nil leaves collectors unregistered.
	Metrics prometheus.Registerer
}

func defaultConfig() Config {
	return Config{
		Rto:                  5 * time.Millisecond,
		RtoScanIters:         512,
		MaxRetries:           8,
		SmTimeout:            time.Second,
		CcPacing:             true,
		WheelBucketWidthBits: 10, // ~1 us buckets
		WheelNumBuckets:      1 << 14,
		WheelOverflowCap:     4096,
		LinkBandwidth:        1.25e9, // 10 Gbit/s
		CrOwed:               100 * time.Microsecond,
		NumBgWorkers:         1,
		MaxSessions:          1024,
	}
}

// Option mutates the endpoint Config.
type Option func(*Config)

// WithRto sets the retransmission timeout.
func WithRto(d time.Duration) Option { return func(c *Config) { c.Rto = d } }

// WithRtoScanIters sets the loss-scan cadence in loop iterations.
func WithRtoScanIters(n uint64) Option { return func(c *Config) { c.RtoScanIters = n } }

// WithMaxRetries bounds no-progress retransmissions per slot.
func WithMaxRetries(n int) Option { return func(c *Config) { c.MaxRetries = n } }

// WithSmTimeout sets the SM retransmission cadence.
func WithSmTimeout(d time.Duration) Option { return func(c *Config) { c.SmTimeout = d } }

// WithCcPacing toggles wheel-paced transmission.
func WithCcPacing(on bool) Option { return func(c *Config) { c.CcPacing = on } }

// WithWheel sets the wheel geometry.
func WithWheel(widthBits uint, numBuckets, overflowCap int) Option {
	return func(c *Config) {
		c.WheelBucketWidthBits = widthBits
		c.WheelNumBuckets = numBuckets
		c.WheelOverflowCap = overflowCap
	}
}

// WithLinkBandwidth sets the pacing ceiling in bytes/sec.
func WithLinkBandwidth(bps float64) Option { return func(c *Config) { c.LinkBandwidth = bps } }

// WithCrOwed sets the owed-credit threshold for explicit credit
// returns.
func WithCrOwed(d time.Duration) Option { return func(c *Config) { c.CrOwed = d } }

// WithPinEventLoop binds the dispatch thread to the endpoint's NUMA
// node.
func WithPinEventLoop(on bool) Option { return func(c *Config) { c.PinEventLoop = on } }

// WithBgWorkers sizes the background handler pool.
func WithBgWorkers(n int) Option { return func(c *Config) { c.NumBgWorkers = n } }

// WithMaxSessions bounds the session vector.
func WithMaxSessions(n int) Option { return func(c *Config) { c.MaxSessions = n } }

// WithMetrics registers the endpoint counters with reg.
func WithMetrics(reg prometheus.Registerer) Option { return func(c *Config) { c.Metrics = reg } }
