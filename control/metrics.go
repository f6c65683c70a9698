// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics for the RPC engine, exposed through a prometheus
// registry. One Metrics block per endpoint; counters are updated only
// from the dispatch goroutine and cost one atomic add each.

package control

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the per-endpoint counter block.
type Metrics struct {
	PktsTx            prometheus.Counter
	PktsRx            prometheus.Counter
	Retransmissions   prometheus.Counter
	RtoFalsePositives prometheus.Counter
	SmRetransmits     prometheus.Counter
	ReorderDrops      prometheus.Counter
	ProtocolDrops     prometheus.Counter
	SessionResets     prometheus.Counter

	SessionsConnected prometheus.Gauge
	StallQueueDepth   prometheus.Gauge
}

// NewMetrics registers the endpoint counters with reg. A nil registerer
// yields unregistered (but usable) collectors, which tests rely on.
func NewMetrics(reg prometheus.Registerer, rpcID uint8) *Metrics {
	labels := prometheus.Labels{"rpc_id": fmt.Sprintf("%d", rpcID)}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hioload_rpc",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		if reg != nil {
			reg.MustRegister(c)
		}
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hioload_rpc",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		if reg != nil {
			reg.MustRegister(g)
		}
		return g
	}

	return &Metrics{
		PktsTx:            counter("pkts_tx_total", "Datapath packets transmitted."),
		PktsRx:            counter("pkts_rx_total", "Datapath packets received."),
		Retransmissions:   counter("retransmissions_total", "RTO-driven packet retransmissions."),
		RtoFalsePositives: counter("rto_false_positives_total", "RTO expirations with no packets in flight."),
		SmRetransmits:     counter("sm_retransmits_total", "Session-management datagram retransmissions."),
		ReorderDrops:      counter("reorder_drops_total", "Packets dropped for out-of-window arrival."),
		ProtocolDrops:     counter("protocol_drops_total", "Packets dropped as malformed."),
		SessionResets:     counter("session_resets_total", "Sessions torn down by reset."),
		SessionsConnected: gauge("sessions_connected", "Sessions currently in the Connected state."),
		StallQueueDepth:   gauge("stall_queue_depth", "Session slots waiting for credits."),
	}
}
