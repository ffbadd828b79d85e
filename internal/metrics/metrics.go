// Package metrics exposes the counters GET /metrics (spec.md §4.7, §6)
// reports: ring-buffer data loss, connection lifecycle, and handshake
// failures. These are the numbers an operator needs to tell "the debugger
// is quietly dropping data" apart from "the debugger is working as
// intended but the peer just closed a lot of connections."
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RingEventsDropped counts ring records lost either to a kernel-side
	// ring overflow or to the local backlog channel being full (C1/C2).
	RingEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "debugger_ring_events_dropped_total",
		Help: "Ring buffer records dropped by kernel overflow or local backlog pressure.",
	})

	// ConnectionsOpened counts every connection the demultiplexer has
	// handed to the protocol engine (C3/C4).
	ConnectionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "debugger_connections_opened_total",
		Help: "Connections observed by the event demultiplexer.",
	})

	// ConnectionsClosed counts connections the kernel reported closed.
	ConnectionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "debugger_connections_closed_total",
		Help: "Connections cleanly closed.",
	})

	// ConnectionsFailed counts connections the protocol engine could not
	// reconstruct past some layer (pnet, multistream, Noise, mux).
	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "debugger_connections_failed_total",
		Help: "Connections the protocol state machine could not reconstruct.",
	})

	// HandshakeFailures counts failures specifically while in the Noise
	// XX handshake layer, a subset of ConnectionsFailed useful for telling
	// "we never had key material for this pid" apart from a later mux
	// decode error.
	HandshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "debugger_handshake_failures_total",
		Help: "Connections that failed specifically during Noise handshake reconstruction.",
	})
)

func init() {
	prometheus.MustRegister(RingEventsDropped, ConnectionsOpened, ConnectionsClosed, ConnectionsFailed, HandshakeFailures)
}

// Handler serves the registered collectors in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
