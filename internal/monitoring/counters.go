package monitoring

import (
	"errors"
	"sync/atomic"
)

// Error taxonomy. None of these abort the pipeline; they are absorbed at the
// lowest layer that can handle them and recorded in Counters.
var (
	// ErrMalformedPacket marks an inbound datagram that failed to decode.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrDeviceTimeout marks a device that stopped producing samples.
	ErrDeviceTimeout = errors.New("device timeout")
	// ErrTransportFailure marks a send that exhausted its retry budget.
	ErrTransportFailure = errors.New("transport failure")
	// ErrFilterNumericAnomaly marks a non-finite sample or filter state.
	ErrFilterNumericAnomaly = errors.New("filter numeric anomaly")
	// ErrHandshakeTimeout marks a handshake the server never acknowledged.
	ErrHandshakeTimeout = errors.New("handshake timeout")
)

// Counters accumulates absorbed errors and traffic totals. All methods are
// safe for concurrent use.
type Counters struct {
	malformedPackets  atomic.Uint64
	deviceTimeouts    atomic.Uint64
	transportFailures atomic.Uint64
	filterAnomalies   atomic.Uint64
	handshakeTimeouts atomic.Uint64
	sendRetries       atomic.Uint64
	packetsSent       atomic.Uint64
	packetsReceived   atomic.Uint64
	droppedDatagrams  atomic.Uint64
}

// CounterSnapshot is a point-in-time copy of Counters suitable for JSON.
type CounterSnapshot struct {
	MalformedPackets  uint64 `json:"malformed_packets"`
	DeviceTimeouts    uint64 `json:"device_timeouts"`
	TransportFailures uint64 `json:"transport_failures"`
	FilterAnomalies   uint64 `json:"filter_anomalies"`
	HandshakeTimeouts uint64 `json:"handshake_timeouts"`
	SendRetries       uint64 `json:"send_retries"`
	PacketsSent       uint64 `json:"packets_sent"`
	PacketsReceived   uint64 `json:"packets_received"`
	DroppedDatagrams  uint64 `json:"dropped_datagrams"`
}

// Record increments the counter matching err's taxonomy class. Errors that
// belong to no class are ignored.
func (c *Counters) Record(err error) {
	switch {
	case errors.Is(err, ErrMalformedPacket):
		c.malformedPackets.Add(1)
	case errors.Is(err, ErrDeviceTimeout):
		c.deviceTimeouts.Add(1)
	case errors.Is(err, ErrTransportFailure):
		c.transportFailures.Add(1)
	case errors.Is(err, ErrFilterNumericAnomaly):
		c.filterAnomalies.Add(1)
	case errors.Is(err, ErrHandshakeTimeout):
		c.handshakeTimeouts.Add(1)
	}
}

// AddFilterAnomalies adds n filter anomalies reported by a device session.
func (c *Counters) AddFilterAnomalies(n uint64) { c.filterAnomalies.Add(n) }

// AddSendRetry counts one retried transport write.
func (c *Counters) AddSendRetry() { c.sendRetries.Add(1) }

// AddSent counts one datagram handed to the transport.
func (c *Counters) AddSent() { c.packetsSent.Add(1) }

// AddReceived counts one datagram read from the transport.
func (c *Counters) AddReceived() { c.packetsReceived.Add(1) }

// AddDropped counts one datagram dropped because a queue was full. It
// satisfies the network package's drop-stats interface.
func (c *Counters) AddDropped() { c.droppedDatagrams.Add(1) }

// Snapshot returns the current values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		MalformedPackets:  c.malformedPackets.Load(),
		DeviceTimeouts:    c.deviceTimeouts.Load(),
		TransportFailures: c.transportFailures.Load(),
		FilterAnomalies:   c.filterAnomalies.Load(),
		HandshakeTimeouts: c.handshakeTimeouts.Load(),
		SendRetries:       c.sendRetries.Load(),
		PacketsSent:       c.packetsSent.Load(),
		PacketsReceived:   c.packetsReceived.Load(),
		DroppedDatagrams:  c.droppedDatagrams.Load(),
	}
}
