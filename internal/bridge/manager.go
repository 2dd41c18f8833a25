package bridge

import (
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/trackerbridge/internal/config"
	"github.com/banshee-data/trackerbridge/internal/device"
	"github.com/banshee-data/trackerbridge/internal/eventlog"
	"github.com/banshee-data/trackerbridge/internal/fusion"
	"github.com/banshee-data/trackerbridge/internal/monitoring"
	"github.com/banshee-data/trackerbridge/internal/network"
	"github.com/banshee-data/trackerbridge/internal/protocol"
	"github.com/banshee-data/trackerbridge/internal/status"
	"github.com/banshee-data/trackerbridge/internal/timeutil"
	"github.com/banshee-data/trackerbridge/internal/version"
)

// Config holds the manager's cadences, timeouts and per-device settings.
type Config struct {
	EmissionInterval   time.Duration
	AccelInterval      time.Duration
	BatteryInterval    time.Duration
	HandshakeTimeout   time.Duration
	SensorInfoFallback time.Duration
	HeartbeatInterval  time.Duration
	// ServerTimeout re-registers every tracker when the server has been
	// silent this long. Zero disables the check.
	ServerTimeout time.Duration
	DeviceTimeout time.Duration
	SendRetries   int
	RetryBackoff  time.Duration
	Filter        fusion.Config
	// MountRotation returns the mount angle in degrees for a serial. Nil
	// means no device is rotated.
	MountRotation func(serial string) float64
}

// ConfigFromBridge resolves a Config from the bridge configuration file.
func ConfigFromBridge(c *config.BridgeConfig) Config {
	return Config{
		EmissionInterval:   c.GetEmissionInterval(),
		AccelInterval:      c.GetAccelInterval(),
		BatteryInterval:    c.GetBatteryInterval(),
		HandshakeTimeout:   c.GetHandshakeTimeout(),
		SensorInfoFallback: c.GetSensorInfoFallback(),
		HeartbeatInterval:  c.GetHeartbeatInterval(),
		ServerTimeout:      c.GetServerTimeout(),
		DeviceTimeout:      c.GetDeviceTimeout(),
		SendRetries:        c.GetSendRetries(),
		RetryBackoff:       c.GetRetryBackoff(),
		Filter:             fusion.ConfigFromBridge(c),
		MountRotation:      c.GetMountRotation,
	}
}

// EventSink receives lifecycle events. Enqueue must not block.
type EventSink interface {
	Enqueue(eventlog.Event)
}

type entry struct {
	session *device.Session
	mac     protocol.MAC

	state      State
	since      time.Time
	trackerID  uint8
	hasTracker bool

	lastAccel     time.Time
	lastBattery   time.Time
	anomaliesSeen uint64
}

func (e *entry) serial() string { return e.session.Identity().Serial }

func (e *entry) trackerForEvent() int {
	if !e.hasTracker {
		return eventlog.NoTracker
	}
	return int(e.trackerID)
}

// Manager owns every device session and drives each one through
// registration with the server. It is not safe for concurrent use: Bind,
// HandleDatagram, Tick and Report are all called from the goroutine that
// owns the transport.
type Manager struct {
	cfg       Config
	transport network.Transport
	clock     timeutil.Clock
	counters  *monitoring.Counters
	events    EventSink

	entries map[int]*entry
	seq     uint64

	connected     bool
	lastInbound   time.Time
	lastHeartbeat time.Time
	// sendFailed is set when a send exhausted its retries during the
	// current tick; remaining sends in the tick are skipped.
	sendFailed bool

	// onRemove is called with every session the manager drops.
	onRemove func(*device.Session)
}

// NewManager creates a manager that writes to transport. counters may be
// nil.
func NewManager(cfg Config, transport network.Transport, clock timeutil.Clock, counters *monitoring.Counters) *Manager {
	if counters == nil {
		counters = &monitoring.Counters{}
	}
	if cfg.MountRotation == nil {
		cfg.MountRotation = func(string) float64 { return 0 }
	}
	return &Manager{
		cfg:         cfg,
		transport:   transport,
		clock:       clock,
		counters:    counters,
		entries:     make(map[int]*entry),
		lastInbound: clock.Now(),
	}
}

// SetEventSink routes lifecycle events to sink.
func (m *Manager) SetEventSink(sink EventSink) { m.events = sink }

// Counters returns the manager's counters.
func (m *Manager) Counters() *monitoring.Counters { return m.counters }

// Bind registers a device and returns its session. Binding a serial that is
// already live restarts its filter and keeps its registration. A different
// device on an occupied local index replaces the old one.
func (m *Manager) Bind(id device.Identity) *device.Session {
	now := m.clock.Now()
	for _, e := range m.entries {
		if e.serial() == id.Serial && !e.session.Disconnected() {
			monitoring.Logf("Device %s re-bound, restarting its filter", e.session.Identity())
			e.session.Reset()
			return e.session
		}
	}
	if old, ok := m.entries[id.LocalIndex]; ok {
		m.remove(old, now, "replaced by "+id.Serial)
	}

	session := device.NewSession(id, device.SessionConfig{
		Filter:           m.cfg.Filter,
		SnapshotInterval: m.cfg.EmissionInterval / 2,
		DeviceTimeout:    m.cfg.DeviceTimeout,
		MountRotationDeg: m.cfg.MountRotation(id.Serial),
	}, m.clock)
	e := &entry{
		session: session,
		mac:     DeviceMAC(id.Serial),
		state:   Unregistered,
		since:   now,
	}
	m.entries[id.LocalIndex] = e
	monitoring.Logf("Bound %s (mac %s)", id, e.mac)
	m.event(eventlog.KindBind, e, now, id.Kind.Name)
	return session
}

// HandleDatagram processes one inbound datagram. Malformed datagrams are
// counted and discarded.
func (m *Manager) HandleDatagram(b []byte) {
	m.counters.AddReceived()
	p, err := protocol.Decode(b)
	if err != nil {
		m.counters.Record(fmt.Errorf("%w: %v", monitoring.ErrMalformedPacket, err))
		monitoring.Logf("Discarding inbound datagram: %v", err)
		return
	}

	now := m.clock.Now()
	m.lastInbound = now
	m.connected = true

	switch p := p.(type) {
	case *protocol.Ping:
		m.sendRaw(b, now)
	case *protocol.HandshakeAck:
		m.onHandshakeAck(p, now)
	case *protocol.SensorInfoAck:
		m.onSensorInfoAck(p, now)
	}
}

func (m *Manager) onHandshakeAck(p *protocol.HandshakeAck, now time.Time) {
	e := m.ackTarget(p.MAC)
	if e == nil {
		monitoring.Logf("Ignoring handshake ack for %s: no device is waiting for one", p.MAC)
		return
	}
	for _, other := range m.entries {
		if other != e && other.hasTracker && other.trackerID == p.TrackerID {
			monitoring.Logf("Rejecting tracker id %d for %s: held by %s", p.TrackerID, e.serial(), other.serial())
			return
		}
	}

	e.trackerID, e.hasTracker = p.TrackerID, true
	info := &protocol.SensorInfo{
		Seq:        m.nextSeq(),
		TrackerID:  e.trackerID,
		SensorType: e.session.Identity().Kind.SensorType,
		Status:     protocol.SensorOK,
	}
	if m.send(info, now) {
		m.transition(e, SensorInfoSent, now, fmt.Sprintf("tracker id %d", p.TrackerID))
	}
}

// ackTarget picks the session a handshake ack belongs to: the one with the
// matching MAC, or the longest-waiting one when the server sent no MAC.
func (m *Manager) ackTarget(mac protocol.MAC) *entry {
	var best *entry
	for _, e := range m.sorted() {
		if e.state != HandshakeSent {
			continue
		}
		if !mac.IsZero() {
			if e.mac == mac {
				return e
			}
			continue
		}
		if best == nil || e.since.Before(best.since) {
			best = e
		}
	}
	return best
}

func (m *Manager) onSensorInfoAck(p *protocol.SensorInfoAck, now time.Time) {
	for _, e := range m.entries {
		if e.state != SensorInfoSent || !e.hasTracker || e.trackerID != p.TrackerID {
			continue
		}
		if p.Status != protocol.SensorOK {
			monitoring.Logf("Server reports sensor status %d for %s, waiting", p.Status, e.serial())
			return
		}
		m.transition(e, Streaming, now, "sensor info acknowledged")
		return
	}
}

// Tick drains inbound datagrams, checks device and server liveness, and
// advances every session by one emission step.
func (m *Manager) Tick(now time.Time) {
	m.sendFailed = false
	for {
		b, ok := m.transport.TryReceive()
		if !ok {
			break
		}
		m.HandleDatagram(b)
	}

	m.checkDevices(now)
	m.checkServer(now)

	if m.lastHeartbeat.IsZero() || now.Sub(m.lastHeartbeat) >= m.cfg.HeartbeatInterval {
		if !m.send(&protocol.Heartbeat{Seq: m.nextSeq()}, now) {
			return
		}
		m.lastHeartbeat = now
	}

	for _, e := range m.sorted() {
		if m.sendFailed {
			return
		}
		m.step(e, now)
	}
}

func (m *Manager) step(e *entry, now time.Time) {
	if n := e.session.Anomalies(); n > e.anomaliesSeen {
		m.counters.AddFilterAnomalies(n - e.anomaliesSeen)
		e.anomaliesSeen = n
	}

	switch e.state {
	case Unregistered:
		// Server silence only counts once something is waiting on a reply.
		if !m.registering() {
			m.lastInbound = now
		}
		id := e.session.Identity()
		hs := &protocol.Handshake{
			Seq:      m.nextSeq(),
			IMU:      int32(id.Kind.SensorType),
			Build:    version.ProtocolBuild,
			Firmware: version.Firmware(),
			MAC:      e.mac,
		}
		if m.send(hs, now) {
			m.transition(e, HandshakeSent, now, "")
		}

	case HandshakeSent:
		if now.Sub(e.since) > m.cfg.HandshakeTimeout {
			m.counters.Record(monitoring.ErrHandshakeTimeout)
			monitoring.Logf("Handshake for %s not acknowledged after %v, retrying", e.serial(), m.cfg.HandshakeTimeout)
			m.event(eventlog.KindHandshakeTimeout, e, now, "")
			m.transition(e, Unregistered, now, "handshake timeout")
		}

	case SensorInfoSent:
		if now.Sub(e.since) >= m.cfg.SensorInfoFallback {
			monitoring.Logf("Sensor info for %s not acknowledged after %v, streaming anyway", e.serial(), m.cfg.SensorInfoFallback)
			m.transition(e, Streaming, now, "sensor info fallback")
			m.stream(e, now)
		}

	case Streaming:
		m.stream(e, now)
	}
}

func (m *Manager) stream(e *entry, now time.Time) {
	snap, ok := e.session.Snapshot()
	if !ok {
		return
	}

	q := snap.Rotation
	rot := &protocol.Rotation{
		Seq:       m.nextSeq(),
		TrackerID: e.trackerID,
		DataType:  protocol.DataNormal,
		X:         float32(q.Imag),
		Y:         float32(q.Jmag),
		Z:         float32(q.Kmag),
		W:         float32(q.Real),
	}
	if !m.send(rot, now) {
		return
	}

	if e.lastAccel.IsZero() || now.Sub(e.lastAccel) >= m.cfg.AccelInterval {
		a := snap.LinearAccel
		acc := &protocol.Acceleration{
			Seq:       m.nextSeq(),
			TrackerID: e.trackerID,
			X:         float32(a.X),
			Y:         float32(a.Y),
			Z:         float32(a.Z),
		}
		if !m.send(acc, now) {
			return
		}
		e.lastAccel = now
	}

	if snap.Battery >= 0 && (e.lastBattery.IsZero() || now.Sub(e.lastBattery) >= m.cfg.BatteryInterval) {
		bat := &protocol.Battery{
			Seq:       m.nextSeq(),
			TrackerID: e.trackerID,
			Level:     float32(snap.Battery),
		}
		if !m.send(bat, now) {
			return
		}
		e.lastBattery = now
	}
}

func (m *Manager) checkDevices(now time.Time) {
	for _, e := range m.sorted() {
		timedOut := e.session.CheckLiveness(now)
		if !timedOut && !e.session.Disconnected() {
			continue
		}
		reason := "device disconnected"
		if timedOut {
			m.counters.Record(monitoring.ErrDeviceTimeout)
			reason = "device timeout"
		}
		m.remove(e, now, reason)
	}
}

func (m *Manager) checkServer(now time.Time) {
	if m.cfg.ServerTimeout <= 0 || now.Sub(m.lastInbound) <= m.cfg.ServerTimeout {
		return
	}
	if !m.registering() {
		return
	}
	monitoring.Logf("No datagram from the server for %v, re-registering all trackers", now.Sub(m.lastInbound))
	m.connected = false
	m.event(eventlog.KindServerTimeout, nil, now, "")
	m.resetAll(now, "server timeout")
}

// registering reports whether any session is past Unregistered.
func (m *Manager) registering() bool {
	for _, e := range m.entries {
		if e.state != Unregistered {
			return true
		}
	}
	return false
}

// remove drops e and releases its tracker id.
func (m *Manager) remove(e *entry, now time.Time, reason string) {
	e.session.MarkDisconnected()
	if e.hasTracker {
		monitoring.Logf("Device %s lost (%s), releasing tracker id %d", e.session.Identity(), reason, e.trackerID)
	} else {
		monitoring.Logf("Device %s lost (%s)", e.session.Identity(), reason)
	}
	m.event(eventlog.KindDisconnect, e, now, reason)
	m.transition(e, Disconnected, now, reason)
	delete(m.entries, e.session.Identity().LocalIndex)
	if m.onRemove != nil {
		m.onRemove(e.session)
	}
}

// resetAll sends every live session back to Unregistered.
func (m *Manager) resetAll(now time.Time, reason string) {
	for _, e := range m.sorted() {
		if e.state != Unregistered {
			m.transition(e, Unregistered, now, reason)
		}
		e.hasTracker = false
		e.lastAccel, e.lastBattery = time.Time{}, time.Time{}
	}
	m.lastInbound = now
}

func (m *Manager) transition(e *entry, to State, now time.Time, detail string) {
	from := e.state
	e.state, e.since = to, now
	msg := fmt.Sprintf("%s -> %s", from, to)
	if detail != "" {
		msg += " (" + detail + ")"
	}
	m.event(eventlog.KindStateChange, e, now, msg)
}

func (m *Manager) event(kind eventlog.Kind, e *entry, now time.Time, detail string) {
	if m.events == nil {
		return
	}
	ev := eventlog.Event{Time: now, Kind: kind, TrackerID: eventlog.NoTracker, Detail: detail}
	if e != nil {
		ev.Serial = e.serial()
		ev.TrackerID = e.trackerForEvent()
	}
	m.events.Enqueue(ev)
}

func (m *Manager) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// send encodes and writes p. It returns false only when the transport
// failed; unencodable packets are logged and skipped.
func (m *Manager) send(p protocol.Packet, now time.Time) bool {
	b, err := protocol.Encode(p)
	if err != nil {
		monitoring.Logf("Dropping %s packet: %v", p.PacketType(), err)
		return true
	}
	return m.sendRaw(b, now)
}

// sendRaw writes b, retrying with exponential backoff. When the retry
// budget is spent the transport is reconnected and every tracker starts
// over from Unregistered.
func (m *Manager) sendRaw(b []byte, now time.Time) bool {
	if m.sendFailed {
		return false
	}
	backoff := m.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= m.cfg.SendRetries; attempt++ {
		if attempt > 0 {
			m.counters.AddSendRetry()
			m.clock.Sleep(backoff)
			backoff *= 2
		}
		if err = m.transport.Send(b); err == nil {
			m.counters.AddSent()
			return true
		}
	}
	m.transportFailed(err, now)
	return false
}

func (m *Manager) transportFailed(err error, now time.Time) {
	m.sendFailed = true
	m.connected = false
	m.counters.Record(fmt.Errorf("%w: %v", monitoring.ErrTransportFailure, err))
	monitoring.Logf("Disconnected from server: send failed after %d retries: %v", m.cfg.SendRetries, err)
	m.event(eventlog.KindTransportFailure, nil, now, err.Error())

	if r, ok := m.transport.(network.Reconnector); ok {
		if rerr := r.Reconnect(); rerr != nil {
			monitoring.Logf("Transport reconnect failed: %v", rerr)
		}
	}
	m.resetAll(now, "transport failure")
}

// sorted returns the entries ordered by local index.
func (m *Manager) sorted() []*entry {
	keys := make([]int, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]*entry, len(keys))
	for i, k := range keys {
		out[i] = m.entries[k]
	}
	return out
}

// State returns the registration state of the device at localIndex.
func (m *Manager) State(localIndex int) (State, bool) {
	e, ok := m.entries[localIndex]
	if !ok {
		return Disconnected, false
	}
	return e.state, true
}

// TrackerID returns the tracker id assigned to the device at localIndex.
func (m *Manager) TrackerID(localIndex int) (uint8, bool) {
	e, ok := m.entries[localIndex]
	if !ok || !e.hasTracker {
		return 0, false
	}
	return e.trackerID, true
}

// Connected reports whether the server has been heard from since the last
// transport failure or server timeout.
func (m *Manager) Connected() bool { return m.connected }

// Len returns the number of bound devices.
func (m *Manager) Len() int { return len(m.entries) }

// Report builds a status report for every bound device.
func (m *Manager) Report() status.Report {
	r := status.Report{
		At:        m.clock.Now(),
		Connected: m.connected,
		Devices:   []status.DeviceStatus{},
		Counters:  m.counters.Snapshot(),
	}
	for _, e := range m.sorted() {
		id := e.session.Identity()
		ds := status.DeviceStatus{
			Serial:        id.Serial,
			Kind:          id.Kind.Name,
			LocalIndex:    id.LocalIndex,
			TrackerID:     e.trackerForEvent(),
			HasTracker:    e.hasTracker,
			State:         e.state.String(),
			MountRotation: e.session.MountRotationDeg(),
			Battery:       e.session.Battery(),
			Anomalies:     e.session.Anomalies(),
		}
		if snap, ok := e.session.Snapshot(); ok {
			roll, pitch, yaw := device.EulerDeg(snap.Rotation)
			ds.RotationDeg = [3]float64{roll, pitch, yaw}
		}
		r.Devices = append(r.Devices, ds)
	}
	return r
}
