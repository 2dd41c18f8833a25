package network

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/trackerbridge/internal/monitoring"
	"github.com/banshee-data/trackerbridge/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type countingStats struct {
	mu      sync.Mutex
	dropped int
}

func (c *countingStats) AddDropped() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

func (c *countingStats) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func receiveWithin(t *testing.T, tr Transport, d time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if b, ok := tr.TryReceive(); ok {
			return b
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no datagram within %v", d)
	return nil
}

func TestUDPTransport_FallsBackToEphemeralPort(t *testing.T) {
	factory := &MockUDPSocketFactory{
		PortErrors: map[int]error{47589: errors.New("address already in use")},
	}
	tr, err := NewUDPTransport(UDPConfig{
		ServerAddress: "127.0.0.1:6969",
		LocalPort:     47589,
		Factory:       factory,
		ReadTimeout:   5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer tr.Close()

	require.Len(t, factory.ListenCalls, 2)
	assert.Equal(t, 47589, factory.ListenCalls[0].Addr.Port)
	assert.Equal(t, 0, factory.ListenCalls[1].Addr.Port)
	assert.Equal(t, "127.0.0.1:50000", tr.LocalAddr().String())
}

func TestUDPTransport_BindFailure(t *testing.T) {
	factory := &MockUDPSocketFactory{
		PortErrors: map[int]error{0: errors.New("no sockets left")},
	}
	_, err := NewUDPTransport(UDPConfig{ServerAddress: "127.0.0.1:6969", Factory: factory})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")
}

func TestUDPTransport_BadServerAddress(t *testing.T) {
	_, err := NewUDPTransport(UDPConfig{ServerAddress: "not an address", Factory: &MockUDPSocketFactory{}})
	assert.Error(t, err)
}

func TestUDPTransport_SendAndReceive(t *testing.T) {
	factory := &MockUDPSocketFactory{}
	tr, err := NewUDPTransport(UDPConfig{
		ServerAddress: "127.0.0.1:6969",
		LocalPort:     47589,
		Factory:       factory,
		ReadTimeout:   5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send([]byte{1, 2, 3}))
	sock := factory.Last()
	assert.Equal(t, [][]byte{{1, 2, 3}}, sock.Written())

	_, ok := tr.TryReceive()
	assert.False(t, ok, "nothing queued yet")

	sock.Inject([]byte{9, 9}, tr.ServerAddr())
	assert.Equal(t, []byte{9, 9}, receiveWithin(t, tr, time.Second))
}

func TestUDPTransport_SendErrorIsWrapped(t *testing.T) {
	factory := &MockUDPSocketFactory{}
	tr, err := NewUDPTransport(UDPConfig{ServerAddress: "127.0.0.1:6969", Factory: factory, ReadTimeout: 5 * time.Millisecond})
	require.NoError(t, err)
	defer tr.Close()

	boom := errors.New("network unreachable")
	factory.Last().FailWrites(boom)
	err = tr.Send([]byte{1})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, tr.Send([]byte{2}))
}

func TestUDPTransport_DropsWhenQueueFull(t *testing.T) {
	factory := &MockUDPSocketFactory{}
	stats := &countingStats{}
	tr, err := NewUDPTransport(UDPConfig{
		ServerAddress: "127.0.0.1:6969",
		Factory:       factory,
		QueueSize:     2,
		ReadTimeout:   5 * time.Millisecond,
		Stats:         stats,
	})
	require.NoError(t, err)
	defer tr.Close()

	sock := factory.Last()
	for i := 0; i < 5; i++ {
		sock.Inject([]byte{byte(i)}, nil)
	}
	require.Eventually(t, func() bool { return stats.count() == 3 }, time.Second, time.Millisecond)

	assert.Equal(t, []byte{0}, receiveWithin(t, tr, time.Second))
	assert.Equal(t, []byte{1}, receiveWithin(t, tr, time.Second))
}

func TestUDPTransport_ReconnectAndClose(t *testing.T) {
	factory := &MockUDPSocketFactory{}
	tr, err := NewUDPTransport(UDPConfig{ServerAddress: "127.0.0.1:6969", LocalPort: 47589, Factory: factory, ReadTimeout: 5 * time.Millisecond})
	require.NoError(t, err)

	first := factory.Last()
	require.NoError(t, tr.Reconnect())
	assert.True(t, first.IsClosed())
	second := factory.Last()
	assert.NotSame(t, first, second)

	require.NoError(t, tr.Send([]byte{7}))
	assert.Len(t, second.Written(), 1)

	require.NoError(t, tr.Close())
	assert.True(t, second.IsClosed())
	assert.ErrorIs(t, tr.Send([]byte{8}), net.ErrClosed)
	assert.ErrorIs(t, tr.Reconnect(), net.ErrClosed)
	assert.NoError(t, tr.Close(), "second close is a no-op")
}

func TestUDPTransport_Loopback(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()

	tr, err := NewUDPTransport(UDPConfig{
		ServerAddress: server.LocalAddr().String(),
		LocalPort:     0,
		ReadTimeout:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send([]byte("ping")))

	buf := make([]byte, 64)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := server.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = server.WriteToUDP([]byte("pong"), from)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(receiveWithin(t, tr, 2*time.Second)))
}

// fakeTransport is an in-memory Transport.
type fakeTransport struct {
	sent    [][]byte
	inbound [][]byte
	closed  bool
	sendErr error
	reconns int
}

func (f *fakeTransport) Send(b []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, b)
	return nil
}

func (f *fakeTransport) TryReceive() ([]byte, bool) {
	if len(f.inbound) == 0 {
		return nil, false
	}
	b := f.inbound[0]
	f.inbound = f.inbound[1:]
	return b, true
}

func (f *fakeTransport) Close() error { f.closed = true; return nil }

func (f *fakeTransport) Reconnect() error { f.reconns++; return nil }

func TestCaptureTransport_RecordsBothDirections(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	inner := &fakeTransport{inbound: [][]byte{{0xaa, 0xbb}}}
	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 47589}
	server := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6969}

	var buf bytes.Buffer
	c, err := NewCaptureTransport(inner, &buf, local, server, clock)
	require.NoError(t, err)

	require.NoError(t, c.Send([]byte{1, 2, 3}))
	clock.Advance(5 * time.Millisecond)
	b, ok := c.TryReceive()
	require.True(t, ok)
	assert.Equal(t, []byte{0xaa, 0xbb}, b)
	_, ok = c.TryReceive()
	assert.False(t, ok)

	// Failed sends are not recorded.
	inner.sendErr = errors.New("down")
	assert.Error(t, c.Send([]byte{4}))
	assert.Equal(t, 2, c.Frames())

	require.NoError(t, c.Reconnect())
	assert.Equal(t, 1, inner.reconns)
	require.NoError(t, c.Close())
	assert.True(t, inner.closed)

	var got []CapturedDatagram
	require.NoError(t, ReadCapture(&buf, func(d CapturedDatagram) error {
		got = append(got, d)
		return nil
	}))
	require.Len(t, got, 2)

	assert.Equal(t, []byte{1, 2, 3}, got[0].Payload)
	assert.Equal(t, 47589, got[0].Src.Port)
	assert.Equal(t, 6969, got[0].Dst.Port)
	assert.True(t, got[0].Time.Equal(clock.Now().Add(-5*time.Millisecond)))

	assert.Equal(t, []byte{0xaa, 0xbb}, got[1].Payload)
	assert.Equal(t, 6969, got[1].Src.Port)
	assert.Equal(t, 47589, got[1].Dst.Port)
	assert.Equal(t, "127.0.0.1", got[1].Src.IP.String())
}

func TestReadCapture_RejectsGarbage(t *testing.T) {
	err := ReadCapture(bytes.NewReader([]byte("not a pcap file at all")), func(CapturedDatagram) error { return nil })
	assert.Error(t, err)
}
