package network

import (
	"net"
	"sync"
	"time"
)

// UDPSocket defines the socket operations the transport needs.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP packet from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// WriteToUDP writes a UDP packet to addr.
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	// ListenUDP creates and returns a new UDP socket.
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
// *net.UDPConn already satisfies UDPSocket.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket implements UDPSocket for testing. Inbound datagrams are
// queued with Inject; writes are recorded. It is safe for concurrent use by a
// reader and a writer goroutine.
type MockUDPSocket struct {
	mu           sync.Mutex
	inbound      chan MockUDPPacket
	closed       chan struct{}
	closeOnce    sync.Once
	written      [][]byte
	writeErrors  []error
	readDeadline time.Time

	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
}

// MockUDPPacket represents a packet for mock testing.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPSocket creates a mock socket bound to 127.0.0.1:port.
func NewMockUDPSocket(port int) *MockUDPSocket {
	return &MockUDPSocket{
		inbound: make(chan MockUDPPacket, 256),
		closed:  make(chan struct{}),
		LocalAddress: &net.UDPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: port,
		},
	}
}

// Inject queues a datagram for ReadFromUDP.
func (m *MockUDPSocket) Inject(data []byte, from *net.UDPAddr) {
	m.inbound <- MockUDPPacket{Data: append([]byte(nil), data...), Addr: from}
}

// FailWrites makes the next len(errs) writes return those errors in order.
func (m *MockUDPSocket) FailWrites(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErrors = append(m.writeErrors, errs...)
}

// Written returns copies of all successfully written datagrams.
func (m *MockUDPSocket) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

// ReadFromUDP waits for an injected packet until the read deadline.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	wait := time.Until(m.readDeadline)
	m.mu.Unlock()
	if wait <= 0 {
		wait = time.Millisecond
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-m.closed:
		return 0, nil, net.ErrClosed
	case pkt := <-m.inbound:
		return copy(b, pkt.Data), pkt.Addr, nil
	case <-timer.C:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
}

// WriteToUDP records the datagram or returns the next queued failure.
func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writeErrors) > 0 {
		err := m.writeErrors[0]
		m.writeErrors = m.writeErrors[1:]
		return 0, err
	}
	m.written = append(m.written, append([]byte(nil), b...))
	return len(b), nil
}

// SetReadDeadline records the deadline.
func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDeadline = t
	return nil
}

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockUDPSocket) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	mu sync.Mutex
	// PortErrors makes ListenUDP fail for the given local ports.
	PortErrors map[int]error
	// ListenCalls records all ListenUDP calls.
	ListenCalls []MockListenCall
	// Sockets holds every socket handed out, in order.
	Sockets []*MockUDPSocket
}

// MockListenCall records a call to ListenUDP.
type MockListenCall struct {
	Network string
	Addr    *net.UDPAddr
}

// ListenUDP returns a fresh mock socket. Port 0 is bound to 50000.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListenCalls = append(f.ListenCalls, MockListenCall{Network: network, Addr: laddr})

	port := 0
	if laddr != nil {
		port = laddr.Port
	}
	if err := f.PortErrors[port]; err != nil {
		return nil, err
	}
	if port == 0 {
		port = 50000
	}
	s := NewMockUDPSocket(port)
	f.Sockets = append(f.Sockets, s)
	return s, nil
}

// Last returns the most recently created socket, or nil.
func (f *MockUDPSocketFactory) Last() *MockUDPSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sockets) == 0 {
		return nil
	}
	return f.Sockets[len(f.Sockets)-1]
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
