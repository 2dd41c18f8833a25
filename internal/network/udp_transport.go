// Package network carries bridge datagrams to and from the tracking server.
package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/trackerbridge/internal/monitoring"
)

// PacketStats receives drop notifications from the receive path.
type PacketStats interface {
	AddDropped()
}

// Transport is the datagram channel to the server. Send and TryReceive are
// called only by the goroutine that owns the transport.
type Transport interface {
	Send(b []byte) error
	TryReceive() ([]byte, bool)
	Close() error
}

// Reconnector is implemented by transports that can rebuild their socket
// after repeated send failures.
type Reconnector interface {
	Reconnect() error
}

const (
	defaultQueueSize   = 256
	defaultReadTimeout = 100 * time.Millisecond
	maxDatagram        = 2048
)

// UDPConfig configures a UDPTransport.
type UDPConfig struct {
	ServerAddress string
	// LocalPort is tried first; on failure an ephemeral port is used.
	LocalPort   int
	QueueSize   int
	ReadTimeout time.Duration
	LogInterval time.Duration
	Factory     UDPSocketFactory
	Stats       PacketStats
}

// UDPTransport sends datagrams to one server address and queues everything
// received on its socket for TryReceive.
type UDPTransport struct {
	cfg    UDPConfig
	server *net.UDPAddr

	mu     sync.Mutex // guards sock and recv against Reconnect/Close
	sock   UDPSocket
	recv   *receiver
	closed bool

	inbound chan []byte
}

type receiver struct {
	stop chan struct{}
	done chan struct{}
}

// NewUDPTransport binds the local socket and starts the receive goroutine.
func NewUDPTransport(cfg UDPConfig) (*UDPTransport, error) {
	if cfg.Factory == nil {
		cfg.Factory = RealUDPSocketFactory{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}

	server, err := net.ResolveUDPAddr("udp", cfg.ServerAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server address %q: %w", cfg.ServerAddress, err)
	}

	t := &UDPTransport{
		cfg:     cfg,
		server:  server,
		inbound: make(chan []byte, cfg.QueueSize),
	}
	if err := t.bind(); err != nil {
		return nil, err
	}
	return t, nil
}

type noopStats struct{}

func (noopStats) AddDropped() {}

// bind opens the socket, preferring the configured local port, and starts
// a receiver on it. Callers hold mu or own t exclusively.
func (t *UDPTransport) bind() error {
	sock, err := t.cfg.Factory.ListenUDP("udp", &net.UDPAddr{Port: t.cfg.LocalPort})
	if err != nil && t.cfg.LocalPort != 0 {
		monitoring.Logf("UDP port %d unavailable (%v), falling back to an ephemeral port", t.cfg.LocalPort, err)
		sock, err = t.cfg.Factory.ListenUDP("udp", &net.UDPAddr{Port: 0})
	}
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	r := &receiver{stop: make(chan struct{}), done: make(chan struct{})}
	t.sock, t.recv = sock, r
	go t.receiveLoop(sock, r)

	monitoring.Logf("UDP transport bound to %s, server %s", sock.LocalAddr(), t.server)
	return nil
}

func (t *UDPTransport) receiveLoop(sock UDPSocket, r *receiver) {
	defer close(r.done)

	buf := make([]byte, maxDatagram)
	dropped := 0
	lastLog := time.Now()
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		// Deadline lets the loop notice stop without a packet arriving.
		_ = sock.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		n, _, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			monitoring.Logf("UDP read error: %v", err)
			continue
		}

		datagram := append([]byte(nil), buf[:n]...)
		select {
		case t.inbound <- datagram:
		default:
			dropped++
			t.cfg.Stats.AddDropped()
		}
		if dropped > 0 && time.Since(lastLog) >= t.cfg.LogInterval {
			monitoring.Logf("Dropped %d inbound datagrams, receive queue full", dropped)
			dropped = 0
			lastLog = time.Now()
		}
	}
}

// Send writes one datagram to the server.
func (t *UDPTransport) Send(b []byte) error {
	t.mu.Lock()
	sock, closed := t.sock, t.closed
	t.mu.Unlock()
	if closed {
		return net.ErrClosed
	}
	if sock == nil {
		return errors.New("send: transport not bound")
	}
	if _, err := sock.WriteToUDP(b, t.server); err != nil {
		return fmt.Errorf("send to %s: %w", t.server, err)
	}
	return nil
}

// TryReceive returns the next queued datagram without blocking.
func (t *UDPTransport) TryReceive() ([]byte, bool) {
	select {
	case b := <-t.inbound:
		return b, true
	default:
		return nil, false
	}
}

// Reconnect closes the socket and binds a new one.
func (t *UDPTransport) Reconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	t.shutdown()
	monitoring.Logf("Reconnecting UDP transport to %s", t.server)
	return t.bind()
}

// Close stops the receiver and closes the socket.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.shutdown()
}

func (t *UDPTransport) shutdown() error {
	if t.sock == nil {
		return nil
	}
	close(t.recv.stop)
	err := t.sock.Close()
	<-t.recv.done
	t.sock, t.recv = nil, nil
	return err
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sock == nil {
		return nil
	}
	return t.sock.LocalAddr()
}

// ServerAddr returns the resolved server address.
func (t *UDPTransport) ServerAddr() *net.UDPAddr { return t.server }
