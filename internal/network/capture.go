package network

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/trackerbridge/internal/monitoring"
	"github.com/banshee-data/trackerbridge/internal/timeutil"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const captureSnaplen = 65536

var (
	captureLocalMAC  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	captureServerMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
)

// CaptureTransport decorates a Transport and records every datagram it
// sends or receives as an Ethernet/IPv4/UDP frame in a pcap stream.
type CaptureTransport struct {
	inner  Transport
	clock  timeutil.Clock
	local  *net.UDPAddr
	server *net.UDPAddr

	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	frames int
}

// NewCaptureTransport writes a pcap header to w and returns a transport that
// mirrors inner's traffic into it. If w is also an io.Closer it is closed
// with the transport.
func NewCaptureTransport(inner Transport, w io.Writer, local, server *net.UDPAddr, clock timeutil.Clock) (*CaptureTransport, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnaplen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	c := &CaptureTransport{
		inner:  inner,
		clock:  clock,
		local:  local,
		server: server,
		w:      pw,
	}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c, nil
}

// Send forwards to the inner transport and records the datagram once it
// has been written.
func (c *CaptureTransport) Send(b []byte) error {
	if err := c.inner.Send(b); err != nil {
		return err
	}
	c.record(c.local, c.server, captureLocalMAC, captureServerMAC, b)
	return nil
}

// TryReceive forwards to the inner transport and records what it returns.
func (c *CaptureTransport) TryReceive() ([]byte, bool) {
	b, ok := c.inner.TryReceive()
	if ok {
		c.record(c.server, c.local, captureServerMAC, captureLocalMAC, b)
	}
	return b, ok
}

// Reconnect forwards to the inner transport when it supports reconnecting.
func (c *CaptureTransport) Reconnect() error {
	if r, ok := c.inner.(Reconnector); ok {
		return r.Reconnect()
	}
	return nil
}

// Close closes the inner transport and the capture sink.
func (c *CaptureTransport) Close() error {
	err := c.inner.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
		c.closer = nil
	}
	return err
}

// Frames returns the number of frames written.
func (c *CaptureTransport) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *CaptureTransport) record(src, dst *net.UDPAddr, srcMAC, dstMAC net.HardwareAddr, payload []byte) {
	frame, err := encodeFrame(src, dst, srcMAC, dstMAC, payload)
	if err != nil {
		monitoring.Logf("capture: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     c.clock.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := c.w.WritePacket(ci, frame); err != nil {
		monitoring.Logf("capture: failed to write frame: %v", err)
		return
	}
	c.frames++
}

func encodeFrame(src, dst *net.UDPAddr, srcMAC, dstMAC net.HardwareAddr, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    ipv4(src.IP),
		DstIP:    ipv4(dst.IP),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("udp checksum setup: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

func ipv4(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return net.IPv4(127, 0, 0, 1).To4()
}

// CapturedDatagram is one UDP payload read back from a capture.
type CapturedDatagram struct {
	Time    time.Time
	Src     *net.UDPAddr
	Dst     *net.UDPAddr
	Payload []byte
}

// ReadCapture walks a pcap stream and calls fn for every UDP datagram in it.
// Frames that are not UDP over IPv4 are skipped.
func ReadCapture(r io.Reader, fn func(CapturedDatagram) error) error {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open pcap stream: %w", err)
	}
	for {
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read pcap frame: %w", err)
		}

		pkt := gopacket.NewPacket(data, pr.LinkType(), gopacket.Default)
		ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			continue
		}
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		d := CapturedDatagram{
			Time:    ci.Timestamp,
			Src:     &net.UDPAddr{IP: ipLayer.SrcIP, Port: int(udp.SrcPort)},
			Dst:     &net.UDPAddr{IP: ipLayer.DstIP, Port: int(udp.DstPort)},
			Payload: append([]byte(nil), udp.Payload...),
		}
		if err := fn(d); err != nil {
			return err
		}
	}
}
