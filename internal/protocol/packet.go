// Package protocol implements the binary datagram codec spoken between the
// bridge and the tracking server.
//
// Every datagram starts with a 12-byte header, a big-endian u32 packet type
// followed by a u64 sequence number, then a fixed-order payload. Strings are
// prefixed with a single length byte. Floats are IEEE-754 binary32 and are
// carried bit-exact, so encoding is canonical.
package protocol

import "fmt"

// HeaderLen is the size of the type and sequence prefix.
const HeaderLen = 12

// MaxStringLen is the longest string a u8 length prefix can describe.
const MaxStringLen = 255

// Type is the packet-type discriminant.
type Type uint32

const (
	TypeHeartbeat    Type = 0
	TypeHandshake    Type = 3 // Handshake outbound, HandshakeAck inbound
	TypeAcceleration Type = 4
	TypePing         Type = 10
	TypeBattery      Type = 12
	TypeSensorInfo   Type = 15 // SensorInfo outbound, SensorInfoAck inbound
	TypeRotation     Type = 17
)

func (t Type) String() string {
	switch t {
	case TypeHeartbeat:
		return "heartbeat"
	case TypeHandshake:
		return "handshake"
	case TypeAcceleration:
		return "acceleration"
	case TypePing:
		return "ping"
	case TypeBattery:
		return "battery"
	case TypeSensorInfo:
		return "sensor_info"
	case TypeRotation:
		return "rotation"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// SensorType identifies the IMU family behind a tracker.
type SensorType uint8

const (
	SensorUnknown SensorType = iota
	SensorMPU9250
	SensorMPU6500
	SensorBNO080
	SensorBNO085
	SensorBNO055
	SensorMPU6050
	SensorBNO086
	SensorBMI160
	SensorICM20948
	SensorICM42688

	maxSensorType = SensorICM42688
)

// Valid reports whether s is a known sensor type.
func (s SensorType) Valid() bool { return s <= maxSensorType }

// SensorStatus is the health reported for a tracker's sensor.
type SensorStatus uint8

const (
	SensorOffline SensorStatus = 0
	SensorOK      SensorStatus = 1
	SensorError   SensorStatus = 2
)

// Valid reports whether s is a known sensor status.
func (s SensorStatus) Valid() bool { return s <= SensorError }

// DataType distinguishes a regular rotation from a correction.
type DataType uint8

const (
	DataNormal     DataType = 1
	DataCorrection DataType = 2
)

// Valid reports whether d is a known rotation data type.
func (d DataType) Valid() bool { return d == DataNormal || d == DataCorrection }

// MAC is the six-byte hardware address carried in handshakes.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsZero reports whether every byte of m is zero.
func (m MAC) IsZero() bool { return m == MAC{} }

// Packet is one decoded or to-be-encoded datagram.
type Packet interface {
	PacketType() Type
	Sequence() uint64
}

// Heartbeat is the keep-alive packet. It has no payload.
type Heartbeat struct {
	Seq uint64
}

// Handshake announces the client and one device's hardware address.
type Handshake struct {
	Seq      uint64
	Board    int32
	IMU      int32
	MCU      int32
	IMUInfo  [3]int32
	Build    int32
	Firmware string
	MAC      MAC
}

// HandshakeAck is the server's reply to a Handshake. TrackerID is the base
// tracker id the server assigned to the device with the matching MAC.
type HandshakeAck struct {
	Seq       uint64
	MAC       MAC
	TrackerID uint8
	Server    string
}

// Acceleration carries gravity-free linear acceleration in m/s².
type Acceleration struct {
	Seq       uint64
	TrackerID uint8
	X, Y, Z   float32
}

// Ping is echoed back to the server unchanged.
type Ping struct {
	Seq uint64
	ID  uint32
}

// Battery carries the battery level in [0, 1].
type Battery struct {
	Seq       uint64
	TrackerID uint8
	Level     float32
}

// SensorInfo declares the sensor behind a tracker id.
type SensorInfo struct {
	Seq        uint64
	TrackerID  uint8
	SensorType SensorType
	Status     SensorStatus
}

// SensorInfoAck is the server's acknowledgement of a SensorInfo.
type SensorInfoAck struct {
	Seq       uint64
	TrackerID uint8
	Status    SensorStatus
}

// Rotation carries a tracker orientation quaternion.
type Rotation struct {
	Seq         uint64
	TrackerID   uint8
	DataType    DataType
	X, Y, Z, W  float32
	Calibration uint8
}

// Unknown holds a datagram whose discriminant the decoding schema does not
// know. Re-encoding it reproduces the original bytes.
type Unknown struct {
	Kind    Type
	Seq     uint64
	Payload []byte
}

func (p *Heartbeat) PacketType() Type     { return TypeHeartbeat }
func (p *Handshake) PacketType() Type     { return TypeHandshake }
func (p *HandshakeAck) PacketType() Type  { return TypeHandshake }
func (p *Acceleration) PacketType() Type  { return TypeAcceleration }
func (p *Ping) PacketType() Type          { return TypePing }
func (p *Battery) PacketType() Type       { return TypeBattery }
func (p *SensorInfo) PacketType() Type    { return TypeSensorInfo }
func (p *SensorInfoAck) PacketType() Type { return TypeSensorInfo }
func (p *Rotation) PacketType() Type      { return TypeRotation }
func (p *Unknown) PacketType() Type       { return p.Kind }

func (p *Heartbeat) Sequence() uint64     { return p.Seq }
func (p *Handshake) Sequence() uint64     { return p.Seq }
func (p *HandshakeAck) Sequence() uint64  { return p.Seq }
func (p *Acceleration) Sequence() uint64  { return p.Seq }
func (p *Ping) Sequence() uint64          { return p.Seq }
func (p *Battery) Sequence() uint64       { return p.Seq }
func (p *SensorInfo) Sequence() uint64    { return p.Seq }
func (p *SensorInfoAck) Sequence() uint64 { return p.Seq }
func (p *Rotation) Sequence() uint64      { return p.Seq }
func (p *Unknown) Sequence() uint64       { return p.Seq }
