package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed is wrapped by every decode error.
var ErrMalformed = errors.New("malformed packet")

// Fixed payload sizes. Handshake and HandshakeAck sizes are minimums since
// they carry a string.
const (
	handshakeMinLen    = 7*4 + 1 + 6
	handshakeAckMinLen = 6 + 1 + 1
	accelerationLen    = 1 + 3*4
	pingLen            = 4
	batteryLen         = 1 + 4
	sensorInfoLen      = 3
	sensorInfoAckLen   = 2
	rotationLen        = 1 + 1 + 4*4 + 1
)

// Encode serialises p. It fails only for values that have no encoding:
// oversized strings, out-of-range enums or battery levels outside [0, 1].
func Encode(p Packet) ([]byte, error) {
	if p == nil {
		return nil, errors.New("encode: nil packet")
	}
	buf := make([]byte, 0, 64)
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.PacketType()))
	buf = binary.BigEndian.AppendUint64(buf, p.Sequence())

	switch v := p.(type) {
	case *Heartbeat:
	case *Handshake:
		if len(v.Firmware) > MaxStringLen {
			return nil, fmt.Errorf("encode handshake: firmware string is %d bytes (max %d)", len(v.Firmware), MaxStringLen)
		}
		for _, n := range []int32{v.Board, v.IMU, v.MCU, v.IMUInfo[0], v.IMUInfo[1], v.IMUInfo[2], v.Build} {
			buf = binary.BigEndian.AppendUint32(buf, uint32(n))
		}
		buf = appendString(buf, v.Firmware)
		buf = append(buf, v.MAC[:]...)
	case *HandshakeAck:
		if len(v.Server) > MaxStringLen {
			return nil, fmt.Errorf("encode handshake ack: server string is %d bytes (max %d)", len(v.Server), MaxStringLen)
		}
		buf = append(buf, v.MAC[:]...)
		buf = append(buf, v.TrackerID)
		buf = appendString(buf, v.Server)
	case *Acceleration:
		buf = append(buf, v.TrackerID)
		buf = appendFloat32(buf, v.X, v.Y, v.Z)
	case *Ping:
		buf = binary.BigEndian.AppendUint32(buf, v.ID)
	case *Battery:
		if !validLevel(v.Level) {
			return nil, fmt.Errorf("encode battery: level %v outside [0, 1]", v.Level)
		}
		buf = append(buf, v.TrackerID)
		buf = appendFloat32(buf, v.Level)
	case *SensorInfo:
		if !v.SensorType.Valid() {
			return nil, fmt.Errorf("encode sensor info: unknown sensor type %d", v.SensorType)
		}
		if !v.Status.Valid() {
			return nil, fmt.Errorf("encode sensor info: unknown sensor status %d", v.Status)
		}
		buf = append(buf, v.TrackerID, uint8(v.SensorType), uint8(v.Status))
	case *SensorInfoAck:
		if !v.Status.Valid() {
			return nil, fmt.Errorf("encode sensor info ack: unknown sensor status %d", v.Status)
		}
		buf = append(buf, v.TrackerID, uint8(v.Status))
	case *Rotation:
		if !v.DataType.Valid() {
			return nil, fmt.Errorf("encode rotation: unknown data type %d", v.DataType)
		}
		buf = append(buf, v.TrackerID, uint8(v.DataType))
		buf = appendFloat32(buf, v.X, v.Y, v.Z, v.W)
		buf = append(buf, v.Calibration)
	case *Unknown:
		buf = append(buf, v.Payload...)
	default:
		return nil, fmt.Errorf("encode: unsupported packet %T", p)
	}
	return buf, nil
}

// Decode parses a datagram received by the client. Types the client never
// receives decode to *Unknown.
func Decode(data []byte) (Packet, error) {
	t, seq, payload, err := splitHeader(data)
	if err != nil {
		return nil, err
	}
	r := &reader{buf: payload}

	var p Packet
	switch t {
	case TypeHeartbeat:
		p = &Heartbeat{Seq: seq}
	case TypeHandshake:
		if err := r.atLeast(t, handshakeAckMinLen); err != nil {
			return nil, err
		}
		ack := &HandshakeAck{Seq: seq}
		r.bytes(ack.MAC[:])
		ack.TrackerID = r.u8()
		ack.Server = r.str()
		p = ack
	case TypePing:
		if err := r.exactly(t, pingLen); err != nil {
			return nil, err
		}
		p = &Ping{Seq: seq, ID: r.u32()}
	case TypeSensorInfo:
		if err := r.exactly(t, sensorInfoAckLen); err != nil {
			return nil, err
		}
		ack := &SensorInfoAck{Seq: seq, TrackerID: r.u8(), Status: SensorStatus(r.u8())}
		if !ack.Status.Valid() {
			return nil, fmt.Errorf("%w: sensor info ack status %d out of range", ErrMalformed, ack.Status)
		}
		p = ack
	default:
		return &Unknown{Kind: t, Seq: seq, Payload: append([]byte(nil), payload...)}, nil
	}
	if err := r.finish(t); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeServerSide parses a datagram as the server would, using the outbound
// schema. Types the server never receives decode to *Unknown.
func DecodeServerSide(data []byte) (Packet, error) {
	t, seq, payload, err := splitHeader(data)
	if err != nil {
		return nil, err
	}
	r := &reader{buf: payload}

	var p Packet
	switch t {
	case TypeHeartbeat:
		p = &Heartbeat{Seq: seq}
	case TypeHandshake:
		if err := r.atLeast(t, handshakeMinLen); err != nil {
			return nil, err
		}
		hs := &Handshake{Seq: seq}
		hs.Board = r.i32()
		hs.IMU = r.i32()
		hs.MCU = r.i32()
		for i := range hs.IMUInfo {
			hs.IMUInfo[i] = r.i32()
		}
		hs.Build = r.i32()
		hs.Firmware = r.str()
		r.bytes(hs.MAC[:])
		p = hs
	case TypeAcceleration:
		if err := r.exactly(t, accelerationLen); err != nil {
			return nil, err
		}
		p = &Acceleration{Seq: seq, TrackerID: r.u8(), X: r.f32(), Y: r.f32(), Z: r.f32()}
	case TypePing:
		if err := r.exactly(t, pingLen); err != nil {
			return nil, err
		}
		p = &Ping{Seq: seq, ID: r.u32()}
	case TypeBattery:
		if err := r.exactly(t, batteryLen); err != nil {
			return nil, err
		}
		b := &Battery{Seq: seq, TrackerID: r.u8(), Level: r.f32()}
		if !validLevel(b.Level) {
			return nil, fmt.Errorf("%w: battery level %v outside [0, 1]", ErrMalformed, b.Level)
		}
		p = b
	case TypeSensorInfo:
		if err := r.exactly(t, sensorInfoLen); err != nil {
			return nil, err
		}
		si := &SensorInfo{Seq: seq, TrackerID: r.u8(), SensorType: SensorType(r.u8()), Status: SensorStatus(r.u8())}
		if !si.SensorType.Valid() {
			return nil, fmt.Errorf("%w: sensor type %d out of range", ErrMalformed, si.SensorType)
		}
		if !si.Status.Valid() {
			return nil, fmt.Errorf("%w: sensor status %d out of range", ErrMalformed, si.Status)
		}
		p = si
	case TypeRotation:
		if err := r.exactly(t, rotationLen); err != nil {
			return nil, err
		}
		rot := &Rotation{Seq: seq, TrackerID: r.u8(), DataType: DataType(r.u8())}
		rot.X, rot.Y, rot.Z, rot.W = r.f32(), r.f32(), r.f32(), r.f32()
		rot.Calibration = r.u8()
		if !rot.DataType.Valid() {
			return nil, fmt.Errorf("%w: rotation data type %d out of range", ErrMalformed, rot.DataType)
		}
		p = rot
	default:
		return &Unknown{Kind: t, Seq: seq, Payload: append([]byte(nil), payload...)}, nil
	}
	if err := r.finish(t); err != nil {
		return nil, err
	}
	return p, nil
}

func splitHeader(data []byte) (Type, uint64, []byte, error) {
	if len(data) < HeaderLen {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrMalformed, len(data), HeaderLen)
	}
	t := Type(binary.BigEndian.Uint32(data[0:4]))
	seq := binary.BigEndian.Uint64(data[4:12])
	return t, seq, data[HeaderLen:], nil
}

func validLevel(l float32) bool {
	return l >= 0 && l <= 1 // false for NaN
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, uint8(len(s)))
	return append(buf, s...)
}

func appendFloat32(buf []byte, vs ...float32) []byte {
	for _, v := range vs {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

// reader walks a payload. Reads past the end set err and return zero values,
// so callers check once via finish.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) atLeast(t Type, n int) error {
	if len(r.buf) < n {
		return fmt.Errorf("%w: %s payload needs at least %d bytes, got %d", ErrMalformed, t, n, len(r.buf))
	}
	return nil
}

func (r *reader) exactly(t Type, n int) error {
	if len(r.buf) != n {
		return fmt.Errorf("%w: %s payload needs %d bytes, got %d", ErrMalformed, t, n, len(r.buf))
	}
	return nil
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("truncated at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) bytes(dst []byte) {
	if b := r.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) str() string {
	n := int(r.u8())
	if b := r.take(n); b != nil {
		return string(b)
	}
	return ""
}

func (r *reader) finish(t Type) error {
	if r.err != nil {
		return fmt.Errorf("%w: %s payload %v", ErrMalformed, t, r.err)
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %s payload has %d trailing bytes", ErrMalformed, t, len(r.buf)-r.off)
	}
	return nil
}
