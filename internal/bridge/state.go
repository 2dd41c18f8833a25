// Package bridge registers device sessions with the tracking server and
// streams their pose. Manager is the per-tracker state machine; Runner wires
// it to sample sources, the transport and the status sinks.
package bridge

import (
	"fmt"

	"github.com/banshee-data/trackerbridge/internal/protocol"
	"github.com/google/uuid"
)

// State is a tracker's registration state with the server.
type State int

const (
	Unregistered State = iota
	HandshakeSent
	SensorInfoSent
	Streaming
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case HandshakeSent:
		return "handshake_sent"
	case SensorInfoSent:
		return "sensor_info_sent"
	case Streaming:
		return "streaming"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// macNamespace scopes the name-based UUIDs that device MACs derive from.
var macNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("trackerbridge/device"))

// DeviceMAC derives a stable hardware address from a device serial. The
// result is a locally administered unicast address, so it cannot collide
// with a vendor-assigned one.
func DeviceMAC(serial string) protocol.MAC {
	id := uuid.NewSHA1(macNamespace, []byte(serial))
	var mac protocol.MAC
	copy(mac[:], id[:6])
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac
}
