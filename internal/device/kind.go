package device

import (
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/trackerbridge/internal/protocol"
	"gonum.org/v1/gonum/spatial/r3"
)

// Geometry maps a controller's native sensor axes onto the bridge body frame
// (x forward, y left, z up). Axes[i] names the native axis feeding body axis
// i and Signs[i] its sign. Every kind uses a proper rotation.
type Geometry struct {
	Axes  [3]int
	Signs [3]float64
}

// IdentityGeometry leaves samples untouched.
var IdentityGeometry = Geometry{Axes: [3]int{0, 1, 2}, Signs: [3]float64{1, 1, 1}}

// Apply maps v from native axes into the body frame.
func (g Geometry) Apply(v r3.Vec) r3.Vec {
	in := [3]float64{v.X, v.Y, v.Z}
	return r3.Vec{
		X: g.Signs[0] * in[g.Axes[0]],
		Y: g.Signs[1] * in[g.Axes[1]],
		Z: g.Signs[2] * in[g.Axes[2]],
	}
}

// Kind describes one hardware family. It is resolved once when a device is
// bound and never consulted per sample beyond its Geometry.
type Kind struct {
	Name       string
	SensorType protocol.SensorType
	Geometry   Geometry
	HasMag     bool
}

var (
	JoyConLeft = Kind{
		Name:       "joycon-left",
		SensorType: protocol.SensorUnknown,
		Geometry:   IdentityGeometry,
	}
	// The right controller is the left one turned half a turn about the
	// vertical axis.
	JoyConRight = Kind{
		Name:       "joycon-right",
		SensorType: protocol.SensorUnknown,
		Geometry:   Geometry{Axes: [3]int{0, 1, 2}, Signs: [3]float64{-1, -1, 1}},
	}
	ProController = Kind{
		Name:       "pro-controller",
		SensorType: protocol.SensorUnknown,
		Geometry:   IdentityGeometry,
	}
	GenericIMU = Kind{
		Name:       "generic-imu",
		SensorType: protocol.SensorMPU9250,
		Geometry:   IdentityGeometry,
		HasMag:     true,
	}
)

var kinds = map[string]Kind{
	JoyConLeft.Name:    JoyConLeft,
	JoyConRight.Name:   JoyConRight,
	ProController.Name: ProController,
	GenericIMU.Name:    GenericIMU,
}

// KindByName resolves a kind from its name, case-insensitively.
func KindByName(name string) (Kind, error) {
	k, ok := kinds[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Kind{}, fmt.Errorf("unknown device kind %q (want one of %s)", name, strings.Join(KindNames(), ", "))
	}
	return k, nil
}

// KindNames lists the known kind names in sorted order.
func KindNames() []string {
	names := make([]string, 0, len(kinds))
	for n := range kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Identity names one bound physical device.
type Identity struct {
	LocalIndex int
	Serial     string
	Kind       Kind
}

func (id Identity) String() string {
	return fmt.Sprintf("%s[%d] %s", id.Kind.Name, id.LocalIndex, id.Serial)
}
