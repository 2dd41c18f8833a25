// Package status publishes the bridge's health and per-device state to the
// user-facing layer: MQTT, a WebSocket feed and a gRPC health service.
package status

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/banshee-data/trackerbridge/internal/monitoring"
)

// Report is one point-in-time view of the bridge.
type Report struct {
	At        time.Time                  `json:"at"`
	Connected bool                       `json:"connected"`
	Devices   []DeviceStatus             `json:"devices"`
	Counters  monitoring.CounterSnapshot `json:"counters"`
}

// DeviceStatus describes one bound device.
type DeviceStatus struct {
	Serial     string `json:"serial"`
	Kind       string `json:"kind"`
	LocalIndex int    `json:"local_index"`
	TrackerID  int    `json:"tracker_id"`
	HasTracker bool   `json:"has_tracker"`
	State      string `json:"state"`
	// RotationDeg is roll, pitch and yaw of the transmitted orientation.
	RotationDeg   [3]float64 `json:"rotation_deg"`
	MountRotation float64    `json:"mount_rotation_deg"`
	Battery       float64    `json:"battery"`
	Anomalies     uint64     `json:"anomalies"`
}

// Device returns the status for serial, if present.
func (r Report) Device(serial string) (DeviceStatus, bool) {
	for _, d := range r.Devices {
		if d.Serial == serial {
			return d, true
		}
	}
	return DeviceStatus{}, false
}

// Marshal encodes the report as JSON.
func (r Report) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Publisher is a sink for reports.
type Publisher interface {
	Publish(Report) error
}

// Multi fans a report out to several publishers. Every publisher is tried;
// the errors are joined.
type Multi []Publisher

// Publish sends r to every publisher.
func (m Multi) Publish(r Report) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
