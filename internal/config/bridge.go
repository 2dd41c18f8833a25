// Package config loads the bridge configuration: emission cadence, protocol
// timeouts, retry policy, filter tuning and per-controller mount rotations.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/bridge.defaults.json"

// BridgeConfig is the root configuration. Every field is optional; the Get*
// methods supply defaults for anything the file leaves out, so partial
// configs are safe.
type BridgeConfig struct {
	// Server connection
	ServerAddress *string `json:"server_address,omitempty"`
	LocalPort     *int    `json:"local_port,omitempty"`

	// Emission cadence
	EmissionRateHz  *float64 `json:"emission_rate_hz,omitempty"`
	AccelInterval   *string  `json:"accel_interval,omitempty"`   // duration string like "100ms"
	BatteryInterval *string  `json:"battery_interval,omitempty"` // duration string like "10s"
	StatusInterval  *string  `json:"status_interval,omitempty"`

	// Protocol state machine
	HandshakeTimeout   *string `json:"handshake_timeout,omitempty"`
	SensorInfoFallback *string `json:"sensor_info_fallback,omitempty"`
	HeartbeatInterval  *string `json:"heartbeat_interval,omitempty"`
	ServerTimeout      *string `json:"server_timeout,omitempty"` // "0s" disables

	// Device liveness
	DeviceTimeout *string `json:"device_timeout,omitempty"`

	// Transport retry
	SendRetries  *int    `json:"send_retries,omitempty"`
	RetryBackoff *string `json:"retry_backoff,omitempty"`

	// Orientation filter tuning
	FilterKp                *float64 `json:"filter_kp,omitempty"`
	FilterKi                *float64 `json:"filter_ki,omitempty"`
	Gravity                 *float64 `json:"gravity,omitempty"`
	AccelRejectRatio        *float64 `json:"accel_reject_ratio,omitempty"`
	AccelVarianceGate       *float64 `json:"accel_variance_gate,omitempty"`
	AccelNoiseReference     *float64 `json:"accel_noise_reference,omitempty"`
	MagRejectRatio          *float64 `json:"mag_reject_ratio,omitempty"`
	VarianceDecay           *float64 `json:"variance_decay,omitempty"`
	MaxFilterStep           *string  `json:"max_filter_step,omitempty"`
	MaxGyroBias             *float64 `json:"max_gyro_bias,omitempty"`

	// Mount rotation in degrees about the vertical axis, keyed by serial.
	MountRotations map[string]float64 `json:"mount_rotations,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyBridgeConfig returns a BridgeConfig with all fields unset, which
// resolves to the built-in defaults.
func EmptyBridgeConfig() *BridgeConfig {
	return &BridgeConfig{}
}

// LoadBridgeConfig loads a BridgeConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyBridgeConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *BridgeConfig) Validate() error {
	if c.EmissionRateHz != nil {
		if *c.EmissionRateHz <= 0 || *c.EmissionRateHz > 1000 {
			return fmt.Errorf("emission_rate_hz must be in (0, 1000], got %f", *c.EmissionRateHz)
		}
	}
	if c.LocalPort != nil {
		if *c.LocalPort < 0 || *c.LocalPort > 65535 {
			return fmt.Errorf("local_port must be between 0 and 65535, got %d", *c.LocalPort)
		}
	}
	if c.SendRetries != nil && *c.SendRetries < 0 {
		return fmt.Errorf("send_retries must be non-negative, got %d", *c.SendRetries)
	}

	durations := []struct {
		name  string
		value *string
	}{
		{"accel_interval", c.AccelInterval},
		{"battery_interval", c.BatteryInterval},
		{"status_interval", c.StatusInterval},
		{"handshake_timeout", c.HandshakeTimeout},
		{"sensor_info_fallback", c.SensorInfoFallback},
		{"heartbeat_interval", c.HeartbeatInterval},
		{"server_timeout", c.ServerTimeout},
		{"device_timeout", c.DeviceTimeout},
		{"retry_backoff", c.RetryBackoff},
		{"max_filter_step", c.MaxFilterStep},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, *d.value)
		}
	}

	if c.FilterKp != nil && *c.FilterKp < 0 {
		return fmt.Errorf("filter_kp must be non-negative, got %f", *c.FilterKp)
	}
	if c.FilterKi != nil && *c.FilterKi < 0 {
		return fmt.Errorf("filter_ki must be non-negative, got %f", *c.FilterKi)
	}
	if c.Gravity != nil && *c.Gravity <= 0 {
		return fmt.Errorf("gravity must be positive, got %f", *c.Gravity)
	}
	if c.VarianceDecay != nil {
		if *c.VarianceDecay <= 0 || *c.VarianceDecay >= 1 {
			return fmt.Errorf("variance_decay must be between 0 and 1 exclusive, got %f", *c.VarianceDecay)
		}
	}
	for serial, deg := range c.MountRotations {
		if math.IsNaN(deg) || math.IsInf(deg, 0) {
			return fmt.Errorf("mount rotation for %q is not finite", serial)
		}
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetServerAddress returns the tracking server address or the default.
func (c *BridgeConfig) GetServerAddress() string {
	if c.ServerAddress == nil || *c.ServerAddress == "" {
		return "127.0.0.1:6969"
	}
	return *c.ServerAddress
}

// GetLocalPort returns the preferred local UDP port or the default.
func (c *BridgeConfig) GetLocalPort() int {
	if c.LocalPort == nil {
		return 47589
	}
	return *c.LocalPort
}

// GetEmissionRateHz returns the pose emission rate or the default.
func (c *BridgeConfig) GetEmissionRateHz() float64 {
	if c.EmissionRateHz == nil {
		return 50
	}
	return *c.EmissionRateHz
}

// GetEmissionInterval returns the tick period derived from the emission rate.
func (c *BridgeConfig) GetEmissionInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.GetEmissionRateHz())
}

// GetAccelInterval returns the acceleration packet period or the default.
func (c *BridgeConfig) GetAccelInterval() time.Duration {
	return durationOr(c.AccelInterval, 100*time.Millisecond)
}

// GetBatteryInterval returns the battery packet period or the default.
func (c *BridgeConfig) GetBatteryInterval() time.Duration {
	return durationOr(c.BatteryInterval, 10*time.Second)
}

// GetStatusInterval returns the status publication period or the default.
func (c *BridgeConfig) GetStatusInterval() time.Duration {
	return durationOr(c.StatusInterval, 500*time.Millisecond)
}

// GetHandshakeTimeout returns the handshake response timeout or the default.
func (c *BridgeConfig) GetHandshakeTimeout() time.Duration {
	return durationOr(c.HandshakeTimeout, 3*time.Second)
}

// GetSensorInfoFallback returns how long to wait for a sensor acknowledgement
// before streaming anyway.
func (c *BridgeConfig) GetSensorInfoFallback() time.Duration {
	return durationOr(c.SensorInfoFallback, 2*time.Second)
}

// GetHeartbeatInterval returns the keep-alive period or the default.
func (c *BridgeConfig) GetHeartbeatInterval() time.Duration {
	return durationOr(c.HeartbeatInterval, time.Second)
}

// GetServerTimeout returns the server silence timeout; zero disables it.
func (c *BridgeConfig) GetServerTimeout() time.Duration {
	return durationOr(c.ServerTimeout, 5*time.Second)
}

// GetDeviceTimeout returns the device liveness timeout or the default.
func (c *BridgeConfig) GetDeviceTimeout() time.Duration {
	return durationOr(c.DeviceTimeout, 2*time.Second)
}

// GetSendRetries returns the number of retries per send or the default.
func (c *BridgeConfig) GetSendRetries() int {
	if c.SendRetries == nil {
		return 3
	}
	return *c.SendRetries
}

// GetRetryBackoff returns the first retry backoff or the default.
func (c *BridgeConfig) GetRetryBackoff() time.Duration {
	return durationOr(c.RetryBackoff, 10*time.Millisecond)
}

// GetFilterKp returns the proportional correction gain or the default.
func (c *BridgeConfig) GetFilterKp() float64 {
	if c.FilterKp == nil {
		return 1.0
	}
	return *c.FilterKp
}

// GetFilterKi returns the bias integral gain or the default.
func (c *BridgeConfig) GetFilterKi() float64 {
	if c.FilterKi == nil {
		return 0.1
	}
	return *c.FilterKi
}

// GetGravity returns the expected gravity magnitude in m/s² or the default.
func (c *BridgeConfig) GetGravity() float64 {
	if c.Gravity == nil {
		return 9.80665
	}
	return *c.Gravity
}

// GetAccelRejectRatio returns the relative gravity deviation above which
// accelerometer correction is skipped.
func (c *BridgeConfig) GetAccelRejectRatio() float64 {
	if c.AccelRejectRatio == nil {
		return 0.25
	}
	return *c.AccelRejectRatio
}

// GetAccelVarianceGate returns the accelerometer-norm variance (m/s²)²
// above which correction is skipped.
func (c *BridgeConfig) GetAccelVarianceGate() float64 {
	if c.AccelVarianceGate == nil {
		return 4.0
	}
	return *c.AccelVarianceGate
}

// GetAccelNoiseReference returns the variance at which correction gain is halved.
func (c *BridgeConfig) GetAccelNoiseReference() float64 {
	if c.AccelNoiseReference == nil {
		return 0.25
	}
	return *c.AccelNoiseReference
}

// GetMagRejectRatio returns the relative field-norm deviation above which
// magnetometer correction is skipped.
func (c *BridgeConfig) GetMagRejectRatio() float64 {
	if c.MagRejectRatio == nil {
		return 0.3
	}
	return *c.MagRejectRatio
}

// GetVarianceDecay returns the decay constant of the variance accumulators.
func (c *BridgeConfig) GetVarianceDecay() float64 {
	if c.VarianceDecay == nil {
		return 0.95
	}
	return *c.VarianceDecay
}

// GetMaxFilterStep returns the largest timestamp gap the filter integrates across.
func (c *BridgeConfig) GetMaxFilterStep() time.Duration {
	return durationOr(c.MaxFilterStep, 250*time.Millisecond)
}

// GetMaxGyroBias returns the bias estimate clamp in rad/s or the default.
func (c *BridgeConfig) GetMaxGyroBias() float64 {
	if c.MaxGyroBias == nil {
		return 0.2
	}
	return *c.MaxGyroBias
}

// GetMountRotation returns the mount rotation in degrees for serial, or 0.
func (c *BridgeConfig) GetMountRotation(serial string) float64 {
	if c.MountRotations == nil {
		return 0
	}
	return c.MountRotations[serial]
}
