package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/trackerbridge/internal/bridge"
	"github.com/banshee-data/trackerbridge/internal/device"
	"github.com/banshee-data/trackerbridge/internal/source"
	"github.com/banshee-data/trackerbridge/internal/timeutil"
)

// deviceSpec is one -device flag:
//
//	kind=joycon-left,serial=J1,source=serial:/dev/ttyUSB0,baud=115200
//	kind=generic-imu,serial=R1,source=replay:walk.csv,realtime=true
//	kind=pro-controller,serial=S1,source=synthetic,spin=45
type deviceSpec struct {
	Kind   device.Kind
	Serial string

	Source string // serial, replay or synthetic
	Path   string

	Port     source.PortOptions
	Realtime bool
	SpinDeg  float64
	RateHz   float64
}

func parseDeviceSpec(s string) (deviceSpec, error) {
	var spec deviceSpec
	kindSet := false
	for _, part := range strings.Split(s, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return spec, fmt.Errorf("device option %q: want key=value", part)
		}
		val = strings.TrimSpace(val)

		var err error
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "kind":
			spec.Kind, err = device.KindByName(val)
			kindSet = true
		case "serial":
			spec.Serial = val
		case "source":
			spec.Source, spec.Path, _ = strings.Cut(val, ":")
		case "baud":
			spec.Port.BaudRate, err = strconv.Atoi(val)
		case "parity":
			spec.Port.Parity = val
		case "realtime":
			spec.Realtime, err = strconv.ParseBool(val)
		case "spin":
			spec.SpinDeg, err = strconv.ParseFloat(val, 64)
		case "rate":
			spec.RateHz, err = strconv.ParseFloat(val, 64)
		default:
			return spec, fmt.Errorf("unknown device option %q", key)
		}
		if err != nil {
			return spec, fmt.Errorf("device option %s: %w", key, err)
		}
	}

	if !kindSet {
		return spec, fmt.Errorf("device %q: kind is required", s)
	}
	if spec.Serial == "" {
		return spec, fmt.Errorf("device %q: serial is required", s)
	}
	switch spec.Source {
	case "serial", "replay":
		if spec.Path == "" {
			return spec, fmt.Errorf("device %s: source %s needs a path", spec.Serial, spec.Source)
		}
	case "synthetic":
	case "":
		return spec, fmt.Errorf("device %s: source is required", spec.Serial)
	default:
		return spec, fmt.Errorf("device %s: unknown source %q", spec.Serial, spec.Source)
	}
	if spec.Source == "serial" {
		if _, err := spec.Port.Normalise(); err != nil {
			return spec, fmt.Errorf("device %s: %w", spec.Serial, err)
		}
	}
	return spec, nil
}

func (d deviceSpec) identity(index int) device.Identity {
	return device.Identity{LocalIndex: index, Serial: d.Serial, Kind: d.Kind}
}

func (d deviceSpec) open(clock timeutil.Clock) (bridge.Source, error) {
	switch d.Source {
	case "serial":
		s, err := source.OpenSerial(d.Path, d.Port)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "replay":
		r, err := source.OpenReplay(d.Path, source.ReplayOptions{Realtime: d.Realtime})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return source.NewSynthetic(source.SyntheticConfig{
			RateHz:        d.RateHz,
			SpinDegPerSec: d.SpinDeg,
			Paced:         true,
		}, clock), nil
	}
}

// deviceFlags collects repeated -device flags.
type deviceFlags []deviceSpec

func (f *deviceFlags) String() string {
	names := make([]string, len(*f))
	for i, d := range *f {
		names[i] = d.Serial
	}
	return strings.Join(names, ",")
}

func (f *deviceFlags) Set(v string) error {
	spec, err := parseDeviceSpec(v)
	if err != nil {
		return err
	}
	for _, d := range *f {
		if d.Serial == spec.Serial {
			return fmt.Errorf("device serial %s given twice", spec.Serial)
		}
	}
	*f = append(*f, spec)
	return nil
}
