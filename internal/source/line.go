// Package source provides the sample sources a device reader drains: a
// serial port streaming sample lines, a recorded CSV replay and a synthetic
// generator.
//
// Sample lines are comma separated:
//
//	t_ns,gx,gy,gz,ax,ay,az[,mx,my,mz]
//
// t_ns is the sample time in nanoseconds, gyro is in rad/s, accel in m/s²
// and the optional magnetometer in any consistent unit. Blank lines, lines
// starting with '#' and a "t_ns" header are skipped.
package source

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/trackerbridge/internal/device"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrSkipLine is returned by ParseLine for comments, blank lines and the
// header.
var ErrSkipLine = errors.New("not a sample line")

// ParseLine parses one sample line.
func ParseLine(line string) (device.Sample, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "t_ns") {
		return device.Sample{}, ErrSkipLine
	}

	fields := strings.Split(line, ",")
	if len(fields) != 7 && len(fields) != 10 {
		return device.Sample{}, fmt.Errorf("want 7 or 10 fields, got %d", len(fields))
	}

	ns, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return device.Sample{}, fmt.Errorf("parse timestamp: %w", err)
	}
	vals := make([]float64, len(fields)-1)
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return device.Sample{}, fmt.Errorf("parse field %d: %w", i+2, err)
		}
		vals[i] = v
	}

	s := device.Sample{
		Time:  time.Unix(0, ns),
		Gyro:  r3.Vec{X: vals[0], Y: vals[1], Z: vals[2]},
		Accel: r3.Vec{X: vals[3], Y: vals[4], Z: vals[5]},
	}
	if len(vals) == 9 {
		s.Mag = r3.Vec{X: vals[6], Y: vals[7], Z: vals[8]}
		s.HasMag = true
	}
	return s, nil
}

// FormatLine renders s in the format ParseLine reads.
func FormatLine(s device.Sample) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(s.Time.UnixNano(), 10))
	vals := []float64{s.Gyro.X, s.Gyro.Y, s.Gyro.Z, s.Accel.X, s.Accel.Y, s.Accel.Z}
	if s.HasMag {
		vals = append(vals, s.Mag.X, s.Mag.Y, s.Mag.Z)
	}
	for _, v := range vals {
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}
