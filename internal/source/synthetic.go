package source

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/banshee-data/trackerbridge/internal/device"
	"github.com/banshee-data/trackerbridge/internal/timeutil"
	"gonum.org/v1/gonum/spatial/r3"
)

// SyntheticConfig describes a generated device.
type SyntheticConfig struct {
	// RateHz is the sample rate. Defaults to 100.
	RateHz float64
	// SpinDegPerSec turns the device about its vertical axis. Zero keeps it
	// still.
	SpinDegPerSec float64
	// Count stops the stream after this many samples. Zero is unlimited.
	Count int
	// Paced emits samples on a clock ticker at RateHz instead of as fast as
	// they are asked for.
	Paced   bool
	Gravity float64
}

// Synthetic generates a level device lying still or spinning about the
// vertical axis.
type Synthetic struct {
	cfg    SyntheticConfig
	clock  timeutil.Clock
	start  time.Time
	period time.Duration
	n      int
	ticker timeutil.Ticker
}

// NewSynthetic creates a generator whose sample times start at the clock's
// current time.
func NewSynthetic(cfg SyntheticConfig, clock timeutil.Clock) *Synthetic {
	if cfg.RateHz <= 0 {
		cfg.RateHz = 100
	}
	if cfg.Gravity == 0 {
		cfg.Gravity = 9.80665
	}
	return &Synthetic{
		cfg:    cfg,
		clock:  clock,
		start:  clock.Now(),
		period: time.Duration(float64(time.Second) / cfg.RateHz),
	}
}

func (s *Synthetic) Next(ctx context.Context) (device.Sample, error) {
	if s.cfg.Count > 0 && s.n >= s.cfg.Count {
		return device.Sample{}, io.EOF
	}
	if s.cfg.Paced {
		if s.ticker == nil {
			s.ticker = s.clock.NewTicker(s.period)
		}
		select {
		case <-s.ticker.C():
		case <-ctx.Done():
			return device.Sample{}, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return device.Sample{}, err
	}

	s.n++
	return device.Sample{
		Time:  s.start.Add(time.Duration(s.n) * s.period),
		Gyro:  r3.Vec{Z: s.cfg.SpinDegPerSec * math.Pi / 180},
		Accel: r3.Vec{Z: s.cfg.Gravity},
	}, nil
}

func (s *Synthetic) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}
