// Command filter-plot replays a recorded sample file through the orientation
// filter and plots roll, pitch and yaw against time. It is used to tune the
// filter gains in the bridge configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"

	"github.com/banshee-data/trackerbridge/internal/config"
	"github.com/banshee-data/trackerbridge/internal/device"
	"github.com/banshee-data/trackerbridge/internal/fusion"
	"github.com/banshee-data/trackerbridge/internal/source"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	input      = flag.String("in", "", "Recorded sample CSV (t_ns,gx,gy,gz,ax,ay,az[,mx,my,mz])")
	output     = flag.String("out", "orientation.png", "Output image; the extension picks the format")
	configPath = flag.String("config", "", "Bridge config to take filter tuning from (defaults when empty)")
	kindName   = flag.String("kind", device.GenericIMU.Name, "Device kind whose axis mapping applies")
)

func main() {
	flag.Parse()
	if *input == "" {
		log.Fatal("-in is required")
	}

	cfg := config.EmptyBridgeConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadBridgeConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	kind, err := device.KindByName(*kindName)
	if err != nil {
		log.Fatal(err)
	}

	rp, err := source.OpenReplay(*input, source.ReplayOptions{})
	if err != nil {
		log.Fatal(err)
	}
	defer rp.Close()

	tr, err := replay(rp, kind, fusion.ConfigFromBridge(cfg))
	if err != nil {
		log.Fatalf("Failed to replay %s: %v", *input, err)
	}
	if rp.Malformed() > 0 {
		log.Printf("Skipped %d malformed lines", rp.Malformed())
	}
	if err := tr.plot(*input).Save(14*vg.Inch, 6*vg.Inch, *output); err != nil {
		log.Fatalf("Failed to save plot: %v", err)
	}
	log.Printf("Plotted %d samples (%d anomalies) to %s", len(tr.roll), tr.stats.Anomalies, *output)
}

type trace struct {
	roll, pitch, yaw plotter.XYs
	stats            fusion.Stats
}

type sampleSource interface {
	Next(ctx context.Context) (device.Sample, error)
}

// replay runs every sample through a fresh filter, recording the estimate
// after each accepted sample against seconds since the first.
func replay(src sampleSource, kind device.Kind, cfg fusion.Config) (*trace, error) {
	f := fusion.New(cfg)
	tr := &trace{}
	var first device.Sample
	for {
		s, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if first.Time.IsZero() {
			first = s
		}
		s.Gyro = kind.Geometry.Apply(s.Gyro)
		s.Accel = kind.Geometry.Apply(s.Accel)
		s.Mag = kind.Geometry.Apply(s.Mag)
		s.HasMag = s.HasMag && kind.HasMag

		before := f.Stats().Accepted
		f.Push(s)
		if f.Stats().Accepted == before {
			continue
		}
		t := s.Time.Sub(first.Time).Seconds()
		roll, pitch, yaw := device.EulerDeg(f.Estimate().Q)
		tr.roll = append(tr.roll, plotter.XY{X: t, Y: roll})
		tr.pitch = append(tr.pitch, plotter.XY{X: t, Y: pitch})
		tr.yaw = append(tr.yaw, plotter.XY{X: t, Y: yaw})
	}
	tr.stats = f.Stats()
	if len(tr.roll) == 0 {
		return nil, fmt.Errorf("no usable samples")
	}
	return tr, nil
}

func (tr *trace) plot(title string) *plot.Plot {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Orientation - %s", title)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Angle (deg)"

	series := []struct {
		name  string
		pts   plotter.XYs
		color color.RGBA
	}{
		{"roll", tr.roll, color.RGBA{R: 220, A: 255}},
		{"pitch", tr.pitch, color.RGBA{G: 160, A: 255}},
		{"yaw", tr.yaw, color.RGBA{B: 220, A: 255}},
	}
	for _, s := range series {
		line, err := plotter.NewLine(s.pts)
		if err != nil {
			// Only non-finite points fail here and the filter never emits them.
			continue
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.Add(plotter.NewGrid())
	return p
}
