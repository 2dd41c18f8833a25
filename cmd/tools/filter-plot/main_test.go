package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/trackerbridge/internal/device"
	"github.com/banshee-data/trackerbridge/internal/fusion"
	"github.com/banshee-data/trackerbridge/internal/source"
	"github.com/banshee-data/trackerbridge/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/vg"
)

func spinRecording(t *testing.T) string {
	t.Helper()
	syn := source.NewSynthetic(source.SyntheticConfig{RateHz: 100, SpinDegPerSec: 45, Count: 201},
		timeutil.NewMockClock(time.Unix(0, 0)))
	var b strings.Builder
	b.WriteString("t_ns,gx,gy,gz,ax,ay,az\n")
	for {
		s, err := syn.Next(t.Context())
		if err != nil {
			break
		}
		b.WriteString(source.FormatLine(s))
		b.WriteByte('\n')
	}
	return b.String()
}

func TestReplayTracesYaw(t *testing.T) {
	rp := source.NewReplay("spin.csv", strings.NewReader(spinRecording(t)), source.ReplayOptions{})
	tr, err := replay(rp, device.GenericIMU, fusion.DefaultConfig())
	require.NoError(t, err)

	require.Len(t, tr.yaw, 201)
	assert.Equal(t, 0.0, tr.yaw[0].X)
	last := tr.yaw[len(tr.yaw)-1]
	assert.InDelta(t, 2.0, last.X, 1e-9)
	assert.InDelta(t, 90, last.Y, 1)
	assert.InDelta(t, 0, tr.roll[len(tr.roll)-1].Y, 0.5)
	assert.Zero(t, tr.stats.Anomalies)
}

func TestReplayRejectsEmptyInput(t *testing.T) {
	rp := source.NewReplay("empty.csv", strings.NewReader("# nothing\n"), source.ReplayOptions{})
	_, err := replay(rp, device.GenericIMU, fusion.DefaultConfig())
	assert.Error(t, err)
}

func TestPlotSaves(t *testing.T) {
	rp := source.NewReplay("spin.csv", strings.NewReader(spinRecording(t)), source.ReplayOptions{})
	tr, err := replay(rp, device.GenericIMU, fusion.DefaultConfig())
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "orientation.png")
	require.NoError(t, tr.plot("spin").Save(6*vg.Inch, 3*vg.Inch, out))
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
