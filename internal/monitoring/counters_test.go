package monitoring

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters_RecordClassifiesWrappedErrors(t *testing.T) {
	var c Counters

	c.Record(fmt.Errorf("decode rotation: %w", ErrMalformedPacket))
	c.Record(fmt.Errorf("J1: %w", ErrDeviceTimeout))
	c.Record(ErrTransportFailure)
	c.Record(ErrFilterNumericAnomaly)
	c.Record(ErrHandshakeTimeout)
	c.Record(ErrHandshakeTimeout)
	c.Record(errors.New("unclassified"))

	got := c.Snapshot()
	assert.Equal(t, CounterSnapshot{
		MalformedPackets:  1,
		DeviceTimeouts:    1,
		TransportFailures: 1,
		FilterAnomalies:   1,
		HandshakeTimeouts: 2,
	}, got)
}

func TestCounters_ConcurrentAdds(t *testing.T) {
	var c Counters
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.AddSent()
				c.AddReceived()
				c.AddDropped()
				c.AddSendRetry()
			}
		}()
	}
	wg.Wait()
	c.AddFilterAnomalies(5)

	got := c.Snapshot()
	assert.EqualValues(t, 8000, got.PacketsSent)
	assert.EqualValues(t, 8000, got.PacketsReceived)
	assert.EqualValues(t, 8000, got.DroppedDatagrams)
	assert.EqualValues(t, 8000, got.SendRetries)
	assert.EqualValues(t, 5, got.FilterAnomalies)
}
