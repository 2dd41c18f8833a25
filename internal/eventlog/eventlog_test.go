package eventlog

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/trackerbridge/internal/monitoring"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "events.db"))
	_, err := uuid.Parse(s.RunID())
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{Time: base, Kind: KindBind, Serial: "J1", TrackerID: NoTracker},
		{Time: base.Add(time.Second), Kind: KindStateChange, Serial: "J1", TrackerID: 2, Detail: "handshake_sent -> sensor_info_sent"},
		{Time: base.Add(2 * time.Second), Kind: KindDisconnect, Serial: "J1", TrackerID: 2, Detail: "device timeout"},
	}
	for _, e := range events {
		require.NoError(t, s.Record(e))
	}

	got, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, KindDisconnect, got[0].Kind)
	assert.Equal(t, KindStateChange, got[1].Kind)
	assert.Equal(t, 2, got[1].TrackerID)
	assert.Equal(t, "handshake_sent -> sensor_info_sent", got[1].Detail)
	assert.Equal(t, s.RunID(), got[0].RunID)
	assert.True(t, got[0].Time.Equal(base.Add(2*time.Second)))

	all, err := s.Recent(100)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_ZeroTimeIsNow(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "events.db"))
	before := time.Now()
	require.NoError(t, s.Record(Event{Kind: KindServerTimeout, TrackerID: NoTracker}))

	got, err := s.Recent(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Time.Before(before))
}

func TestStore_ReopenKeepsHistoryPerRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Record(Event{Kind: KindBind, Serial: "J1", TrackerID: NoTracker}))
	firstRun := first.RunID()
	require.NoError(t, first.Close())

	second := openTestStore(t, path)
	assert.NotEqual(t, firstRun, second.RunID())

	got, err := second.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, got, "recent is scoped to the current run")

	runs, err := second.Runs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{firstRun, second.RunID()}, runs)
}

type fakeRecorder struct {
	mu    sync.Mutex
	got   []Event
	err   error
	block chan struct{}
}

func (f *fakeRecorder) Record(e Event) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, e)
	return f.err
}

func TestWriter_DrainsOnClose(t *testing.T) {
	rec := &fakeRecorder{}
	w := NewWriter(rec, 16)
	for i := 0; i < 10; i++ {
		w.Enqueue(Event{Kind: KindBind, TrackerID: i})
	}
	w.Close()
	w.Close()

	require.Len(t, rec.got, 10)
	for i, e := range rec.got {
		assert.Equal(t, i, e.TrackerID, "order preserved")
	}
	assert.Zero(t, w.Dropped())
}

func TestWriter_DropsWhenFull(t *testing.T) {
	rec := &fakeRecorder{block: make(chan struct{})}
	w := NewWriter(rec, 2)

	// The loop takes one event and blocks in Record; two more fill the queue.
	w.Enqueue(Event{TrackerID: 0})
	require.Eventually(t, func() bool { return len(w.ch) == 0 }, time.Second, time.Millisecond)
	w.Enqueue(Event{TrackerID: 1})
	w.Enqueue(Event{TrackerID: 2})
	w.Enqueue(Event{TrackerID: 3})
	assert.EqualValues(t, 1, w.Dropped())

	close(rec.block)
	w.Close()
	assert.Len(t, rec.got, 3)
}

func TestWriter_CountsStoreFailures(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}
	w := NewWriter(rec, 4)
	w.Enqueue(Event{Kind: KindBind})
	w.Enqueue(Event{Kind: KindBind})
	w.Close()
	assert.EqualValues(t, 2, w.Failed())
}

func TestWriter_WithStore(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "events.db"))
	w := NewWriter(s, 8)
	w.Enqueue(Event{Kind: KindHandshakeTimeout, Serial: "J2", TrackerID: NoTracker})
	w.Close()

	got, err := s.Recent(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "J2", got[0].Serial)
}
