package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/warden/pkg/crypto"
	"github.com/rzbill/warden/pkg/log"
)

func setupBadgerSink(t *testing.T) *BadgerSink {
	t.Helper()

	logger, _ := log.NewTestLogger()
	sink, err := NewBadgerSink(t.TempDir(), logger)
	require.NoError(t, err, "Failed to open audit db")

	t.Cleanup(func() {
		sink.Close()
	})
	return sink
}

func TestBadgerSinkRecordAndReplay(t *testing.T) {
	sink := setupBadgerSink(t)

	base := time.Now()
	for i := 0; i < 3; i++ {
		sink.Record(Event{
			Type:      EventSpawn,
			ProcessID: fmt.Sprintf("p%d", i),
			TenantID:  "tenant-a",
			Time:      base.Add(time.Duration(i) * time.Millisecond),
		})
	}

	var replayed []Event
	err := sink.Replay(func(e Event) error {
		replayed = append(replayed, e)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, replayed, 3)
	assert.Equal(t, "p0", replayed[0].ProcessID, "Replay is chronological")
	assert.Equal(t, "p2", replayed[2].ProcessID)
	assert.Equal(t, "tenant-a", replayed[0].TenantID)
	assert.Equal(t, EventSpawn, replayed[0].Type)
}

func TestBadgerSinkAssignsTime(t *testing.T) {
	sink := setupBadgerSink(t)

	sink.Record(Event{Type: EventStop, ProcessID: "p1"})

	var replayed []Event
	require.NoError(t, sink.Replay(func(e Event) error {
		replayed = append(replayed, e)
		return nil
	}))

	require.Len(t, replayed, 1)
	assert.False(t, replayed[0].Time.IsZero(), "A zero event time is filled at record time")
}

func TestBadgerSinkReplayStopsOnError(t *testing.T) {
	sink := setupBadgerSink(t)

	sink.Record(Event{Type: EventSpawn, ProcessID: "p1"})
	sink.Record(Event{Type: EventSpawn, ProcessID: "p2"})

	seen := 0
	err := sink.Replay(func(e Event) error {
		seen++
		return fmt.Errorf("stop here")
	})
	require.Error(t, err)
	assert.Equal(t, 1, seen, "Replay aborts on the first callback error")
}

func TestBadgerSinkEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	logger, _ := log.NewTestLogger()

	key, err := crypto.LoadOrGenerateKey(dir + "/audit.key")
	require.NoError(t, err)
	cipher, err := crypto.NewCipher(key)
	require.NoError(t, err)

	sink, err := NewBadgerSink(dir+"/db", logger, WithCipher(cipher))
	require.NoError(t, err)
	defer sink.Close()

	sink.Record(Event{Type: EventIsolate, ProcessID: "p1", TenantID: "tenant-a", Time: time.Now()})

	var replayed []Event
	require.NoError(t, sink.Replay(func(e Event) error {
		replayed = append(replayed, e)
		return nil
	}))
	require.Len(t, replayed, 1)
	assert.Equal(t, "p1", replayed[0].ProcessID)
	assert.Equal(t, EventIsolate, replayed[0].Type)
}

func TestBadgerSinkSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	logger, _ := log.NewTestLogger()

	sink, err := NewBadgerSink(dir, logger)
	require.NoError(t, err)
	sink.Record(Event{Type: EventKill, ProcessID: "p1", Time: time.Now()})
	require.NoError(t, sink.Close())

	reopened, err := NewBadgerSink(dir, logger)
	require.NoError(t, err)
	defer reopened.Close()

	count := 0
	require.NoError(t, reopened.Replay(func(e Event) error {
		count++
		assert.Equal(t, EventKill, e.Type)
		return nil
	}))
	assert.Equal(t, 1, count, "Events persist across reopen")
}
