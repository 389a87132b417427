package sweeper

import (
	"context"
	"errors"
	"pairchat/backend/internal/testutil"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	calls  atomic.Int32
	result int
	err    error
}

func (j *countingJob) ExpireRooms(ctx context.Context) (int, error) {
	j.calls.Add(1)
	return j.result, j.err
}

func (j *countingJob) Prune(ctx context.Context) (int, error) {
	j.calls.Add(1)
	return j.result, j.err
}

func TestNew_Schedules(t *testing.T) {
	log, _ := testutil.NewLogger()
	rooms, q := &countingJob{}, &countingJob{}

	s, err := New(rooms, q, Config{RoomsSchedule: "@every 1m", QueueSchedule: "*/5 * * * *"}, log)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Jobs())

	s, err = New(rooms, q, Config{RoomsSchedule: "@every 1m"}, log)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Jobs())

	_, err = New(rooms, q, Config{RoomsSchedule: "every minute"}, log)
	assert.ErrorContains(t, err, "rooms schedule")

	_, err = New(rooms, q, Config{QueueSchedule: "* * *"}, log)
	assert.ErrorContains(t, err, "queue schedule")
}

func TestSweep_LogsResults(t *testing.T) {
	log, hook := testutil.NewLogger()
	rooms := &countingJob{result: 3}
	q := &countingJob{err: errors.New("redis down")}

	s, err := New(rooms, q, Config{}, log)
	require.NoError(t, err)

	assert.Equal(t, 3, s.SweepRooms(context.Background()))
	assert.Equal(t, 0, s.SweepQueue(context.Background()))

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, logrus.InfoLevel, entries[0].Level)
	assert.Equal(t, 3, entries[0].Data["removed"])
	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
	assert.Equal(t, "queue", entries[1].Data["job"])
}

func TestRun_FiresUntilCancelled(t *testing.T) {
	log, _ := testutil.NewLogger()
	rooms, q := &countingJob{}, &countingJob{}
	s, err := New(rooms, q, Config{RoomsSchedule: "@every 1s", QueueSchedule: "@every 1s"}, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return rooms.calls.Load() > 0 && q.calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
