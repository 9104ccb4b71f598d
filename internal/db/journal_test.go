package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muco-project/muco-relay/internal/events"
	"github.com/muco-project/muco-relay/internal/protocol"
)

func newTestJournal(t *testing.T) (*Journal, *events.EventBus) {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "data", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	j.Subscribe(bus)
	return j, bus
}

func emit(t *testing.T, bus *events.EventBus, typ events.EventType, at time.Time, payload interface{}) {
	t.Helper()
	require.NoError(t, bus.EmitSync(context.Background(), events.Event{Type: typ, Time: at, Payload: payload}))
}

func TestJournal_RecordsRunsAndSessions(t *testing.T) {
	j, bus := newTestJournal(t)
	assert.NotEmpty(t, j.InstanceID())

	t0 := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	emit(t, bus, events.EventRelayStarted, t0, events.RelayStartedPayload{Port: 4960, Transport: "tcp", Mode: "inline"})
	emit(t, bus, events.EventUserJoined, t0.Add(time.Second), events.UserJoinedPayload{
		Identity: 1, RemoteAddr: "10.0.0.2:5000", ConnectedAt: t0.Add(time.Second),
	})
	emit(t, bus, events.EventDeviceInfo, t0.Add(2*time.Second), events.DeviceInfoPayload{
		Identity: 1,
		Info:     protocol.DeviceInfo{DeviceModel: "Quest 3", BatteryStatus: protocol.BatteryStatusCharging},
	})
	emit(t, bus, events.EventUserLeft, t0.Add(time.Minute), events.UserLeftPayload{Identity: 1, Duration: 59})
	emit(t, bus, events.EventRelayStopped, t0.Add(2*time.Minute), events.RelayStoppedPayload{Port: 4960})

	runs, err := j.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 4960, runs[0].Port)
	assert.Equal(t, "tcp", runs[0].Transport)
	assert.True(t, runs[0].StartedAt.Equal(t0))
	require.NotNil(t, runs[0].StoppedAt)
	assert.True(t, runs[0].StoppedAt.Equal(t0.Add(2*time.Minute)))

	sessions, err := j.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, 1, s.Identity)
	assert.Equal(t, "10.0.0.2:5000", s.RemoteAddr)
	assert.Equal(t, "Quest 3", s.Device)
	assert.Equal(t, 59.0, s.Duration)
	require.NotNil(t, s.JoinedAt)
	require.NotNil(t, s.LeftAt)
}

func TestJournal_LeaveBeforeJoin(t *testing.T) {
	j, bus := newTestJournal(t)

	now := time.Now()
	emit(t, bus, events.EventUserLeft, now, events.UserLeftPayload{Identity: 7, Duration: 3})
	emit(t, bus, events.EventUserJoined, now.Add(-3*time.Second), events.UserJoinedPayload{Identity: 7, RemoteAddr: "10.0.0.9:1"})

	sessions, err := j.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "10.0.0.9:1", sessions[0].RemoteAddr)
	assert.NotNil(t, sessions[0].JoinedAt)
	assert.NotNil(t, sessions[0].LeftAt)
	assert.Equal(t, 3.0, sessions[0].Duration)
}

func TestJournal_RejectsWrongPayload(t *testing.T) {
	_, bus := newTestJournal(t)
	err := bus.EmitSync(context.Background(), events.Event{Type: events.EventUserJoined, Payload: "bogus"})
	assert.Error(t, err)
}

func TestJournal_Prune(t *testing.T) {
	j, bus := newTestJournal(t)

	old := time.Now().Add(-40 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	emit(t, bus, events.EventRelayStarted, old, events.RelayStartedPayload{Port: 1})
	emit(t, bus, events.EventUserJoined, old, events.UserJoinedPayload{Identity: 1, ConnectedAt: old})
	emit(t, bus, events.EventUserLeft, old.Add(time.Minute), events.UserLeftPayload{Identity: 1})
	emit(t, bus, events.EventExperienceLoaded, old, events.ExperienceLoadedPayload{Experience: "Old", Recipients: 1})
	emit(t, bus, events.EventRelayStopped, old.Add(time.Hour), events.RelayStoppedPayload{Port: 1})

	// Still open: kept regardless of age.
	emit(t, bus, events.EventUserJoined, old, events.UserJoinedPayload{Identity: 2, ConnectedAt: old})
	emit(t, bus, events.EventUserJoined, recent, events.UserJoinedPayload{Identity: 3, ConnectedAt: recent})

	removed, err := j.Prune(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	sessions, err := j.RecentSessions(10)
	require.NoError(t, err)
	ids := make([]int, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.Identity)
	}
	assert.Equal(t, []int{3, 2}, ids)

	runs, err := j.RecentRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestDatabase_Transaction(t *testing.T) {
	d, err := NewDatabase(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	err = d.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv VALUES ('a', '1')`); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	var n int
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Zero(t, n)
}
