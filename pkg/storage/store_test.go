package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dougsko/nexrigd/pkg/protection"
	"github.com/dougsko/nexrigd/pkg/rf"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxFaults int) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "nexrigd.db"), maxFaults)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStore(t *testing.T) {
	t.Run("Nested Directory", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
		store, err := NewStore(dbPath, 100)
		require.NoError(t, err)
		defer store.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
		assert.Equal(t, dbPath, store.Path())
	})

	t.Run("Tables And Indexes", func(t *testing.T) {
		store := newTestStore(t, 100)
		for _, name := range []string{"snapshots", "faults", "fault_stats", "idx_faults_timestamp", "idx_faults_kind"} {
			var count int
			require.NoError(t, store.db.QueryRow(
				"SELECT COUNT(*) FROM sqlite_master WHERE name = ?", name).Scan(&count))
			assert.Equal(t, 1, count, name)
		}
	})

	t.Run("Reopen Keeps Data", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "reopen.db")
		store, err := NewStore(dbPath, 100)
		require.NoError(t, err)
		require.NoError(t, store.SaveSnapshot(Snapshot{
			Name: "ft8", Band: rf.Band20m, FrequencyHz: 14074000, Antenna: rf.Antenna1, Mode: rf.ModeRX,
		}))
		require.NoError(t, store.Close())

		store, err = NewStore(dbPath, 100)
		require.NoError(t, err)
		defer store.Close()
		snap, err := store.GetSnapshot("ft8")
		require.NoError(t, err)
		assert.Equal(t, uint32(14074000), snap.FrequencyHz)
	})
}

func TestSnapshots(t *testing.T) {
	store := newTestStore(t, 100)

	snap := Snapshot{
		Name:         "40m-ssb",
		Band:         rf.Band40m,
		FrequencyHz:  7150000,
		Antenna:      rf.Antenna2,
		Mode:         rf.ModeRX,
		TargetPowerW: 50,
	}

	t.Run("Save And Load", func(t *testing.T) {
		require.NoError(t, store.SaveSnapshot(snap))

		got, err := store.GetSnapshot("40m-ssb")
		require.NoError(t, err)
		assert.Equal(t, rf.Band40m, got.Band)
		assert.Equal(t, uint32(7150000), got.FrequencyHz)
		assert.Equal(t, rf.Antenna2, got.Antenna)
		assert.Equal(t, rf.ModeRX, got.Mode)
		assert.Equal(t, 50.0, got.TargetPowerW)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("Upsert", func(t *testing.T) {
		updated := snap
		updated.FrequencyHz = 7200000
		require.NoError(t, store.SaveSnapshot(updated))

		got, err := store.GetSnapshot("40m-ssb")
		require.NoError(t, err)
		assert.Equal(t, uint32(7200000), got.FrequencyHz)

		all, err := store.ListSnapshots()
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("Validation", func(t *testing.T) {
		bad := snap
		bad.FrequencyHz = 5000000
		err := store.SaveSnapshot(bad)
		assert.True(t, errors.Is(err, rf.ErrOutOfBand))

		bad = snap
		bad.Name = " "
		assert.True(t, errors.Is(store.SaveSnapshot(bad), rf.ErrConfiguration))

		bad = snap
		bad.Antenna = 7
		assert.True(t, errors.Is(store.SaveSnapshot(bad), rf.ErrConfiguration))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.DeleteSnapshot("40m-ssb"))

		_, err := store.GetSnapshot("40m-ssb")
		assert.True(t, errors.Is(err, ErrSnapshotNotFound))
		assert.True(t, errors.Is(store.DeleteSnapshot("40m-ssb"), ErrSnapshotNotFound))
	})
}

func fault(kind protection.FaultKind, severity protection.Severity, at time.Time) protection.FaultRecord {
	return protection.FaultRecord{
		ID:            uuid.NewString(),
		Kind:          kind,
		Severity:      severity,
		MeasuredValue: 110,
		LimitValue:    100,
		Timestamp:     at,
	}
}

func TestFaultLog(t *testing.T) {
	store := newTestStore(t, 3)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	records := []protection.FaultRecord{
		fault(protection.FaultOverPower, protection.SeverityWarning, base),
		fault(protection.FaultOverPower, protection.SeverityThrottle, base.Add(time.Second)),
		fault(protection.FaultHighSWR, protection.SeverityThrottle, base.Add(2*time.Second)),
		fault(protection.FaultOverTemperature, protection.SeverityEmergency, base.Add(3*time.Second)),
	}
	for _, r := range records {
		require.NoError(t, store.StoreFault(r))
	}

	t.Run("Bounded Newest First", func(t *testing.T) {
		got, err := store.GetRecentFaults(10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, records[3].ID, got[0].ID)
		assert.Equal(t, protection.FaultOverTemperature, got[0].Kind)
		assert.Equal(t, protection.SeverityEmergency, got[0].Severity)
		assert.True(t, got[0].Timestamp.Equal(records[3].Timestamp))
	})

	t.Run("Filters", func(t *testing.T) {
		got, err := store.GetFaults(FaultQuery{Severity: "throttle"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = store.GetFaults(FaultQuery{Kind: "high_swr"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, records[2].ID, got[0].ID)

		since := base.Add(2 * time.Second)
		got, err = store.GetFaults(FaultQuery{Since: &since})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("Duplicate IDs Ignored", func(t *testing.T) {
		require.NoError(t, store.StoreFault(records[3]))
		got, err := store.GetFaults(FaultQuery{Kind: "over_temperature"})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := store.GetFaultStats()
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Stored)
		assert.Equal(t, 5, stats.TotalFaults)
		assert.Equal(t, 2, stats.TotalEmergencies)
		assert.False(t, stats.LastCleanup.IsZero())
	})

	t.Run("Clear", func(t *testing.T) {
		n, err := store.ClearFaults()
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		got, err := store.GetRecentFaults(10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestFaultRecorder(t *testing.T) {
	store := newTestStore(t, 100)
	rec := NewFaultRecorder(store, 4)

	// Not running yet: the buffer fills and the rest are dropped
	for i := 0; i < 6; i++ {
		rec.RecordFault(fault(protection.FaultOverPower, protection.SeverityWarning, time.Now()))
	}
	assert.Equal(t, uint64(2), rec.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx)

	// Buffered records are written once Run starts
	require.Eventually(t, func() bool { return rec.Written() == 4 }, 2*time.Second, 5*time.Millisecond)

	rec.RecordFault(fault(protection.FaultHighSWR, protection.SeverityThrottle, time.Now()))
	require.Eventually(t, func() bool { return rec.Written() == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), rec.Dropped())

	cancel()
	select {
	case <-rec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}

	got, err := store.GetRecentFaults(0)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}
