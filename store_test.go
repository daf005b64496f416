package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*EventStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := OpenEventStore(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestEventStoreRecordAndRecent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := t.Context()

	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	var alerts []*Alert
	for i := 0; i < 3; i++ {
		a := newTestAlert()
		a.Timestamp = base.Add(time.Duration(i) * time.Minute)
		a.Frame.Seq = uint64(100 + i)
		a.SnapshotPath = filepath.Join("/snap", a.Timestamp.Format(snapshotLayout)+".jpg")
		require.NoError(t, s.Record(ctx, a))
		alerts = append(alerts, a)
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)

	var want []EventRecord
	for _, a := range []*Alert{alerts[2], alerts[1]} {
		want = append(want, EventRecord{
			ID:           a.ID.String(),
			OccurredAt:   a.Timestamp,
			Region:       a.Region,
			FrameSeq:     a.Frame.Seq,
			SnapshotPath: a.SnapshotPath,
		})
	}
	// Stored times come back in the local zone; compare instants.
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("Recent() mismatch (-want +got):\n%s", diff)
	}
}

func TestEventStoreReportStoresText(t *testing.T) {
	s, _ := openTestStore(t)

	a := newTestAlert()
	a.Text = "DELIVERY"
	require.NoError(t, s.Report(t.Context(), a))

	got, err := s.Recent(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "DELIVERY", got[0].Text)
	assert.Equal(t, "event_store", s.Name())
}

func TestEventStoreDuplicateID(t *testing.T) {
	s, _ := openTestStore(t)

	a := newTestAlert()
	require.NoError(t, s.Record(t.Context(), a))
	assert.Error(t, s.Record(t.Context(), a))
}

func TestEventStoreReopen(t *testing.T) {
	s, path := openTestStore(t)

	a := newTestAlert()
	a.ID = uuid.MustParse("6f1c2a4e-0d6b-4d8e-9a57-2f4c1b7e9d10")
	require.NoError(t, s.Record(t.Context(), a))
	require.NoError(t, s.Close())

	// Migrations are already applied; opening again must not fail.
	s2, err := OpenEventStore(path, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Recent(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "6f1c2a4e-0d6b-4d8e-9a57-2f4c1b7e9d10", got[0].ID)
}
