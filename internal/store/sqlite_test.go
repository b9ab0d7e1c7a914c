package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/errly-io/errly/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "errly.db")

	db, err := Connect(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, RunMigrations(db))
	return NewSQLiteStore(db)
}

func occ(service, message string) models.Occurrence {
	return models.Occurrence{
		Service:  service,
		Message:  message,
		Severity: models.SeverityWarn,
		RawLog:   message,
		Source:   models.SourceDirect,
	}
}

func TestUpsertOccurrence_FirstSightingIsNew(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	g, isNew, err := s.UpsertOccurrence(context.Background(), occ("api", "boom"), now)
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, 1, g.OccurrenceCount)
	require.Equal(t, models.StatusNew, g.Status)
	require.Equal(t, g.FirstSeenAt, g.LastSeenAt)
}

func TestUpsertOccurrence_RecurrenceIncrementsCount(t *testing.T) {
	// Property 3: after N calls with identical fingerprint, occurrence == N.
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	first, _, err := s.UpsertOccurrence(ctx, occ("api", "boom"), base)
	require.NoError(t, err)

	var last *models.ErrorGroup
	for i := 1; i <= 4; i++ {
		g, isNew, err := s.UpsertOccurrence(ctx, occ("api", "boom"), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.False(t, isNew)
		last = g
	}

	require.Equal(t, 5, last.OccurrenceCount)
	require.Equal(t, first.FirstSeenAt, last.FirstSeenAt)
}

func TestUpsertOccurrence_SeverityEscalatesNeverDowngrades(t *testing.T) {
	// S3
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	o := occ("api", "boom")
	o.Severity = models.SeverityWarn
	_, _, err := s.UpsertOccurrence(ctx, o, base)
	require.NoError(t, err)

	o.Severity = models.SeverityError
	g, _, err := s.UpsertOccurrence(ctx, o, base.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, models.SeverityError, g.Severity)

	o.Severity = models.SeverityWarn
	g, _, err = s.UpsertOccurrence(ctx, o, base.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, models.SeverityError, g.Severity)
	require.Equal(t, 3, g.OccurrenceCount)
}

func TestUpsertOccurrence_ResolvedRevertsToNewOnRecurrence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	g, _, err := s.UpsertOccurrence(ctx, occ("api", "boom"), base)
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, g.ID, models.StatusResolved, base.Add(time.Second))
	require.NoError(t, err)

	g2, isNew, err := s.UpsertOccurrence(ctx, occ("api", "boom"), base.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, models.StatusNew, g2.Status)
}

func TestUpsertOccurrence_InvestigatingStatusPreserved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	g, _, err := s.UpsertOccurrence(ctx, occ("api", "boom"), base)
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, g.ID, models.StatusInvestigating, base.Add(time.Second))
	require.NoError(t, err)

	g2, _, err := s.UpsertOccurrence(ctx, occ("api", "boom"), base.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, models.StatusInvestigating, g2.Status)
}

func TestListErrorGroups_FiltersByService(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, _, err := s.UpsertOccurrence(ctx, occ("api", "boom"), now)
	require.NoError(t, err)
	_, _, err = s.UpsertOccurrence(ctx, occ("worker", "bang"), now)
	require.NoError(t, err)

	groups, total, err := s.ListErrorGroups(ctx, ListFilter{Service: "api"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, groups, 1)
	require.Equal(t, "api", groups[0].Service)
}

func TestListErrorGroups_QueryEscapesWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, _, err := s.UpsertOccurrence(ctx, occ("api", "100% failure_rate"), now)
	require.NoError(t, err)

	groups, _, err := s.ListErrorGroups(ctx, ListFilter{Query: "100% failure_rate"})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	groups, _, err = s.ListErrorGroups(ctx, ListFilter{Query: "100_ failure"})
	require.NoError(t, err)
	require.Len(t, groups, 0)
}

func TestDeleteByRetention_ReturnsDeletedIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-10 * 24 * time.Hour)

	g, _, err := s.UpsertOccurrence(ctx, occ("api", "old error"), old)
	require.NoError(t, err)

	ids, err := s.DeleteByRetention(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{g.ID}, ids)

	_, err = s.GetErrorGroup(ctx, g.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSettings_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSetting(ctx, "retentionDays", "14"))
	v, ok, err := s.GetSetting(ctx, "retentionDays")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "14", v)

	require.NoError(t, s.SetSetting(ctx, "retentionDays", "30"))
	v, _, err = s.GetSetting(ctx, "retentionDays")
	require.NoError(t, err)
	require.Equal(t, "30", v)
}

func TestSessions_ExpirySweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "abc", ExpiresAt: now.Add(-time.Minute).UnixMilli()}))
	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "def", ExpiresAt: now.Add(time.Hour).UnixMilli()}))

	require.NoError(t, s.DeleteExpiredSessions(ctx, now))

	_, err := s.GetSession(ctx, "abc")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetSession(ctx, "def")
	require.NoError(t, err)
}

func TestSessionValid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "alive", ExpiresAt: now.Add(time.Hour).UnixMilli()}))
	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "dead", ExpiresAt: now.Add(-time.Hour).UnixMilli()}))

	valid, err := s.SessionValid(ctx, "alive")
	require.NoError(t, err)
	require.True(t, valid)

	valid, err = s.SessionValid(ctx, "dead")
	require.NoError(t, err)
	require.False(t, valid)

	valid, err = s.SessionValid(ctx, "missing")
	require.NoError(t, err)
	require.False(t, valid)
}
