package audit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_AppendRequiresActorAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo(), nil)

	assert.ErrorIs(t, svc.Append(context.Background(), Event{Type: EventTypeHistoryViewed}), ErrInvalidEvent)
	assert.ErrorIs(t, svc.Append(context.Background(), Event{ActorUserID: "u"}), ErrInvalidEvent)
}

func TestService_LogHistoryViewed(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	svc.clock = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	svc.LogHistoryViewed(context.Background(), Actor{UserID: "root", Role: "admin", IP: "1.2.3.4"}, "bob")

	evs := repo.Events()
	require.Len(t, evs, 1)
	e := evs[0]
	assert.Equal(t, EventTypeHistoryViewed, e.Type)
	assert.Equal(t, "bob", e.SubjectUserID)
	assert.Equal(t, "1.2.3.4", e.IPAddress)
	assert.NotEmpty(t, e.ID)
	assert.True(t, e.CreatedAt.Equal(svc.clock()))
}

func TestService_LogSessionReleasedNamesCall(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)

	svc.LogSessionReleased(context.Background(), Actor{UserID: "alice"}, "")
	svc.LogSessionReleased(context.Background(), Actor{UserID: "alice"}, "call_1")

	evs := repo.Events()
	require.Len(t, evs, 2)
	assert.Empty(t, evs[0].CallID)
	assert.Equal(t, "session released", evs[0].Message)
	assert.Equal(t, "call_1", evs[1].CallID)
	assert.Equal(t, "session released during call", evs[1].Message)
}

func TestService_BestEffortSwallowsRepoErrors(t *testing.T) {
	svc := NewService(nil, nil)
	assert.NotPanics(t, func() {
		svc.LogHistoryViewed(context.Background(), Actor{UserID: "root"}, "bob")
	})
}

func TestPostgresRepo_MigrateAndAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_events")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS audit_events_actor_idx")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	require.NoError(t, repo.Migrate(context.Background()))

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs("ev1", "history_viewed", "root", "admin", "", "bob", "", "call history viewed", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	err = repo.Append(context.Background(), Event{
		ID: "ev1", Type: EventTypeHistoryViewed, ActorUserID: "root", ActorRole: "admin",
		SubjectUserID: "bob", Message: "call history viewed", CreatedAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryRepo_FiltersByType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	svc.LogHistoryViewed(context.Background(), Actor{UserID: "root"}, "bob")
	svc.LogSessionReleased(context.Background(), Actor{UserID: "alice"}, "")

	assert.Len(t, repo.Events(), 2)
	got := repo.Events(EventTypeSessionReleased)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].ActorUserID)
}
