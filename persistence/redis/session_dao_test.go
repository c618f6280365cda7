package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/docrelay/docrelay/model"
	"github.com/docrelay/docrelay/persistence"
	"github.com/docrelay/docrelay/util"
	rd "github.com/go-redis/redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestDao(t *testing.T) *redisSessionDao {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedisSessionDao(Config{Addrs: []string{mr.Addr()}, Namespace: "test"},
		util.NewJsonEncoderDecoder[model.WorkflowSession]())
}

func sampleSession(id string) *model.WorkflowSession {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &model.WorkflowSession{
		Id:          id,
		DocumentRef: "doc-1",
		Status:      model.SESSION_ACTIVE,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(48 * time.Hour),
		Recipients: []model.Recipient{
			{Id: id + "-r0", SessionId: id, OrderIndex: 0, Type: model.RECIPIENT_TYPE_PRESCRIBER, Email: "a@example.com", AccessToken: id + "-tok0", Status: model.RECIPIENT_NOTIFIED},
			{Id: id + "-r1", SessionId: id, OrderIndex: 1, Type: model.RECIPIENT_TYPE_PATIENT, Email: "b@example.com", AccessToken: id + "-tok1", Status: model.RECIPIENT_PENDING},
		},
	}
}

func TestSessionDaoCreateAndGet(t *testing.T) {
	dao := newTestDao(t)
	ctx := context.Background()
	require.NoError(t, dao.CreateSession(ctx, sampleSession("s1")))

	got, err := dao.GetById(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.Id)
	require.Len(t, got.Recipients, 2)

	_, err = dao.GetById(ctx, "missing")
	require.IsType(t, persistence.NotFoundError{}, err)

	session, recipient, err := dao.GetByToken(ctx, "s1-tok1")
	require.NoError(t, err)
	require.Equal(t, "s1", session.Id)
	require.Equal(t, "s1-r1", recipient.Id)
}

func TestSessionDaoReleasesClaimsOnFailedCreate(t *testing.T) {
	dao := newTestDao(t)
	ctx := context.Background()
	require.NoError(t, dao.CreateSession(ctx, sampleSession("s1")))

	// The second session claims a fresh token first, then collides with a
	// token already owned by s1.
	dup := sampleSession("s2")
	dup.Recipients[1].AccessToken = "s1-tok0"
	err := dao.CreateSession(ctx, dup)
	require.IsType(t, persistence.StorageLayerError{}, err)

	// The fresh claim was given back, not stranded.
	err = dao.redisClient.Get(ctx, dao.tokenKey("s2-tok0")).Err()
	require.True(t, errors.Is(err, rd.Nil))
	_, _, err = dao.GetByToken(ctx, "s2-tok0")
	require.IsType(t, persistence.NotFoundError{}, err)

	// The colliding token still belongs to s1.
	session, _, err := dao.GetByToken(ctx, "s1-tok0")
	require.NoError(t, err)
	require.Equal(t, "s1", session.Id)
}

func TestSessionDaoConditionalRecipient(t *testing.T) {
	dao := newTestDao(t)
	ctx := context.Background()
	require.NoError(t, dao.CreateSession(ctx, sampleSession("s1")))

	completedAt := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	updated, err := dao.UpdateRecipient(ctx, "s1", "s1-r0",
		[]model.RecipientStatus{model.RECIPIENT_NOTIFIED},
		persistence.RecipientUpdate{
			Status:      model.RECIPIENT_COMPLETED,
			FormData:    map[string]any{"ok": true},
			CompletedAt: &completedAt,
		})
	require.NoError(t, err)
	require.Equal(t, model.RECIPIENT_COMPLETED, updated.RecipientById("s1-r0").Status)

	_, err = dao.UpdateRecipient(ctx, "s1", "s1-r0",
		[]model.RecipientStatus{model.RECIPIENT_NOTIFIED},
		persistence.RecipientUpdate{Status: model.RECIPIENT_COMPLETED})
	var cf persistence.ConditionFailedError
	require.ErrorAs(t, err, &cf)
	require.Equal(t, string(model.RECIPIENT_COMPLETED), cf.Actual)
}

func TestSessionDaoKeepsTerminalRecipient(t *testing.T) {
	dao := newTestDao(t)
	ctx := context.Background()
	require.NoError(t, dao.CreateSession(ctx, sampleSession("s1")))

	completedAt := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	_, err := dao.UpdateRecipient(ctx, "s1", "s1-r0",
		[]model.RecipientStatus{model.RECIPIENT_NOTIFIED},
		persistence.RecipientUpdate{
			Status:      model.RECIPIENT_COMPLETED,
			CompletedAt: &completedAt,
		})
	require.NoError(t, err)

	// A status map computed from a stale read cannot rewrite the completed
	// step.
	updated, err := dao.UpdateSessionStatus(ctx, "s1", model.SESSION_ACTIVE, model.SESSION_EXPIRED,
		map[string]model.RecipientStatus{
			"s1-r0": model.RECIPIENT_EXPIRED,
			"s1-r1": model.RECIPIENT_EXPIRED,
		})
	require.NoError(t, err)
	require.Equal(t, model.SESSION_EXPIRED, updated.Status)
	require.Equal(t, model.RECIPIENT_COMPLETED, updated.RecipientById("s1-r0").Status)
	require.Equal(t, model.RECIPIENT_EXPIRED, updated.RecipientById("s1-r1").Status)
}

func TestSessionDaoScanTracksStatusIndex(t *testing.T) {
	dao := newTestDao(t)
	ctx := context.Background()
	require.NoError(t, dao.CreateSession(ctx, sampleSession("s1")))
	require.NoError(t, dao.CreateSession(ctx, sampleSession("s2")))

	_, err := dao.UpdateSessionStatus(ctx, "s2", model.SESSION_ACTIVE, model.SESSION_EXPIRED, nil)
	require.NoError(t, err)

	collect := func(statuses []model.SessionStatus) map[string]bool {
		seen := make(map[string]bool)
		err := dao.ScanByStatus(ctx, statuses, 100, func(s *model.WorkflowSession) error {
			seen[s.Id] = true
			return nil
		})
		require.NoError(t, err)
		return seen
	}

	require.Equal(t, map[string]bool{"s1": true}, collect([]model.SessionStatus{model.SESSION_ACTIVE}))
	require.Equal(t, map[string]bool{"s2": true}, collect([]model.SessionStatus{model.SESSION_EXPIRED, model.SESSION_CANCELLED}))
}
