package storage_test

import (
	"context"
	"fmt"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/testutil"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(a, b string, createdAt time.Time) *models.Session {
	return &models.Session{
		UserAID:   a,
		UserBID:   b,
		Kind:      models.KindText,
		IsActive:  true,
		CreatedAt: createdAt,
		FilterA:   models.Filters{PreferredGender: models.GenderFemale, SameCity: true},
		FilterB:   models.Filters{PreferredGender: models.GenderAny},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	// Arrange
	s, _ := testutil.NewStorage(t)
	ctx := context.Background()
	sess := newSession("101", "202", time.Now().UTC())

	// Act
	require.NoError(t, s.CreateSession(ctx, sess))
	got, err := s.GetSession(ctx, sess.ID)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "101", got.UserAID)
	assert.True(t, got.IsActive)
	assert.Equal(t, sess.FilterA, got.FilterA, "filter snapshot survives storage")
	assert.Nil(t, got.EndedAt)
}

func TestGetSession_NotFound(t *testing.T) {
	s, _ := testutil.NewStorage(t)

	_, err := s.GetSession(context.Background(), "missing")

	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCloseSession_OnlyOnce(t *testing.T) {
	s, _ := testutil.NewStorage(t)
	ctx := context.Background()
	sess := newSession("101", "202", time.Now().UTC())
	require.NoError(t, s.CreateSession(ctx, sess))

	first, err := s.CloseSession(ctx, sess.ID, time.Now().UTC(), 3, 5)
	require.NoError(t, err)
	second, err := s.CloseSession(ctx, sess.ID, time.Now().UTC(), 9, 9)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second, "a closed session is never closed again")
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, 3, got.MessageCountA)
	assert.Equal(t, 5, got.MessageCountB)
}

func TestActiveSessionForUser(t *testing.T) {
	s, _ := testutil.NewStorage(t)
	ctx := context.Background()
	old := newSession("101", "202", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, s.CreateSession(ctx, old))
	_, err := s.CloseSession(ctx, old.ID, time.Now().UTC(), 0, 0)
	require.NoError(t, err)
	current := newSession("303", "101", time.Now().UTC())
	require.NoError(t, s.CreateSession(ctx, current))

	got, err := s.ActiveSessionForUser(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, current.ID, got.ID)

	_, err = s.ActiveSessionForUser(ctx, "202")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLastSessionBetween_EitherOrder(t *testing.T) {
	s, _ := testutil.NewStorage(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-3 * time.Hour)
	older := newSession("101", "202", base)
	newer := newSession("202", "101", base.Add(time.Hour))
	other := newSession("101", "303", base.Add(2*time.Hour))
	for _, sess := range []*models.Session{older, newer, other} {
		require.NoError(t, s.CreateSession(ctx, sess))
	}

	got, err := s.LastSessionBetween(ctx, "101", "202")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)

	none, err := s.LastSessionBetween(ctx, "202", "303")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestUpdateSessionFields_UnknownSession(t *testing.T) {
	s, _ := testutil.NewStorage(t)

	err := s.UpdateSessionFields(context.Background(), "missing", map[string]any{"privacy_a": true})

	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUserSessionPointer(t *testing.T) {
	s, mr := testutil.NewStorage(t)
	ctx := context.Background()

	ok, err := s.ReserveUserSession(ctx, "301", "s1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReserveUserSession(ctx, "301", "s2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "an existing pointer is never overwritten")

	id, pending, err := s.UserSessionID(ctx, "301")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
	assert.True(t, pending)

	confirmed, err := s.ConfirmUserSession(ctx, "301", "s2", time.Hour)
	require.NoError(t, err)
	assert.False(t, confirmed, "only the owner confirms")

	confirmed, err = s.ConfirmUserSession(ctx, "301", "s1", time.Hour)
	require.NoError(t, err)
	assert.True(t, confirmed)
	assert.Equal(t, time.Hour, mr.TTL("session:user:301"))

	id, pending, err = s.UserSessionID(ctx, "301")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
	assert.False(t, pending)

	released, err := s.ReleaseUserSession(ctx, "301", "s2")
	require.NoError(t, err)
	assert.False(t, released, "releasing someone else's session leaves the pointer")

	released, err = s.ReleaseUserSession(ctx, "301", "s1")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("session:user:301"))

	id, _, err = s.UserSessionID(ctx, "301")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestUserSessionPointer_PendingReservationLapses(t *testing.T) {
	s, mr := testutil.NewStorage(t)
	ctx := context.Background()

	_, err := s.ReserveUserSession(ctx, "301", "s1", 30*time.Second)
	require.NoError(t, err)
	mr.FastForward(31 * time.Second)

	ok, err := s.CacheUserSession(ctx, "301", "s9", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	released, err := s.ReleaseUserSession(ctx, "301", "s1")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestMessageCounters(t *testing.T) {
	s, mr := testutil.NewStorage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.IncrMessageCount(ctx, "s1", "101", time.Hour)
		require.NoError(t, err)
	}
	n, err := s.IncrMessageCount(ctx, "s1", "202", time.Hour)
	require.NoError(t, err)

	counts, err := s.MessageCounts(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, map[string]int64{"101": 3, "202": 1}, counts)
	assert.Greater(t, mr.TTL("session:s1:counts"), time.Duration(0))
}

func TestMessageRefs_BoundedAndOrdered(t *testing.T) {
	s, mr := testutil.NewStorage(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.PushMessageRef(ctx, "s1", "101", fmt.Sprintf("m%d", i), 3, 48*time.Hour))
	}

	refs, err := s.MessageRefs(ctx, "s1", "101")
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4", "m5"}, refs, "only the newest refs are kept, oldest first")
	assert.Equal(t, 48*time.Hour, mr.TTL("session:s1:refs:101"))

	require.NoError(t, s.ClearMessageRefs(ctx, "s1", "101"))
	refs, err = s.MessageRefs(ctx, "s1", "101")
	require.NoError(t, err)
	assert.Empty(t, refs)
}
