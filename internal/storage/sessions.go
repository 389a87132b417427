package storage

import (
	"context"
	"errors"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func userSessionKey(userID string) string { return "session:user:" + userID }
func countsKey(sessionID string) string   { return "session:" + sessionID + ":counts" }
func refsKey(sessionID, userID string) string {
	return "session:" + sessionID + ":refs:" + userID
}

// pendingPrefix marks a pointer reserved by a session that is not persisted yet.
const pendingPrefix = "pending:"

// releaseScript deletes the pointer only while it still names the given
// session (pending or confirmed), so a late cleanup never removes a newer
// session's pointer.
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] or cur == 'pending:' .. ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// confirmScript turns our own pending reservation into the real pointer.
var confirmScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == 'pending:' .. ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// CreateSession inserts the durable row.
func (s *Service) CreateSession(ctx context.Context, sess *models.Session) error {
	if err := s.DB.WithContext(ctx).Create(sess).Error; err != nil {
		return apperr.Transient("create session", err)
	}
	return nil
}

func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&sess).Error; err != nil {
		return nil, dbErr("session "+id, err)
	}
	return &sess, nil
}

// ActiveSessionForUser returns the user's active session or an ErrNotFound error.
func (s *Service) ActiveSessionForUser(ctx context.Context, userID string) (*models.Session, error) {
	var sess models.Session
	err := s.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Order("created_at DESC").
		First(&sess).Error
	if err != nil {
		return nil, dbErr("active session for "+userID, err)
	}
	return &sess, nil
}

// CloseSession flips is_active once. The boolean is false when the session was
// already closed (or never existed), which makes ending idempotent.
func (s *Service) CloseSession(ctx context.Context, id string, endedAt time.Time, countA, countB int) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]any{
			"is_active":       false,
			"ended_at":        endedAt,
			"message_count_a": countA,
			"message_count_b": countB,
		})
	if res.Error != nil {
		return false, apperr.Transient("close session", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Service) UpdateSessionFields(ctx context.Context, id string, fields map[string]any) error {
	res := s.DB.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return apperr.Transient("update session", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("session %s", id)
	}
	return nil
}

// LastSessionBetween returns the most recent session shared by the pair, in
// either order, or nil when they never met.
func (s *Service) LastSessionBetween(ctx context.Context, userA, userB string) (*models.Session, error) {
	var sess models.Session
	err := s.DB.WithContext(ctx).
		Where("(user_a_id = ? AND user_b_id = ?) OR (user_a_id = ? AND user_b_id = ?)", userA, userB, userB, userA).
		Order("created_at DESC").
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient("session history", err)
	}
	return &sess, nil
}

// ReserveUserSession places a pending pointer for sessionID if the user has
// none. The reservation lapses after hold unless confirmed.
func (s *Service) ReserveUserSession(ctx context.Context, userID, sessionID string, hold time.Duration) (bool, error) {
	ok, err := s.Redis.SetNX(ctx, userSessionKey(userID), pendingPrefix+sessionID, hold).Result()
	if err != nil {
		return false, apperr.Transient("reserve session pointer", err)
	}
	return ok, nil
}

// ConfirmUserSession promotes the pending reservation once the session row exists.
func (s *Service) ConfirmUserSession(ctx context.Context, userID, sessionID string, ttl time.Duration) (bool, error) {
	n, err := confirmScript.Run(ctx, s.Redis, []string{userSessionKey(userID)}, sessionID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, apperr.Transient("confirm session pointer", err)
	}
	return n == 1, nil
}

// CacheUserSession restores a confirmed pointer, e.g. after Redis lost it.
func (s *Service) CacheUserSession(ctx context.Context, userID, sessionID string, ttl time.Duration) (bool, error) {
	ok, err := s.Redis.SetNX(ctx, userSessionKey(userID), sessionID, ttl).Result()
	if err != nil {
		return false, apperr.Transient("cache session pointer", err)
	}
	return ok, nil
}

// UserSessionID returns the pointed-to session id, "" when there is none, and
// whether the pointer is still a pending reservation.
func (s *Service) UserSessionID(ctx context.Context, userID string) (string, bool, error) {
	v, err := s.Redis.Get(ctx, userSessionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Transient("read session pointer", err)
	}
	if id, ok := strings.CutPrefix(v, pendingPrefix); ok {
		return id, true, nil
	}
	return v, false, nil
}

func (s *Service) ReleaseUserSession(ctx context.Context, userID, sessionID string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.Redis, []string{userSessionKey(userID)}, sessionID).Int()
	if err != nil {
		return false, apperr.Transient("release session pointer", err)
	}
	return n == 1, nil
}

func (s *Service) IncrMessageCount(ctx context.Context, sessionID, userID string, ttl time.Duration) (int64, error) {
	key := countsKey(sessionID)
	var incr *redis.IntCmd
	_, err := s.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.HIncrBy(ctx, key, userID, 1)
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, apperr.Transient("count message", err)
	}
	return incr.Val(), nil
}

func (s *Service) MessageCounts(ctx context.Context, sessionID string) (map[string]int64, error) {
	raw, err := s.Redis.HGetAll(ctx, countsKey(sessionID)).Result()
	if err != nil {
		return nil, apperr.Transient("read message counts", err)
	}
	counts := make(map[string]int64, len(raw))
	for user, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counts[user] = n
	}
	return counts, nil
}

// PushMessageRef prepends ref and trims the list to the newest limit entries.
func (s *Service) PushMessageRef(ctx context.Context, sessionID, userID, ref string, limit int, ttl time.Duration) error {
	key := refsKey(sessionID, userID)
	_, err := s.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, ref)
		p.LTrim(ctx, key, 0, int64(limit-1))
		p.Expire(ctx, key, ttl)
		return nil
	})
	return redisErr("push message ref", err)
}

// MessageRefs returns references oldest first.
func (s *Service) MessageRefs(ctx context.Context, sessionID, userID string) ([]string, error) {
	refs, err := s.Redis.LRange(ctx, refsKey(sessionID, userID), 0, -1).Result()
	if err != nil {
		return nil, apperr.Transient("read message refs", err)
	}
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}
	return refs, nil
}

func (s *Service) ClearMessageRefs(ctx context.Context, sessionID, userID string) error {
	return redisErr("clear message refs", s.Redis.Del(ctx, refsKey(sessionID, userID)).Err())
}
