package storage

import (
	"context"
	"encoding/json"
	"errors"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"
	"time"

	"github.com/redis/go-redis/v9"
)

// SignalChannel carries relay envelopes between instances.
const SignalChannel = "signal:relay"

func roomKey(id string) string  { return "signal:room:" + id }
func peersKey(id string) string { return "signal:room:" + id + ":peers" }

// roomStatusScript moves a live room to a new status. It returns 0 when the
// live copy is gone, -1 when the room already ended, 1 on success.
var roomStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return 0
end
if cur == 'ended' then
	return -1
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
if ARGV[1] == 'ended' then
	redis.call('HSET', KEYS[1], 'ended_at', ARGV[2])
end
return 1
`)

var removePeerScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// CreateRoom writes the durable row and a live copy that expires after ttl.
func (s *Service) CreateRoom(ctx context.Context, r *models.CallRoom, ttl time.Duration) error {
	if err := s.DB.WithContext(ctx).Create(r).Error; err != nil {
		return apperr.Transient("create room", err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := roomKey(r.ID)
	_, err = s.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "data", data, "status", string(r.Status))
		p.Expire(ctx, key, ttl)
		return nil
	})
	return redisErr("cache room", err)
}

// GetRoom reads the live copy. A room whose TTL elapsed is reported as not found.
func (s *Service) GetRoom(ctx context.Context, id string) (*models.CallRoom, error) {
	fields, err := s.Redis.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return nil, apperr.Transient("read room", err)
	}
	data, ok := fields["data"]
	if !ok {
		return nil, apperr.NotFound("room %s", id)
	}
	var r models.CallRoom
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, err
	}
	r.Status = models.RoomStatus(fields["status"])
	if v, ok := fields["ended_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			r.EndedAt = &t
		}
	}
	return &r, nil
}

// SetRoomStatus applies a forward transition to both copies. It reports false
// when the room already ended; an expired live copy is ErrNotFound.
func (s *Service) SetRoomStatus(ctx context.Context, id string, status models.RoomStatus, at time.Time) (bool, error) {
	at = at.UTC()
	n, err := roomStatusScript.Run(ctx, s.Redis, []string{roomKey(id)}, string(status), at.Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, apperr.Transient("set room status", err)
	}
	switch n {
	case 0:
		return false, apperr.NotFound("room %s", id)
	case -1:
		return false, nil
	}

	fields := map[string]any{"status": status}
	if status == models.RoomEnded {
		fields["ended_at"] = at
	}
	err = s.DB.WithContext(ctx).Model(&models.CallRoom{}).
		Where("id = ? AND status <> ?", id, models.RoomEnded).
		Updates(fields).Error
	if err != nil {
		return true, apperr.Transient("persist room status", err)
	}
	return true, nil
}

// ExpireRooms ends every durable room whose TTL passed and returns their ids.
func (s *Service) ExpireRooms(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.CallRoom{}).
		Where("status <> ? AND expires_at < ?", models.RoomEnded, now.UTC()).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, apperr.Transient("find expired rooms", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	err = s.DB.WithContext(ctx).Model(&models.CallRoom{}).
		Where("id IN ? AND status <> ?", ids, models.RoomEnded).
		Updates(map[string]any{"status": models.RoomEnded, "ended_at": now.UTC()}).Error
	if err != nil {
		return nil, apperr.Transient("expire rooms", err)
	}
	return ids, nil
}

// AddPeer records that userID is connected to roomID on instanceID.
func (s *Service) AddPeer(ctx context.Context, roomID, userID, instanceID string, ttl time.Duration) error {
	key := peersKey(roomID)
	_, err := s.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, userID, instanceID)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return redisErr("add peer", err)
}

// RemovePeer clears the presence entry only if instanceID still owns it.
func (s *Service) RemovePeer(ctx context.Context, roomID, userID, instanceID string) error {
	err := removePeerScript.Run(ctx, s.Redis, []string{peersKey(roomID)}, userID, instanceID).Err()
	return redisErr("remove peer", err)
}

func (s *Service) Peers(ctx context.Context, roomID string) (map[string]string, error) {
	peers, err := s.Redis.HGetAll(ctx, peersKey(roomID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperr.Transient("read peers", err)
	}
	return peers, nil
}

func (s *Service) PublishSignal(ctx context.Context, payload []byte) error {
	return redisErr("publish signal", s.Redis.Publish(ctx, SignalChannel, payload).Err())
}

func (s *Service) SubscribeSignals(ctx context.Context) *redis.PubSub {
	return s.Redis.Subscribe(ctx, SignalChannel)
}
