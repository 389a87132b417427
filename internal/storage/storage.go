package storage

import (
	"context"
	"errors"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// SessionStore keeps the durable Session rows plus the Redis side state the
// coordinator needs on the hot path.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ActiveSessionForUser(ctx context.Context, userID string) (*models.Session, error)
	CloseSession(ctx context.Context, id string, endedAt time.Time, countA, countB int) (bool, error)
	UpdateSessionFields(ctx context.Context, id string, fields map[string]any) error
	LastSessionBetween(ctx context.Context, userA, userB string) (*models.Session, error)

	ReserveUserSession(ctx context.Context, userID, sessionID string, hold time.Duration) (bool, error)
	ConfirmUserSession(ctx context.Context, userID, sessionID string, ttl time.Duration) (bool, error)
	CacheUserSession(ctx context.Context, userID, sessionID string, ttl time.Duration) (bool, error)
	UserSessionID(ctx context.Context, userID string) (string, bool, error)
	ReleaseUserSession(ctx context.Context, userID, sessionID string) (bool, error)

	IncrMessageCount(ctx context.Context, sessionID, userID string, ttl time.Duration) (int64, error)
	MessageCounts(ctx context.Context, sessionID string) (map[string]int64, error)
	PushMessageRef(ctx context.Context, sessionID, userID, ref string, limit int, ttl time.Duration) error
	MessageRefs(ctx context.Context, sessionID, userID string) ([]string, error)
	ClearMessageRefs(ctx context.Context, sessionID, userID string) error
}

// RoomStore keeps CallRoom records, their live Redis copies and the
// cross-instance connection presence.
type RoomStore interface {
	CreateRoom(ctx context.Context, r *models.CallRoom, ttl time.Duration) error
	GetRoom(ctx context.Context, id string) (*models.CallRoom, error)
	SetRoomStatus(ctx context.Context, id string, status models.RoomStatus, at time.Time) (bool, error)
	ExpireRooms(ctx context.Context, now time.Time) ([]string, error)

	AddPeer(ctx context.Context, roomID, userID, instanceID string, ttl time.Duration) error
	RemovePeer(ctx context.Context, roomID, userID, instanceID string) error
	Peers(ctx context.Context, roomID string) (map[string]string, error)

	PublishSignal(ctx context.Context, payload []byte) error
	SubscribeSignals(ctx context.Context) *redis.PubSub
}

type Storage interface {
	SessionStore
	RoomStore
}

// Service implements Storage on top of gorm and go-redis.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
}

var _ Storage = (*Service)(nil)

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
	}
}

// dbErr maps gorm errors onto the apperr taxonomy.
func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("%s", op)
	}
	return apperr.Transient(op, err)
}

func redisErr(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return apperr.Transient(op, err)
}
