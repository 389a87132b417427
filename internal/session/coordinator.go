// Package session owns the lifecycle of one-on-one sessions: creation with the
// one-active-session-per-user guarantee, partner lookups, message accounting
// and the single transition to ended.
package session

import (
	"context"
	"errors"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/events"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/storage"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// reserveHold bounds how long a pending pointer survives a creator that died
// between reserving and persisting.
const reserveHold = 30 * time.Second

type Config struct {
	LookupTTL       time.Duration
	MessageRefLimit int
	MessageRefTTL   time.Duration
}

// CreateRequest carries both participants and their filter snapshots.
type CreateRequest struct {
	UserA    string
	UserB    string
	FiltersA models.Filters
	FiltersB models.Filters
	Kind     models.CallKind
}

// EndResult reports the final counters. Ended is false when the session had
// already been ended by an earlier call.
type EndResult struct {
	Ended   bool
	Session *models.Session
	CountA  int
	CountB  int
}

type Coordinator struct {
	store  storage.SessionStore
	events events.Publisher
	cfg    Config
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewCoordinator(store storage.SessionStore, pub events.Publisher, cfg Config, log logrus.FieldLogger) *Coordinator {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.LookupTTL <= 0 {
		cfg.LookupTTL = 24 * time.Hour
	}
	if cfg.MessageRefLimit <= 0 {
		cfg.MessageRefLimit = 200
	}
	if cfg.MessageRefTTL <= 0 {
		cfg.MessageRefTTL = 48 * time.Hour
	}
	return &Coordinator{
		store:  store,
		events: pub,
		cfg:    cfg,
		log:    log.WithField("component", "session"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession opens a session for two idle users. Either user already being
// in a session (or in the middle of getting one) yields ErrConflict and leaves
// no trace.
func (c *Coordinator) CreateSession(ctx context.Context, req CreateRequest) (*models.Session, error) {
	if req.UserA == "" || req.UserB == "" {
		return nil, apperr.Validation("both participants are required")
	}
	if req.UserA == req.UserB {
		return nil, apperr.Validation("user %s cannot be paired with themselves", req.UserA)
	}
	if req.Kind == "" {
		req.Kind = models.KindText
	}
	if !req.Kind.Valid() {
		return nil, apperr.Validation("unknown call kind %q", req.Kind)
	}
	req.FiltersA.PreferredGender = req.FiltersA.PreferredGender.Normalize()
	req.FiltersB.PreferredGender = req.FiltersB.PreferredGender.Normalize()

	for _, u := range []string{req.UserA, req.UserB} {
		active, err := c.IsActive(ctx, u)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, apperr.Conflict("user %s already has an active session", u)
		}
	}

	sess := &models.Session{
		ID:        uuid.NewString(),
		UserAID:   req.UserA,
		UserBID:   req.UserB,
		Kind:      req.Kind,
		IsActive:  true,
		CreatedAt: c.now(),
		FilterA:   req.FiltersA,
		FilterB:   req.FiltersB,
	}
	logger := c.log.WithFields(logrus.Fields{"session_id": sess.ID, "user_a": sess.UserAID, "user_b": sess.UserBID})

	// The pointers are the linearization point: whoever reserves both wins.
	var reserved []string
	rollback := func() {
		cleanup := context.WithoutCancel(ctx)
		for _, u := range reserved {
			if _, err := c.store.ReleaseUserSession(cleanup, u, sess.ID); err != nil {
				logger.WithError(err).WithField("user_id", u).Warn("release reservation failed")
			}
		}
	}
	for _, u := range []string{sess.UserAID, sess.UserBID} {
		ok, err := c.store.ReserveUserSession(ctx, u, sess.ID, reserveHold)
		if err != nil {
			rollback()
			return nil, err
		}
		if !ok {
			rollback()
			return nil, apperr.Conflict("user %s already has an active session", u)
		}
		reserved = append(reserved, u)
	}

	if err := c.store.CreateSession(ctx, sess); err != nil {
		rollback()
		logger.WithError(err).Error("persist session failed")
		return nil, err
	}
	for _, u := range reserved {
		if _, err := c.store.ConfirmUserSession(ctx, u, sess.ID, c.cfg.LookupTTL); err != nil {
			// The durable row exists; IsActive falls back to it.
			logger.WithError(err).WithField("user_id", u).Warn("confirm session pointer failed")
		}
	}

	c.publish(ctx, events.Created(sess))
	logger.WithField("kind", sess.Kind).Info("session created")
	return sess, nil
}

// lookup resolves the user's current session through the Redis pointer, then
// the durable store. pending is true while another CreateSession holds a
// reservation for the user.
func (c *Coordinator) lookup(ctx context.Context, userID string) (sess *models.Session, pending bool, err error) {
	id, pending, err := c.store.UserSessionID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if pending {
		return nil, true, nil
	}
	if id != "" {
		s, err := c.store.GetSession(ctx, id)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, false, err
		}
		if err == nil && s.IsActive {
			return s, false, nil
		}
		c.log.WithFields(logrus.Fields{"user_id": userID, "session_id": id}).Warn("dropping stale session pointer")
		if _, err := c.store.ReleaseUserSession(ctx, userID, id); err != nil {
			return nil, false, err
		}
	}

	s, err := c.store.ActiveSessionForUser(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := c.store.CacheUserSession(ctx, userID, s.ID, c.cfg.LookupTTL); err != nil {
		c.log.WithError(err).WithField("user_id", userID).Warn("re-cache session pointer failed")
	}
	return s, false, nil
}

// IsActive reports whether the user is in a session or about to be.
func (c *Coordinator) IsActive(ctx context.Context, userID string) (bool, error) {
	sess, pending, err := c.lookup(ctx, userID)
	if err != nil {
		return false, err
	}
	return pending || sess != nil, nil
}

// ActiveSession returns the user's active session or nil.
func (c *Coordinator) ActiveSession(ctx context.Context, userID string) (*models.Session, error) {
	sess, _, err := c.lookup(ctx, userID)
	return sess, err
}

// GetPartner returns the other participant of the user's active session.
func (c *Coordinator) GetPartner(ctx context.Context, userID string) (string, bool, error) {
	sess, err := c.ActiveSession(ctx, userID)
	if err != nil || sess == nil {
		return "", false, err
	}
	partner, ok := sess.PartnerOf(userID)
	return partner, ok, nil
}

func (c *Coordinator) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return c.store.GetSession(ctx, sessionID)
}

// participant loads the session and checks userID belongs to it.
func (c *Coordinator) participant(ctx context.Context, sessionID, userID string) (*models.Session, models.Side, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	side, ok := sess.SideOf(userID)
	if !ok {
		return nil, "", apperr.Authorization("user %s is not part of session %s", userID, sessionID)
	}
	return sess, side, nil
}

// RecordMessage counts one message from userID and keeps ref (a transport
// message id) for later cleanup. It returns the user's running count.
func (c *Coordinator) RecordMessage(ctx context.Context, sessionID, userID, ref string) (int64, error) {
	sess, _, err := c.participant(ctx, sessionID, userID)
	if err != nil {
		return 0, err
	}
	if !sess.IsActive {
		return 0, apperr.Conflict("session %s has ended", sessionID)
	}
	n, err := c.store.IncrMessageCount(ctx, sessionID, userID, c.cfg.LookupTTL)
	if err != nil {
		return 0, err
	}
	if ref != "" {
		if err := c.store.PushMessageRef(ctx, sessionID, userID, ref, c.cfg.MessageRefLimit, c.cfg.MessageRefTTL); err != nil {
			return n, err
		}
	}
	return n, nil
}

// EndSession closes the session exactly once. Later calls report Ended=false
// with the counters stored by the first one.
func (c *Coordinator) EndSession(ctx context.Context, sessionID string) (EndResult, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return EndResult{}, err
	}
	if !sess.IsActive {
		return EndResult{Session: sess, CountA: sess.MessageCountA, CountB: sess.MessageCountB}, nil
	}

	endedAt := c.now()
	closed, err := c.store.CloseSession(ctx, sessionID, endedAt, 0, 0)
	if err != nil {
		return EndResult{}, err
	}
	if !closed {
		// Lost the race against a concurrent EndSession.
		final, err := c.store.GetSession(ctx, sessionID)
		if err != nil {
			return EndResult{}, err
		}
		return EndResult{Session: final, CountA: final.MessageCountA, CountB: final.MessageCountB}, nil
	}

	logger := c.log.WithField("session_id", sessionID)
	cleanup := context.WithoutCancel(ctx)

	// Counted only now, so a message recorded just before the close is kept.
	var countA, countB int
	counts, err := c.store.MessageCounts(cleanup, sessionID)
	if err != nil {
		logger.WithError(err).Warn("read message counts failed, storing zero")
	} else if countA, countB = int(counts[sess.UserAID]), int(counts[sess.UserBID]); countA+countB > 0 {
		err = c.store.UpdateSessionFields(cleanup, sessionID, map[string]any{
			"message_count_a": countA,
			"message_count_b": countB,
		})
		if err != nil {
			logger.WithError(err).Warn("store message counts failed")
		}
	}

	for _, u := range []string{sess.UserAID, sess.UserBID} {
		if _, err := c.store.ReleaseUserSession(cleanup, u, sessionID); err != nil {
			logger.WithError(err).WithField("user_id", u).Warn("release session pointer failed")
		}
	}

	sess.IsActive = false
	sess.EndedAt = &endedAt
	sess.MessageCountA, sess.MessageCountB = countA, countB
	c.publish(cleanup, events.Ended(sess, endedAt, countA, countB))
	logger.WithFields(logrus.Fields{"count_a": countA, "count_b": countB}).Info("session ended")
	return EndResult{Ended: true, Session: sess, CountA: countA, CountB: countB}, nil
}

// GetPreferredFilter returns the filter snapshot userID had when matched.
func (c *Coordinator) GetPreferredFilter(ctx context.Context, sessionID, userID string) (models.Filters, error) {
	sess, _, err := c.participant(ctx, sessionID, userID)
	if err != nil {
		return models.Filters{}, err
	}
	f, _ := sess.FilterFor(userID)
	return f, nil
}

func (c *Coordinator) MessageRefs(ctx context.Context, sessionID, userID string) ([]string, error) {
	if _, _, err := c.participant(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return c.store.MessageRefs(ctx, sessionID, userID)
}

func (c *Coordinator) ClearMessageRefs(ctx context.Context, sessionID, userID string) error {
	if _, _, err := c.participant(ctx, sessionID, userID); err != nil {
		return err
	}
	return c.store.ClearMessageRefs(ctx, sessionID, userID)
}

// MarkCostCharged records that userID paid for this session.
func (c *Coordinator) MarkCostCharged(ctx context.Context, sessionID, userID string) error {
	_, side, err := c.participant(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	return c.store.UpdateSessionFields(ctx, sessionID, map[string]any{"cost_charged_" + string(side): true})
}

func (c *Coordinator) SetPrivacyMode(ctx context.Context, sessionID, userID string, enabled bool) error {
	_, side, err := c.participant(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	return c.store.UpdateSessionFields(ctx, sessionID, map[string]any{"privacy_" + string(side): enabled})
}

// AttachCall links a signaling room to the session.
func (c *Coordinator) AttachCall(ctx context.Context, sessionID, roomID, link string) error {
	return c.store.UpdateSessionFields(ctx, sessionID, map[string]any{
		"call_room_id": roomID,
		"call_link":    link,
	})
}

// CooldownRemaining returns how long the pair must still wait before being
// matched again. A pair that is currently together gets the full window.
func (c *Coordinator) CooldownRemaining(ctx context.Context, userA, userB string, window time.Duration) (time.Duration, error) {
	last, err := c.store.LastSessionBetween(ctx, userA, userB)
	if err != nil || last == nil {
		return 0, err
	}
	if last.IsActive || last.EndedAt == nil {
		return window, nil
	}
	remaining := window - c.now().Sub(*last.EndedAt)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (c *Coordinator) publish(ctx context.Context, e events.Event) {
	if err := c.events.Publish(ctx, e); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"session_id": e.SessionID, "event": e.Type}).Warn("publish event failed")
	}
}
