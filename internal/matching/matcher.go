// Package matching runs the periodic matching pass and the immediate
// best-effort fast path. Both pull pairs out of the waiting queue and commit
// them through the session coordinator.
package matching

import (
	"context"
	"errors"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/queue"
	"pairchat/backend/internal/session"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Sessions is the part of the session coordinator the matcher commits through.
type Sessions interface {
	IsActive(ctx context.Context, userID string) (bool, error)
	CreateSession(ctx context.Context, req session.CreateRequest) (*models.Session, error)
	CooldownRemaining(ctx context.Context, userA, userB string, window time.Duration) (time.Duration, error)
	AttachCall(ctx context.Context, sessionID, roomID, link string) error
}

// CallIssuer opens a signaling room for a voice or video session.
type CallIssuer interface {
	IssueCall(ctx context.Context, sess *models.Session) (*models.CallInvite, error)
}

// Notifier tells the UI collaborator about a committed match.
type Notifier interface {
	NotifyMatch(ctx context.Context, m Match) error
}

// Match is a committed pair. Call is nil for text sessions or when no room
// could be issued.
type Match struct {
	Session   *models.Session
	Requester models.WaitingTicket
	Candidate models.WaitingTicket
	Call      *models.CallInvite
}

type Config struct {
	Interval          time.Duration
	BatchSize         int
	CooldownEnabled   bool
	Cooldown          time.Duration
	ImmediateAttempts int
	ImmediateDelay    time.Duration
}

// MatcherService pairs waiting users.
type MatcherService struct {
	Queue    queue.Queue
	Sessions Sessions
	Calls    CallIssuer
	Notifier Notifier

	cfg   Config
	log   logrus.FieldLogger
	sleep Sleeper
}

func NewMatcherService(q queue.Queue, sessions Sessions, cfg Config, log logrus.FieldLogger) *MatcherService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.ImmediateAttempts <= 0 {
		cfg.ImmediateAttempts = 1
	}
	return &MatcherService{
		Queue:    q,
		Sessions: sessions,
		cfg:      cfg,
		log:      log.WithField("component", "matcher"),
		sleep:    SleepContext,
	}
}

// Run ticks until ctx is cancelled.
func (m *MatcherService) Run(ctx context.Context) {
	m.log.WithField("interval", m.cfg.Interval).Info("matcher started")
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("matcher stopped")
			return
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil {
				m.log.WithError(err).Warn("matching tick failed")
			}
		}
	}
}

// Tick performs one matching pass and returns how many sessions it opened.
// An unreachable store yields zero matches; the next tick retries.
func (m *MatcherService) Tick(ctx context.Context) (int, error) {
	waiting, err := m.Queue.WaitingUsers(ctx)
	if err != nil {
		return 0, err
	}

	processed := make(map[string]struct{}, len(waiting))
	var pairs []*queue.Pair
	attempts := 0
	for _, userID := range waiting {
		if attempts >= m.cfg.BatchSize {
			break
		}
		if _, done := processed[userID]; done {
			continue
		}
		attempts++
		pair, err := m.Queue.FindCandidate(ctx, userID)
		if err != nil {
			m.log.WithError(err).WithField("user_id", userID).Warn("find candidate failed")
			continue
		}
		if pair == nil {
			continue
		}
		processed[pair.Requester.UserID] = struct{}{}
		processed[pair.Candidate.UserID] = struct{}{}
		pairs = append(pairs, pair)
	}

	var opened atomic.Int32
	var g errgroup.Group
	g.SetLimit(m.cfg.BatchSize)
	for _, p := range pairs {
		g.Go(func() error {
			match, err := m.establish(ctx, p)
			if err != nil {
				m.pairLog(p).WithError(err).Error("establish session failed")
				return nil
			}
			if match != nil {
				opened.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(opened.Load()), nil
}

// TryImmediate attempts to match userID right away, a bounded number of times.
// A nil match means nobody suitable showed up; the ticket stays queued for the
// periodic pass.
func (m *MatcherService) TryImmediate(ctx context.Context, userID string) (*Match, error) {
	var match *Match
	err := Retry(ctx, m.cfg.ImmediateAttempts, m.cfg.ImmediateDelay, m.sleep, func(ctx context.Context) (bool, error) {
		waiting, err := m.Queue.IsWaiting(ctx, userID)
		if err != nil || !waiting {
			return true, err
		}
		pair, err := m.Queue.FindCandidate(ctx, userID)
		if err != nil || pair == nil {
			return false, err
		}
		match, err = m.establish(ctx, pair)
		return match != nil, err
	})
	return match, err
}

func (m *MatcherService) pairLog(p *queue.Pair) logrus.FieldLogger {
	return m.log.WithFields(logrus.Fields{
		"user_a": p.Requester.UserID,
		"user_b": p.Candidate.UserID,
		"kind":   p.Requester.Kind,
	})
}

// establish commits a claimed pair. Both tickets are already out of the queue;
// every path that does not open a session puts back whoever is still free.
func (m *MatcherService) establish(ctx context.Context, p *queue.Pair) (*Match, error) {
	a, b := p.Requester, p.Candidate
	logger := m.pairLog(p)

	// 1. Double-booking guard: the fast path may have matched either user.
	activeA, err := m.Sessions.IsActive(ctx, a.UserID)
	if err != nil {
		m.requeue(ctx, logger, a, b)
		return nil, err
	}
	activeB, err := m.Sessions.IsActive(ctx, b.UserID)
	if err != nil {
		m.requeue(ctx, logger, a, b)
		return nil, err
	}
	if activeA || activeB {
		logger.Info("pair skipped, user already in a session")
		m.requeueIdle(ctx, logger, a, activeA, b, activeB)
		return nil, nil
	}

	// 2. Cooldown against recently paired partners.
	if m.cfg.CooldownEnabled && m.cfg.Cooldown > 0 {
		remaining, err := m.Sessions.CooldownRemaining(ctx, a.UserID, b.UserID, m.cfg.Cooldown)
		if err != nil {
			m.requeue(ctx, logger, a, b)
			return nil, err
		}
		if remaining > 0 {
			logger.WithField("remaining", remaining).Info("pair rejected by cooldown")
			if err := m.Queue.Block(ctx, a.UserID, b.UserID, remaining); err != nil {
				logger.WithError(err).Warn("block pair failed")
			}
			m.requeue(ctx, logger, a, b)
			return nil, nil
		}
	}

	// 3. Commit.
	sess, err := m.Sessions.CreateSession(ctx, session.CreateRequest{
		UserA:    a.UserID,
		UserB:    b.UserID,
		FiltersA: a.Filters,
		FiltersB: b.Filters,
		Kind:     a.Kind,
	})
	if errors.Is(err, apperr.ErrConflict) {
		logger.WithError(err).Info("pair lost to a concurrent session")
		activeA, errA := m.Sessions.IsActive(ctx, a.UserID)
		activeB, errB := m.Sessions.IsActive(ctx, b.UserID)
		if errA != nil || errB != nil {
			m.requeue(ctx, logger, a, b)
			return nil, nil
		}
		m.requeueIdle(ctx, logger, a, activeA, b, activeB)
		return nil, nil
	}
	if err != nil {
		m.requeue(ctx, logger, a, b)
		return nil, err
	}
	match := &Match{Session: sess, Requester: a, Candidate: b}
	logger = logger.WithField("session_id", sess.ID)

	// 4. Voice and video sessions get a signaling room.
	if m.Calls != nil && sess.Kind.NeedsSignaling() {
		invite, err := m.Calls.IssueCall(ctx, sess)
		if err != nil {
			logger.WithError(err).Warn("issue call room failed")
		} else {
			match.Call = invite
			if err := m.Sessions.AttachCall(ctx, sess.ID, invite.RoomID, invite.Link); err != nil {
				logger.WithError(err).Warn("attach call to session failed")
			} else {
				sess.CallRoomID, sess.CallLink = invite.RoomID, invite.Link
			}
		}
	}

	// 5. Notify after the session exists.
	if m.Notifier != nil {
		if err := m.Notifier.NotifyMatch(ctx, *match); err != nil {
			logger.WithError(err).Warn("notify match failed")
		}
	}
	logger.Info("match established")
	return match, nil
}

func (m *MatcherService) requeueIdle(ctx context.Context, logger logrus.FieldLogger, a models.WaitingTicket, activeA bool, b models.WaitingTicket, activeB bool) {
	if !activeA {
		m.requeue(ctx, logger, a)
	}
	if !activeB {
		m.requeue(ctx, logger, b)
	}
}

// requeue puts tickets back with their original enqueue time. Users who
// withdrew or enqueued again while the pair was being set up are left alone.
func (m *MatcherService) requeue(ctx context.Context, logger logrus.FieldLogger, tickets ...models.WaitingTicket) {
	for _, t := range tickets {
		restored, err := m.Queue.Requeue(context.WithoutCancel(ctx), t)
		if err != nil {
			logger.WithError(err).WithField("user_id", t.UserID).Error("re-enqueue failed, ticket lost")
			continue
		}
		if !restored {
			logger.WithField("user_id", t.UserID).Debug("ticket not restored, user withdrew or enqueued again")
		}
	}
}
