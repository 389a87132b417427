// Package sweeper runs the periodic housekeeping jobs: ending signaling rooms
// past their TTL and pruning queue index entries whose ticket expired.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// RoomExpirer ends rooms whose TTL has passed.
type RoomExpirer interface {
	ExpireRooms(ctx context.Context) (int, error)
}

// QueuePruner drops stale queue index entries.
type QueuePruner interface {
	Prune(ctx context.Context) (int, error)
}

type Config struct {
	RoomsSchedule string
	QueueSchedule string
	// JobTimeout bounds a single run. Zero means one minute.
	JobTimeout time.Duration
}

// parser accepts standard 5-field expressions and descriptors like "@every 1m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Sweeper struct {
	rooms   RoomExpirer
	queue   QueuePruner
	cron    *cron.Cron
	timeout time.Duration
	log     logrus.FieldLogger
	base    context.Context
}

// New registers the jobs. An empty schedule disables that job.
func New(rooms RoomExpirer, q QueuePruner, cfg Config, log logrus.FieldLogger) (*Sweeper, error) {
	log = log.WithField("component", "sweeper")
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	cl := cron.PrintfLogger(log)
	s := &Sweeper{
		rooms:   rooms,
		queue:   q,
		timeout: cfg.JobTimeout,
		log:     log,
		base:    context.Background(),
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if rooms != nil && cfg.RoomsSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.RoomsSchedule, func() { s.SweepRooms(s.base) }); err != nil {
			return nil, fmt.Errorf("sweeper: rooms schedule %q: %w", cfg.RoomsSchedule, err)
		}
	}
	if q != nil && cfg.QueueSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.QueueSchedule, func() { s.SweepQueue(s.base) }); err != nil {
			return nil, fmt.Errorf("sweeper: queue schedule %q: %w", cfg.QueueSchedule, err)
		}
	}
	return s, nil
}

// Jobs reports how many jobs are scheduled.
func (s *Sweeper) Jobs() int { return len(s.cron.Entries()) }

// Run starts the scheduler and blocks until ctx is cancelled and running jobs
// have returned.
func (s *Sweeper) Run(ctx context.Context) {
	s.base = ctx
	s.cron.Start()
	s.log.WithField("jobs", s.Jobs()).Info("sweeper started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("sweeper stopped")
}

// SweepRooms runs the room expiry job once.
func (s *Sweeper) SweepRooms(ctx context.Context) int {
	return s.run(ctx, "rooms", s.rooms.ExpireRooms)
}

// SweepQueue runs the queue prune job once.
func (s *Sweeper) SweepQueue(ctx context.Context) int {
	return s.run(ctx, "queue", s.queue.Prune)
}

func (s *Sweeper) run(ctx context.Context, job string, fn func(context.Context) (int, error)) int {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := fn(ctx)
	logger := s.log.WithFields(logrus.Fields{"job": job, "took": time.Since(start)})
	if err != nil {
		logger.WithError(err).Warn("sweep failed")
		return n
	}
	if n > 0 {
		logger.WithField("removed", n).Info("sweep done")
	}
	return n
}
