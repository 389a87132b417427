// Package queue holds waiting tickets and finds mutually compatible partners.
//
// Tickets are indexed by (kind, preferred gender). A requester only scans the
// partitions whose members could accept them: (kind, own gender) and
// (kind, any). Each candidate is then checked in both directions with
// models.Compatible, one qualifying candidate is picked uniformly at random,
// and both tickets are claimed in a single atomic step.
package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"pairchat/backend/internal/models"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the waiting queue consumed by the matching worker and the UI layer.
type Queue interface {
	// Enqueue stores or replaces the user's ticket and refreshes its TTL.
	Enqueue(ctx context.Context, t models.WaitingTicket) error
	// Requeue puts back a ticket taken by FindCandidate. It writes nothing and
	// reports false when the user withdrew or enqueued a newer ticket since
	// the claim.
	Requeue(ctx context.Context, t models.WaitingTicket) (bool, error)
	// Dequeue removes the user everywhere. Absent users are a no-op.
	Dequeue(ctx context.Context, userID string) error
	IsWaiting(ctx context.Context, userID string) (bool, error)
	// Ticket returns the live ticket or nil.
	Ticket(ctx context.Context, userID string) (*models.WaitingTicket, error)
	// FindCandidate claims a compatible partner for userID. It returns nil when
	// the requester is not waiting or nobody qualifies.
	FindCandidate(ctx context.Context, userID string) (*Pair, error)
	// WaitingUsers lists waiting users, oldest ticket first.
	WaitingUsers(ctx context.Context) ([]string, error)
	// Block keeps the pair apart in FindCandidate for ttl.
	Block(ctx context.Context, userA, userB string, ttl time.Duration) error
	Stats(ctx context.Context) (Stats, error)
	// Prune drops index entries whose ticket already expired.
	Prune(ctx context.Context) (int, error)
}

// Pair is the result of a successful claim. Both tickets are already gone
// from the queue.
type Pair struct {
	Requester models.WaitingTicket
	Candidate models.WaitingTicket
}

type Stats struct {
	Total    int                     `json:"total"`
	ByKind   map[models.CallKind]int `json:"by_kind"`
	ByGender map[models.Gender]int   `json:"by_gender"`
}

func newStats() Stats {
	return Stats{ByKind: map[models.CallKind]int{}, ByGender: map[models.Gender]int{}}
}

func (s *Stats) add(t models.WaitingTicket) {
	s.Total++
	s.ByKind[t.Kind]++
	s.ByGender[t.Gender]++
}

// Option tunes a queue; mostly used by tests for deterministic runs.
type Option func(*settings)

type settings struct {
	now func() time.Time
	rnd *rand.Rand
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithRand(r *rand.Rand) Option {
	return func(s *settings) { s.rnd = r }
}

func buildSettings(opts []Option) settings {
	s := settings{now: time.Now}
	for _, o := range opts {
		o(&s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// New builds the backend named by cfg ("redis" or "memory").
func New(backend string, rdb *redis.Client, ttl time.Duration, opts ...Option) (Queue, error) {
	switch backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("queue: redis backend needs a client")
		}
		return NewRedisQueue(rdb, ttl, opts...), nil
	case "memory":
		return NewMemoryQueue(ttl, opts...), nil
	}
	return nil, fmt.Errorf("queue: unknown backend %q", backend)
}

func partitionName(kind models.CallKind, pref models.Gender) string {
	return string(kind) + ":" + string(pref.Normalize())
}

// searchPartitions are the partitions holding users who could accept t.
// Nobody can ask for "other", so those users only search (kind, any).
func searchPartitions(t models.WaitingTicket) []string {
	if !t.Gender.Binary() {
		return []string{partitionName(t.Kind, models.GenderAny)}
	}
	return []string{
		partitionName(t.Kind, t.Gender),
		partitionName(t.Kind, models.GenderAny),
	}
}

var preferences = []models.Gender{models.GenderMale, models.GenderFemale, models.GenderAny}

func kindPartitions(kind models.CallKind) []string {
	out := make([]string, 0, len(preferences))
	for _, p := range preferences {
		out = append(out, partitionName(kind, p))
	}
	return out
}

func allPartitions() []string {
	out := make([]string, 0, len(models.AllKinds)*len(preferences))
	for _, k := range models.AllKinds {
		out = append(out, kindPartitions(k)...)
	}
	return out
}

// shuffler is a goroutine-safe wrapper; math/rand sources are not.
type shuffler struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (s *shuffler) shuffle(n int, swap func(i, j int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rnd.Shuffle(n, swap)
}

func sortByEnqueue(tickets []models.WaitingTicket) []string {
	sort.SliceStable(tickets, func(i, j int) bool {
		if tickets[i].EnqueuedAt.Equal(tickets[j].EnqueuedAt) {
			return tickets[i].UserID < tickets[j].UserID
		}
		return tickets[i].EnqueuedAt.Before(tickets[j].EnqueuedAt)
	})
	ids := make([]string, len(tickets))
	for i, t := range tickets {
		ids[i] = t.UserID
	}
	return ids
}
