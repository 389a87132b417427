package queue

import (
	"context"
	"pairchat/backend/internal/models"
	"sync"
	"time"
)

type memEntry struct {
	ticket    models.WaitingTicket
	expiresAt time.Time
}

// MemoryQueue keeps everything in process behind one mutex. It suits a single
// instance deployment and tests.
type MemoryQueue struct {
	mu         sync.Mutex
	ttl        time.Duration
	now        func() time.Time
	rnd        *shuffler
	tickets    map[string]memEntry
	partitions map[string]map[string]struct{}
	// claims holds users taken by FindCandidate until Requeue, Enqueue or
	// Dequeue settles them, keyed to the marker's expiry.
	claims map[string]time.Time
	// blocks[a][b] is when the block between a and b lapses.
	blocks map[string]map[string]time.Time
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(ttl time.Duration, opts ...Option) *MemoryQueue {
	s := buildSettings(opts)
	q := &MemoryQueue{
		ttl:        ttl,
		now:        s.now,
		rnd:        &shuffler{rnd: s.rnd},
		tickets:    make(map[string]memEntry),
		claims:     make(map[string]time.Time),
		partitions: make(map[string]map[string]struct{}),
		blocks:     make(map[string]map[string]time.Time),
	}
	for _, p := range allPartitions() {
		q.partitions[p] = make(map[string]struct{})
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, t models.WaitingTicket) error {
	if err := t.Normalize(q.now()); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.claims, t.UserID)
	q.storeLocked(t)
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, t models.WaitingTicket) (bool, error) {
	if err := t.Normalize(q.now()); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, waiting := q.liveLocked(t.UserID); waiting {
		return false, nil
	}
	until, claimed := q.claims[t.UserID]
	delete(q.claims, t.UserID)
	if !claimed || !q.now().Before(until) {
		return false, nil
	}
	q.storeLocked(t)
	return true, nil
}

func (q *MemoryQueue) storeLocked(t models.WaitingTicket) {
	q.removeLocked(t.UserID)
	q.tickets[t.UserID] = memEntry{ticket: t, expiresAt: q.now().Add(q.ttl)}
	q.partitions[partitionName(t.Kind, t.Filters.PreferredGender)][t.UserID] = struct{}{}
}

func (q *MemoryQueue) Dequeue(_ context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claims, userID)
	q.removeLocked(userID)
	return nil
}

func (q *MemoryQueue) removeLocked(userID string) {
	delete(q.tickets, userID)
	for _, members := range q.partitions {
		delete(members, userID)
	}
}

// liveLocked returns the ticket if present and unexpired, evicting it otherwise.
func (q *MemoryQueue) liveLocked(userID string) (models.WaitingTicket, bool) {
	e, ok := q.tickets[userID]
	if !ok {
		return models.WaitingTicket{}, false
	}
	if !q.now().Before(e.expiresAt) {
		q.removeLocked(userID)
		return models.WaitingTicket{}, false
	}
	return e.ticket, true
}

func (q *MemoryQueue) IsWaiting(_ context.Context, userID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.liveLocked(userID)
	return ok, nil
}

func (q *MemoryQueue) Ticket(_ context.Context, userID string) (*models.WaitingTicket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.liveLocked(userID)
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (q *MemoryQueue) blockedLocked(a, b string) bool {
	until, ok := q.blocks[a][b]
	if !ok {
		return false
	}
	if q.now().Before(until) {
		return true
	}
	delete(q.blocks[a], b)
	return false
}

func (q *MemoryQueue) FindCandidate(_ context.Context, userID string) (*Pair, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.liveLocked(userID)
	if !ok {
		return nil, nil
	}

	var candidates []models.WaitingTicket
	for _, p := range searchPartitions(req) {
		for id := range q.partitions[p] {
			if id == userID || q.blockedLocked(userID, id) {
				continue
			}
			c, ok := q.liveLocked(id)
			if !ok || !models.Compatible(req, c) {
				continue
			}
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Map iteration order is not a uniform shuffle; sort first so the
	// shuffle alone decides.
	sortByEnqueue(candidates)
	q.rnd.shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	chosen := candidates[0]

	q.removeLocked(req.UserID)
	q.removeLocked(chosen.UserID)
	until := q.now().Add(q.ttl)
	q.claims[req.UserID] = until
	q.claims[chosen.UserID] = until
	return &Pair{Requester: req, Candidate: chosen}, nil
}

func (q *MemoryQueue) WaitingUsers(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tickets := make([]models.WaitingTicket, 0, len(q.tickets))
	for id := range q.tickets {
		if t, ok := q.liveLocked(id); ok {
			tickets = append(tickets, t)
		}
	}
	return sortByEnqueue(tickets), nil
}

func (q *MemoryQueue) Block(_ context.Context, userA, userB string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	until := q.now().Add(ttl)
	for _, pair := range [][2]string{{userA, userB}, {userB, userA}} {
		if q.blocks[pair[0]] == nil {
			q.blocks[pair[0]] = make(map[string]time.Time)
		}
		q.blocks[pair[0]][pair[1]] = until
	}
	return nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := newStats()
	for id := range q.tickets {
		if t, ok := q.liveLocked(id); ok {
			st.add(t)
		}
	}
	return st, nil
}

func (q *MemoryQueue) Prune(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pruned := 0
	for id := range q.tickets {
		if _, ok := q.liveLocked(id); !ok {
			pruned++
		}
	}
	for id, until := range q.claims {
		if !q.now().Before(until) {
			delete(q.claims, id)
		}
	}
	for a, peers := range q.blocks {
		for b := range peers {
			q.blockedLocked(a, b)
		}
		if len(peers) == 0 {
			delete(q.blocks, a)
		}
	}
	return pruned, nil
}
