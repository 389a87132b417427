package queue

import (
	"context"
	"encoding/json"
	"errors"
	"pairchat/backend/internal/apperr"
	"pairchat/backend/internal/models"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const waitingKey = "queue:waiting"

func ticketKey(userID string) string  { return "queue:ticket:" + userID }
func claimKey(userID string) string   { return "queue:claimed:" + userID }
func partitionKey(name string) string { return "queue:part:" + name }
func blockKey(userID string) string   { return "queue:block:" + userID }

func partitionKeys(names []string) []string {
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = partitionKey(n)
	}
	return keys
}

// enqueueScript: KEYS = ticket, waiting, target partition, claim marker,
// every partition. ARGV = ticket json, ttl ms, user id, enqueue score.
var enqueueScript = redis.NewScript(`
for i = 5, #KEYS do
	redis.call('SREM', KEYS[i], ARGV[3])
end
redis.call('DEL', KEYS[4])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// requeueScript writes the ticket back only while the claim marker survives
// and no newer ticket exists. KEYS and ARGV as in enqueueScript, with the
// claim marker in KEYS[4].
var requeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[4]) == 0 then
	return 0
end
for i = 5, #KEYS do
	redis.call('SREM', KEYS[i], ARGV[3])
end
redis.call('DEL', KEYS[4])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// dequeueScript: KEYS = ticket, claim marker, waiting, every partition.
// ARGV = user id.
var dequeueScript = redis.NewScript(`
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[1])
for i = 4, #KEYS do
	redis.call('SREM', KEYS[i], ARGV[1])
end
return 1
`)

// unindexScript drops index entries of an expired ticket. It never touches
// the ticket key. KEYS = ticket, waiting, every partition. ARGV = user id.
var unindexScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
for i = 3, #KEYS do
	redis.call('SREM', KEYS[i], ARGV[1])
end
return 1
`)

// claimScript removes both tickets only if neither changed since they were
// read, leaving a claim marker behind for Requeue.
// KEYS = ticket A, ticket B, claim A, claim B, waiting, partitions of the kind.
// ARGV = ticket A json, ticket B json, user A, user B, marker ttl ms.
var claimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
if redis.call('GET', KEYS[2]) ~= ARGV[2] then
	return 0
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[5])
redis.call('SET', KEYS[4], ARGV[2], 'PX', ARGV[5])
redis.call('ZREM', KEYS[5], ARGV[3], ARGV[4])
for i = 6, #KEYS do
	redis.call('SREM', KEYS[i], ARGV[3], ARGV[4])
end
return 1
`)

// blockScript: KEYS = block set of each side. ARGV = user A, user B,
// expiry ms, now ms. A set lives as long as its longest running block.
var blockScript = redis.NewScript(`
local partners = {ARGV[2], ARGV[1]}
for i = 1, 2 do
	redis.call('ZADD', KEYS[i], ARGV[3], partners[i])
	redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', ARGV[4])
	local last = redis.call('ZRANGE', KEYS[i], -1, -1, 'WITHSCORES')
	if last[2] then
		local ttl = tonumber(last[2]) - tonumber(ARGV[4])
		if ttl > 0 then
			redis.call('PEXPIRE', KEYS[i], math.floor(ttl))
		end
	end
end
return 1
`)

// RedisQueue shares tickets between instances. Every mutation is a single
// Lua script, so no cross-key lock is needed.
type RedisQueue struct {
	Redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
	rnd   *shuffler
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(rdb *redis.Client, ttl time.Duration, opts ...Option) *RedisQueue {
	s := buildSettings(opts)
	return &RedisQueue{Redis: rdb, ttl: ttl, now: s.now, rnd: &shuffler{rnd: s.rnd}}
}

func (q *RedisQueue) Enqueue(ctx context.Context, t models.WaitingTicket) error {
	if err := t.Normalize(q.now()); err != nil {
		return err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	err = enqueueScript.Run(ctx, q.Redis, ticketKeys(t),
		string(raw), q.ttl.Milliseconds(), t.UserID, t.EnqueuedAt.UnixMilli()).Err()
	return apperr.Transient("enqueue", err)
}

func (q *RedisQueue) Requeue(ctx context.Context, t models.WaitingTicket) (bool, error) {
	if err := t.Normalize(q.now()); err != nil {
		return false, err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return false, err
	}
	n, err := requeueScript.Run(ctx, q.Redis, ticketKeys(t),
		string(raw), q.ttl.Milliseconds(), t.UserID, t.EnqueuedAt.UnixMilli()).Int()
	if err != nil {
		return false, apperr.Transient("requeue", err)
	}
	return n == 1, nil
}

func ticketKeys(t models.WaitingTicket) []string {
	return append([]string{
		ticketKey(t.UserID),
		waitingKey,
		partitionKey(partitionName(t.Kind, t.Filters.PreferredGender)),
		claimKey(t.UserID),
	}, partitionKeys(allPartitions())...)
}

func (q *RedisQueue) Dequeue(ctx context.Context, userID string) error {
	keys := append([]string{ticketKey(userID), claimKey(userID), waitingKey}, partitionKeys(allPartitions())...)
	return apperr.Transient("dequeue", dequeueScript.Run(ctx, q.Redis, keys, userID).Err())
}

func (q *RedisQueue) IsWaiting(ctx context.Context, userID string) (bool, error) {
	n, err := q.Redis.Exists(ctx, ticketKey(userID)).Result()
	if err != nil {
		return false, apperr.Transient("is waiting", err)
	}
	return n == 1, nil
}

func (q *RedisQueue) Ticket(ctx context.Context, userID string) (*models.WaitingTicket, error) {
	raw, err := q.Redis.Get(ctx, ticketKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient("read ticket", err)
	}
	var t models.WaitingTicket
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

type rawTicket struct {
	ticket models.WaitingTicket
	raw    string
}

// loadTickets fetches tickets for ids in one round trip. Ids whose ticket
// expired are returned separately so callers can unindex them.
func (q *RedisQueue) loadTickets(ctx context.Context, ids []string) ([]rawTicket, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ticketKey(id)
	}
	vals, err := q.Redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, apperr.Transient("load tickets", err)
	}
	var live []rawTicket
	var stale []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var t models.WaitingTicket
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		live = append(live, rawTicket{ticket: t, raw: s})
	}
	return live, stale, nil
}

// unindex removes ids from the waiting set and every partition, unless a
// ticket reappeared in the meantime. It returns how many were removed.
func (q *RedisQueue) unindex(ctx context.Context, ids []string) (int, error) {
	parts := partitionKeys(allPartitions())
	removed := 0
	for _, id := range ids {
		keys := append([]string{ticketKey(id), waitingKey}, parts...)
		n, err := unindexScript.Run(ctx, q.Redis, keys, id).Int()
		if err != nil {
			return removed, apperr.Transient("unindex", err)
		}
		removed += n
	}
	return removed, nil
}

func (q *RedisQueue) blockedBy(ctx context.Context, userID string) (map[string]struct{}, error) {
	floor := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.Redis.ZRangeByScore(ctx, blockKey(userID), &redis.ZRangeBy{Min: "(" + floor, Max: "+inf"}).Result()
	if err != nil {
		return nil, apperr.Transient("read blocks", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (q *RedisQueue) FindCandidate(ctx context.Context, userID string) (*Pair, error) {
	// 1. Requester must still hold a ticket.
	reqRaw, err := q.Redis.Get(ctx, ticketKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient("read ticket", err)
	}
	var req models.WaitingTicket
	if err := json.Unmarshal([]byte(reqRaw), &req); err != nil {
		return nil, err
	}

	// 2. Collect everyone who could accept the requester.
	members, err := q.Redis.SUnion(ctx, partitionKeys(searchPartitions(req))...).Result()
	if err != nil {
		return nil, apperr.Transient("scan partitions", err)
	}
	blocked, err := q.blockedBy(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := members[:0]
	for _, id := range members {
		if _, skip := blocked[id]; id != userID && !skip {
			ids = append(ids, id)
		}
	}
	live, stale, err := q.loadTickets(ctx, ids)
	if err != nil {
		return nil, err
	}
	if _, err := q.unindex(ctx, stale); err != nil {
		return nil, err
	}

	// 3. Keep the mutually compatible ones, in random order.
	candidates := live[:0]
	for _, c := range live {
		if models.Compatible(req, c.ticket) {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ticket.UserID < candidates[j].ticket.UserID
	})
	q.rnd.shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	// 4. Claim the first candidate nobody else took.
	partitions := partitionKeys(kindPartitions(req.Kind))
	for _, c := range candidates {
		keys := append([]string{
			ticketKey(userID), ticketKey(c.ticket.UserID),
			claimKey(userID), claimKey(c.ticket.UserID),
			waitingKey,
		}, partitions...)
		ok, err := claimScript.Run(ctx, q.Redis, keys,
			reqRaw, c.raw, userID, c.ticket.UserID, q.ttl.Milliseconds()).Int()
		if err != nil {
			return nil, apperr.Transient("claim pair", err)
		}
		if ok == 1 {
			return &Pair{Requester: req, Candidate: c.ticket}, nil
		}
		current, err := q.Redis.Get(ctx, ticketKey(userID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, apperr.Transient("read ticket", err)
		}
		if current != reqRaw {
			// The requester was claimed or re-enqueued concurrently.
			return nil, nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) WaitingUsers(ctx context.Context) ([]string, error) {
	ids, err := q.Redis.ZRange(ctx, waitingKey, 0, -1).Result()
	if err != nil {
		return nil, apperr.Transient("list waiting", err)
	}
	live, stale, err := q.loadTickets(ctx, ids)
	if err != nil {
		return nil, err
	}
	if _, err := q.unindex(ctx, stale); err != nil {
		return nil, err
	}
	out := make([]string, len(live))
	for i, t := range live {
		out[i] = t.ticket.UserID
	}
	return out, nil
}

// Block records the pair in both users' block sets, scored by expiry. A
// shorter block never cuts a longer one short.
func (q *RedisQueue) Block(ctx context.Context, userA, userB string, ttl time.Duration) error {
	now := q.now()
	err := blockScript.Run(ctx, q.Redis, []string{blockKey(userA), blockKey(userB)},
		userA, userB, now.Add(ttl).UnixMilli(), now.UnixMilli()).Err()
	return apperr.Transient("block pair", err)
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	st := newStats()
	ids, err := q.Redis.ZRange(ctx, waitingKey, 0, -1).Result()
	if err != nil {
		return st, apperr.Transient("list waiting", err)
	}
	live, _, err := q.loadTickets(ctx, ids)
	if err != nil {
		return st, err
	}
	for _, t := range live {
		st.add(t.ticket)
	}
	return st, nil
}

func (q *RedisQueue) Prune(ctx context.Context) (int, error) {
	seen := map[string]struct{}{}
	ids, err := q.Redis.ZRange(ctx, waitingKey, 0, -1).Result()
	if err != nil {
		return 0, apperr.Transient("list waiting", err)
	}
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, key := range partitionKeys(allPartitions()) {
		members, err := q.Redis.SMembers(ctx, key).Result()
		if err != nil {
			return 0, apperr.Transient("list partition", err)
		}
		for _, id := range members {
			seen[id] = struct{}{}
		}
	}
	all := make([]string, 0, len(seen))
	for id := range seen {
		all = append(all, id)
	}
	_, stale, err := q.loadTickets(ctx, all)
	if err != nil {
		return 0, err
	}
	return q.unindex(ctx, stale)
}
