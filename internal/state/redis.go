package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/portfwd/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	keyPairPrefix   = "portfwd:pair:"
	keyPairsTotal   = "portfwd:pairs_total"
	keyDialFailures = "portfwd:dial_failures_total"
)

// pairRecord is the JSON form stored in Redis.
type pairRecord struct {
	PairInfo
	Instance string `json:"instance"`
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis implements Store on top of Redis so totals are shared between
// instances. Pending attempts stay local since only this process holds their
// sockets.
type Redis struct {
	client     *redis.Client
	log        *obs.Logger
	mu         sync.Mutex
	pending    map[string]PendingInfo
	pairs      map[string]PairInfo // locally owned pairs, refreshed by heartbeat
	closing    bool
	ready      bool
	instanceID string

	// fallback counters when Redis is unreachable
	totalPairs   int64
	dialFailures int64

	opTimeout         time.Duration
	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

var _ Store = (*Redis)(nil)

// NewRedis connects and pings the server.
func NewRedis(opts RedisOptions, log *obs.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Redis{
		client:            rdb,
		log:               log,
		pending:           make(map[string]PendingInfo),
		pairs:             make(map[string]PairInfo),
		instanceID:        fmt.Sprintf("portfwd-%d", time.Now().UnixNano()),
		opTimeout:         2 * time.Second,
		heartbeatInterval: 30 * time.Second,
		keyTTL:            2 * time.Minute,
	}, nil
}

func (r *Redis) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

func (r *Redis) SetClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *Redis) SetReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *Redis) IsClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *Redis) IsReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *Redis) TrackPending(p PendingInfo) {
	r.mu.Lock()
	r.pending[p.ID] = p
	r.mu.Unlock()
}

func (r *Redis) DropPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	delete(r.pending, id)
	return ok
}

func (r *Redis) RegisterPair(p PairInfo) error {
	r.mu.Lock()
	if _, exists := r.pairs[p.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("pair already registered: %s", p.ID)
	}
	delete(r.pending, p.ID)
	r.pairs[p.ID] = p
	r.totalPairs++
	r.mu.Unlock()

	data, err := json.Marshal(pairRecord{PairInfo: p, Instance: r.instanceID})
	if err != nil {
		return fmt.Errorf("marshal pair: %w", err)
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyPairPrefix+p.ID, data, r.keyTTL)
	pipe.Incr(ctx, keyPairsTotal)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis register pair: %w", err)
	}
	return nil
}

func (r *Redis) RemovePair(id string) {
	r.mu.Lock()
	delete(r.pairs, id)
	r.mu.Unlock()
	ctx, cancel := r.opCtx()
	defer cancel()
	if err := r.client.Del(ctx, keyPairPrefix+id).Err(); err != nil {
		r.log.Error("redis.remove_pair", obs.Fields{"err": err.Error(), "id": id})
	}
}

func (r *Redis) RecordDialFailure() {
	r.mu.Lock()
	r.dialFailures++
	r.mu.Unlock()
	ctx, cancel := r.opCtx()
	defer cancel()
	if err := r.client.Incr(ctx, keyDialFailures).Err(); err != nil {
		r.log.Error("redis.dial_failure", obs.Fields{"err": err.Error()})
	}
}

// Stats reports local pending/active counts and cluster-wide totals. If Redis
// cannot be read the local totals are returned instead.
func (r *Redis) Stats() Stats {
	r.mu.Lock()
	st := Stats{Pending: len(r.pending), Active: len(r.pairs), TotalPairs: r.totalPairs, DialFailures: r.dialFailures}
	r.mu.Unlock()

	ctx, cancel := r.opCtx()
	defer cancel()
	vals, err := r.client.MGet(ctx, keyPairsTotal, keyDialFailures).Result()
	if err != nil {
		r.log.Error("redis.stats", obs.Fields{"err": err.Error()})
		return st
	}
	if n, ok := parseCounter(vals[0]); ok {
		st.TotalPairs = n
	}
	if n, ok := parseCounter(vals[1]); ok {
		st.DialFailures = n
	}
	return st
}

// Pairs lists the pairs owned by this instance.
func (r *Redis) Pairs() []PairInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedPairs(r.pairs)
}

func parseCounter(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

// StartMaintenance refreshes TTLs of locally owned pairs until ctx is done.
func (r *Redis) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *Redis) heartbeat() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pairs))
	for id := range r.pairs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, keyPairPrefix+id, r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		r.log.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "pairs": len(ids)})
	}
}

// Close removes this instance's pair records and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.pairs))
	for id := range r.pairs {
		keys = append(keys, keyPairPrefix+id)
	}
	r.pairs = make(map[string]PairInfo)
	r.mu.Unlock()
	if len(keys) > 0 {
		ctx, cancel := r.opCtx()
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			r.log.Error("redis.close", obs.Fields{"err": err.Error()})
		}
		cancel()
	}
	return r.client.Close()
}
