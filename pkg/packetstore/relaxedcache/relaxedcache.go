// Package relaxedcache memoizes packetstore.Store.LookupRelaxed results in
// Redis, for multi-process deployments where relaxed lookup's index scan is
// worth skipping on a cross-process cache hit (spec.md §9's "distributed
// deployments" note). It is a pure speed layer: a miss or a Redis outage
// always falls back to the wrapped Store, never changes the answer.
package relaxedcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/budgierless/spark-advisory-engine/pkg/advisoryerr"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
)

// DefaultTTL bounds how long a memoized relaxed-lookup result is trusted
// before the next call re-queries the backing store, independent of the
// packet's own fresh_until_ts (which the backing store still enforces).
const DefaultTTL = 30 * time.Second

// Store wraps a packetstore.Store, memoizing LookupRelaxed by query key.
type Store struct {
	packetstore.Store
	rdb *redis.Client
	ttl time.Duration
}

// Wrap returns inner with its relaxed lookups memoized in rdb.
func Wrap(inner packetstore.Store, rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{Store: inner, rdb: rdb, ttl: ttl}
}

func cacheKey(q packetstore.RelaxedQuery) string {
	return fmt.Sprintf("advisory:relaxed:%s:%s:%s:%s", q.ProjectKey, q.ToolName, q.IntentFamily, q.TaskPlane)
}

// LookupRelaxed consults Redis first; on miss or any Redis error it falls
// through to the wrapped store and best-effort caches the result.
func (s *Store) LookupRelaxed(q packetstore.RelaxedQuery) (*model.Packet, error) {
	ctx := context.Background()
	key := cacheKey(q)

	if raw, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if raw == "" {
			return nil, fmt.Errorf("%w: cached miss", advisoryerr.ErrNotFound)
		}
		var p model.Packet
		if jsonErr := json.Unmarshal([]byte(raw), &p); jsonErr == nil {
			return &p, nil
		}
		slog.Warn("relaxedcache: discarding corrupt cache entry", "key", key)
	} else if !errors.Is(err, redis.Nil) {
		slog.Debug("relaxedcache: redis unavailable, falling back", "error", err)
	}

	p, err := s.Store.LookupRelaxed(q)
	if err != nil {
		if errors.Is(err, advisoryerr.ErrNotFound) {
			_ = s.rdb.Set(ctx, key, "", s.ttl).Err()
		}
		return nil, err
	}

	if data, marshalErr := json.Marshal(p); marshalErr == nil {
		if setErr := s.rdb.Set(ctx, key, data, s.ttl).Err(); setErr != nil {
			slog.Debug("relaxedcache: failed to populate cache", "error", setErr)
		}
	}
	return p, nil
}

// Invalidate evicts any memoized entry for q, used after
// InvalidatePacket/InvalidatePackets to avoid serving a stale relaxed hit
// for the cache's TTL window.
func (s *Store) Invalidate(q packetstore.RelaxedQuery) error {
	if err := s.rdb.Del(context.Background(), cacheKey(q)).Err(); err != nil {
		return fmt.Errorf("relaxedcache: evicting %s: %w", cacheKey(q), err)
	}
	return nil
}

var _ packetstore.Store = (*Store)(nil)
