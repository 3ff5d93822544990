//go:build integration

package relaxedcache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/budgierless/spark-advisory-engine/pkg/model"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
)

type fakeStore struct {
	packetstore.Store
	calls int
	pkt   *model.Packet
}

func (f *fakeStore) LookupRelaxed(packetstore.RelaxedQuery) (*model.Packet, error) {
	f.calls++
	return f.pkt, nil
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.FlushDB(context.Background()).Err() })
	return rdb
}

func TestLookupRelaxed_CachesAcrossCalls(t *testing.T) {
	rdb := testRedis(t)
	inner := &fakeStore{pkt: &model.Packet{PacketID: "p1", ProjectKey: "proj1"}}
	store := Wrap(inner, rdb, time.Minute)

	q := packetstore.RelaxedQuery{ProjectKey: "proj1", ToolName: "Bash"}
	got1, err := store.LookupRelaxed(q)
	require.NoError(t, err)
	require.Equal(t, "p1", got1.PacketID)

	got2, err := store.LookupRelaxed(q)
	require.NoError(t, err)
	require.Equal(t, "p1", got2.PacketID)

	require.Equal(t, 1, inner.calls, "second lookup should be served from cache")
}
