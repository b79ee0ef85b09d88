package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarks-tech/courier-go/pkg/durable"
	"github.com/quarks-tech/courier-go/pkg/durable/redis"
	"github.com/quarks-tech/courier-go/pkg/durable/storetest"
	"github.com/quarks-tech/courier-go/pkg/envelope"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) durable.Store {
		_, client := newClient(t)
		return redis.New(client)
	})
}

func TestKeyLayout(t *testing.T) {
	mr, client := newClient(t)
	s := redis.New(client, redis.WithPrefix("app"))
	ctx := context.Background()

	e := envelope.New(nil)
	e.MessageType = "sample"
	e.OwnerID = "node-a"

	require.NoError(t, s.PersistIncoming(ctx, e))

	assert.True(t, mr.Exists("app:env:"+e.ID))
	assert.Equal(t, "Incoming", mr.HGet("app:env:"+e.ID, "status"))
	assert.Equal(t, "node-a", mr.HGet("app:env:"+e.ID, "owner"))

	members, err := mr.SMembers("app:status:Incoming")
	require.NoError(t, err)
	assert.Equal(t, []string{e.ID}, members)

	require.NoError(t, s.DeleteIfPresent(ctx, e.ID))
	assert.False(t, mr.Exists("app:env:"+e.ID))
}

func TestUnavailable(t *testing.T) {
	mr, client := newClient(t)
	s := redis.New(client)

	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.AllOutgoing(ctx, "")
	assert.ErrorIs(t, err, durable.ErrStoreUnavailable)
}
