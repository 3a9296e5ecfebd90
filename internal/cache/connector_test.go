package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"moff.io/vault-wallet/internal/config"
	"moff.io/vault-wallet/internal/dispatch"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *HandoffStore) {
	srv := miniredis.RunT(t)
	cred := &config.Redis{}
	cred.Address = srv.Host()
	cred.Port = srv.Port()
	rdb, err := NewRedis(context.Background(), cred)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return srv, NewHandoffStore(rdb, time.Hour)
}

func TestHandoffStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, s := newTestRedis(t)

	h := &dispatch.Handoff{
		ID:        "abc",
		Method:    "stx_callContract",
		Params:    map[string]interface{}{"functionName": "deposit"},
		WalletURL: "https://wallet.example/tx",
		Status:    dispatch.HandoffPending,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, s.Save(ctx, h))
	assert.Equal(t, time.Hour, srv.TTL(handoffPrefix+"abc"))

	got, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, h.Method, got.Method)
	assert.Equal(t, "deposit", got.Params["functionName"])
	assert.Equal(t, dispatch.HandoffPending, got.Status)
	assert.True(t, h.CreatedAt.Equal(got.CreatedAt))
}

func TestHandoffStoreMissingAndExpired(t *testing.T) {
	ctx := context.Background()
	srv, s := newTestRedis(t)

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, dispatch.ErrHandoffNotFound)

	require.NoError(t, s.Save(ctx, &dispatch.Handoff{ID: "old"}))
	srv.FastForward(2 * time.Hour)
	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, dispatch.ErrHandoffNotFound)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	srv, s := newTestRedis(t)
	require.NoError(t, srv.Set("other", "keep"))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, &dispatch.Handoff{ID: id}))
	}
	require.NoError(t, s.Purge(ctx))
	assert.Equal(t, []string{"other"}, srv.Keys())
}

func TestNewRedisUnreachable(t *testing.T) {
	cred := &config.Redis{}
	cred.Address = "127.0.0.1"
	cred.Port = "1"
	_, err := NewRedis(context.Background(), cred)
	assert.Error(t, err)
}
