package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHandoffStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryHandoffStore(2)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Save(ctx, &Handoff{ID: "h" + strconv.Itoa(i), Status: HandoffPending}))
	}
	_, err := s.Get(ctx, "h0")
	assert.ErrorIs(t, err, ErrHandoffNotFound)

	h, err := s.Get(ctx, "h2")
	require.NoError(t, err)
	h.Status = HandoffCompleted
	again, err := s.Get(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, HandoffPending, again.Status, "stored handoffs are copies")
}

func TestDeepLinkBuild(t *testing.T) {
	h := newHandoff("stx_callContract", map[string]interface{}{"functionName": "deposit"}, time.Unix(0, 0))
	d := &DeepLink{WalletURL: "https://wallet.example/tx?app=vault", CallbackURL: "https://vault.example/cb"}
	link, err := d.Build(h)
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "vault", q.Get("app"))
	assert.Equal(t, "https://vault.example/cb?handoff="+h.ID, q.Get("callback"))

	raw, err := base64.RawURLEncoding.DecodeString(q.Get("request"))
	require.NoError(t, err)
	var req struct {
		ID     string                 `json:"id"`
		Method string                 `json:"method"`
		Params map[string]interface{} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(raw, &req))
	assert.Equal(t, h.ID, req.ID)
	assert.Equal(t, "stx_callContract", req.Method)
	assert.Equal(t, "deposit", req.Params["functionName"])
}
