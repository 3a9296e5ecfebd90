package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"moff.io/vault-wallet/internal/wallet"
	"moff.io/vault-wallet/pkg/errors"
)

func TestDetectCachesPositiveProbe(t *testing.T) {
	var probes atomic.Int32
	healthy := atomic.NewBool(false)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		probes.Inc()
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	now := time.Unix(1700000000, 0)
	c := NewClient(srv.URL+"/", WithDetectTTL(time.Minute), WithClock(func() time.Time { return now }))

	assert.False(t, c.Detect(context.Background()))
	assert.False(t, c.Detect(context.Background()))
	assert.Equal(t, int32(2), probes.Load())

	healthy.Store(true)
	assert.True(t, c.Detect(context.Background()))
	assert.True(t, c.Detect(context.Background()))
	assert.Equal(t, int32(3), probes.Load())

	now = now.Add(2 * time.Minute)
	assert.True(t, c.Detect(context.Background()))
	assert.Equal(t, int32(4), probes.Load())
}

func TestDetectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	assert.False(t, NewClient(url).Detect(context.Background()))
}

func TestRequestShapes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		result string
		err    error
	}{
		{"plain result", 200, `{"jsonrpc":"2.0","id":1,"result":{"txid":"ab"}}`, `{"txid":"ab"}`, nil},
		{"status envelope", 200, `{"status":"success","result":"0xabc"}`, `"0xabc"`, nil},
		{"user rejected", 200, `{"error":{"code":4001,"message":"User rejected"}}`, "", wallet.ErrUserRejected},
		{"status error", 200, `{"status":"error","error":{"code":-32000,"message":"cancelled"}}`, "", wallet.ErrUserRejected},
		{"wallet error", 200, `{"error":{"code":-32603,"message":"internal"}}`, "", wallet.ErrWalletError},
		{"no result", 200, `{"id":1}`, "", wallet.ErrMalformedResponse},
		{"server down", 502, `bad gateway`, "", ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/rpc", r.URL.Path)
				assert.Equal(t, http.MethodPost, r.Method)
				var req map[string]interface{}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "stx_callContract", req["method"])
				assert.Equal(t, "2.0", req["jsonrpc"])
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			raw, err := NewClient(srv.URL).Request(context.Background(), "stx_callContract", map[string]string{"contract": "SP.x"})
			if tc.err != nil {
				assert.True(t, errors.Is(err, tc.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tc.result, string(raw))
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL).Request(ctx, "stx_signMessage", nil)
	assert.ErrorIs(t, err, wallet.ErrWalletTimeout)
}
