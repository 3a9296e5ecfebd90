// Package bridge talks to a local wallet agent (browser extension host or
// desktop wallet daemon) over HTTP JSON-RPC.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
	"moff.io/vault-wallet/internal/wallet"
	"moff.io/vault-wallet/pkg/common"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
)

// ErrUnavailable means the agent could not be reached or answered garbage.
var ErrUnavailable = errors.New("wallet bridge unavailable")

const (
	defaultDetectTTL = 30 * time.Second
	maxBody          = 1 << 20
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time
	seq        atomic.Int64

	mu         sync.Mutex
	detectedAt time.Time
}

type Option func(*Client)

// WithDetectTTL sets how long a successful probe is trusted.
func WithDetectTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		ttl:        defaultDetectTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Detect probes GET /health. A positive answer is cached for the detect TTL;
// negative answers are not cached.
func (c *Client) Detect(ctx context.Context) bool {
	c.mu.Lock()
	if !c.detectedAt.IsZero() && c.now().Sub(c.detectedAt) < c.ttl {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debugf("wallet bridge - probe failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode/100 != 2 {
		log.Debugf("wallet bridge - probe status %d", resp.StatusCode)
		return false
	}
	c.mu.Lock()
	c.detectedAt = c.now()
	c.mu.Unlock()
	return true
}

// Forget drops the cached probe result.
func (c *Client) Forget() {
	c.mu.Lock()
	c.detectedAt = time.Time{}
	c.mu.Unlock()
}

type rpcRequest struct {
	JSONRpc string      `json:"jsonrpc"`
	Id      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// Request posts one JSON-RPC call to /rpc and returns its result. Both the
// plain {result, error} shape and the {status, result, error} envelope are read.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(&rpcRequest{JSONRpc: "2.0", Id: c.seq.Inc(), Method: method, Params: params})
	if err != nil {
		return nil, errors.Wrap(err, "marshal bridge request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build bridge request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.Forget()
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, wallet.WrapError(wallet.KindWalletTimeout, ctx.Err(), "bridge %s got no answer", method)
		}
		return nil, errors.Wrapf(ErrUnavailable, "%s: %v", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "read %s answer: %v", method, err)
	}
	return decode(method, resp.StatusCode, raw)
}

func decode(method string, status int, raw []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.Wrapf(ErrUnavailable, "%s answered %d with %s", method, status, common.TruncatePayload(raw, 256))
	}
	root := gjson.ParseBytes(raw)
	if e := root.Get("error"); e.Exists() && e.Type != gjson.Null {
		return nil, rpcError(e)
	}
	if st := root.Get("status"); st.Exists() && !strings.EqualFold(st.String(), "success") {
		return nil, wallet.ClassifyRPCError(0, st.String())
	}
	if status/100 != 2 {
		return nil, errors.Wrapf(ErrUnavailable, "%s answered %d", method, status)
	}
	result := root.Get("result")
	if !result.Exists() {
		return nil, wallet.NewError(wallet.KindMalformedResponse, "bridge %s answer has no result", method)
	}
	return json.RawMessage(result.Raw), nil
}

func rpcError(e gjson.Result) error {
	if e.Type == gjson.String {
		return wallet.ClassifyRPCError(0, e.String())
	}
	return wallet.ClassifyRPCError(int(e.Get("code").Int()), e.Get("message").String())
}
