package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"moff.io/vault-wallet/internal/bridge"
	"moff.io/vault-wallet/internal/chains"
	"moff.io/vault-wallet/internal/chains/stacks"
	"moff.io/vault-wallet/internal/wallet"
	"moff.io/vault-wallet/pkg/common"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
)

// Transport names reported in results and metrics.
const (
	TransportBridge   = "bridge"
	TransportRPC      = "rpc"
	TransportDeepLink = "deeplink"
)

// Bridge is a locally reachable wallet agent.
type Bridge interface {
	Detect(ctx context.Context) bool
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Broadcaster submits signed transactions to a node.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
}

// Metrics observes dispatch attempts.
type Metrics interface {
	ObserveAttempt(transport, outcome string, elapsed time.Duration)
	ObserveResult(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveAttempt(string, string, time.Duration) {}
func (nopMetrics) ObserveResult(string)                         {}

// Timeouts bound each call by what it waits on.
type Timeouts struct {
	// Build covers calls with no human in the loop: bridge probe, address query.
	Build time.Duration
	// Approve covers waiting for the user to approve in the wallet.
	Approve time.Duration
	// Broadcast covers submitting to the node.
	Broadcast time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Build: 10 * time.Second, Approve: 90 * time.Second, Broadcast: 20 * time.Second}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Build <= 0 {
		t.Build = d.Build
	}
	if t.Approve <= 0 {
		t.Approve = d.Approve
	}
	if t.Broadcast <= 0 {
		t.Broadcast = d.Broadcast
	}
	return t
}

type Options struct {
	Bridge      Bridge
	RPC         wallet.Requester
	Broadcaster Broadcaster
	DeepLink    *DeepLink
	Opener      Opener
	Handoffs    HandoffStore
	Timeouts    Timeouts
	Metrics     Metrics
	Network     *chains.Network
}

// Result is the outcome of one successful Submit.
type Result struct {
	TxID      string   `json:"txid,omitempty"`
	Pending   bool     `json:"pending"`
	Handoff   *Handoff `json:"handoff,omitempty"`
	Transport string   `json:"transport"`
}

// Dispatcher routes intents to the first transport that can carry them.
type Dispatcher struct {
	opts Options
	now  func() time.Time
}

func New(opts Options) *Dispatcher {
	opts.Timeouts = opts.Timeouts.withDefaults()
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Network == nil {
		opts.Network = chains.Mainnet
	}
	if opts.DeepLink != nil && opts.Handoffs == nil {
		opts.Handoffs = NewMemoryHandoffStore(0)
	}
	return &Dispatcher{opts: opts, now: time.Now}
}

type step int

const (
	stepNext step = iota
	stepDone
	stepTerminal
)

type strategy struct {
	name string
	run  func(ctx context.Context, call *call) (*Result, step, error)
}

// call is one Submit or SignMessage in flight.
type call struct {
	method  string
	params  map[string]interface{}
	session *wallet.Session
	// finish turns a raw wallet answer into a result.
	finish func(ctx context.Context, transport string, raw json.RawMessage) (*Result, error)
}

// Submit gets intent signed and broadcast by the first transport that works:
// the local bridge, then the paired session, then a deep link.
func (d *Dispatcher) Submit(ctx context.Context, intent *Intent, s *wallet.Session) (*Result, error) {
	res, err := d.submit(ctx, intent, s)
	if err != nil {
		d.opts.Metrics.ObserveResult(wallet.KindOf(err).String())
		return nil, err
	}
	if res.Pending {
		d.opts.Metrics.ObserveResult("pending")
	} else {
		d.opts.Metrics.ObserveResult("ok")
	}
	return res, nil
}

func (d *Dispatcher) submit(ctx context.Context, intent *Intent, s *wallet.Session) (*Result, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	method := intent.Method()
	if err := d.precheck(s, method); err != nil {
		return nil, err
	}
	params, err := intent.params(d.opts.Network)
	if err != nil {
		return nil, err
	}
	c := &call{method: method, params: params, session: s, finish: d.finishTransaction}
	return d.route(ctx, c, []strategy{
		{TransportBridge, d.viaBridge},
		{TransportRPC, d.viaSession},
		{TransportDeepLink, d.viaDeepLink},
	})
}

// precheck fails before any network call when the request cannot succeed.
func (d *Dispatcher) precheck(s *wallet.Session, method string) error {
	if s == nil {
		if d.opts.Bridge == nil {
			return wallet.NewError(wallet.KindSessionExpired, "connect your wallet first")
		}
		return nil
	}
	if !s.Usable(d.now()) {
		return wallet.NewError(wallet.KindSessionExpired, "session %s is %s", s.ID, s.State())
	}
	if !s.Capabilities.Supports(method) {
		return wallet.NewError(wallet.KindCapabilityMismatch, "connected wallet does not support %s", method)
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, c *call, strategies []strategy) (*Result, error) {
	var lastErr error
	for _, st := range strategies {
		start := time.Now()
		res, next, err := st.run(ctx, c)
		switch next {
		case stepDone:
			d.opts.Metrics.ObserveAttempt(st.name, "ok", time.Since(start))
			res.Transport = st.name
			return res, nil
		case stepTerminal:
			d.opts.Metrics.ObserveAttempt(st.name, wallet.KindOf(err).String(), time.Since(start))
			return nil, err
		}
		if err != nil {
			d.opts.Metrics.ObserveAttempt(st.name, wallet.KindOf(err).String(), time.Since(start))
			log.Infof("dispatch - %s via %s failed, trying next: %v", c.method, st.name, err)
			lastErr = err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		return nil, wallet.NewError(wallet.KindSessionExpired, "no wallet transport available, connect your wallet")
	}
	if wallet.IsTimeout(lastErr) && wallet.KindOf(lastErr) != wallet.KindWalletTimeout {
		return nil, wallet.WrapError(wallet.KindWalletTimeout, lastErr, "%s got no answer", c.method)
	}
	return nil, lastErr
}

type attemptResult struct {
	raw json.RawMessage
	err error
}

// attempt runs fn under timeout. When the timeout wins, fn keeps running and
// its result lands in a buffered channel nobody reads.
func attempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch := make(chan attemptResult, 1)
	go func() {
		raw, err := fn(ctx)
		ch <- attemptResult{raw, err}
	}()
	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, wallet.WrapError(wallet.KindWalletTimeout, ctx.Err(), "no answer within %s", timeout)
		}
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) viaBridge(ctx context.Context, c *call) (*Result, step, error) {
	if d.opts.Bridge == nil {
		return nil, stepNext, nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, d.opts.Timeouts.Build)
	detected := d.opts.Bridge.Detect(probeCtx)
	cancel()
	if !detected {
		return nil, stepNext, nil
	}
	raw, err := attempt(ctx, d.opts.Timeouts.Approve, func(ctx context.Context) (json.RawMessage, error) {
		return d.opts.Bridge.Request(ctx, c.method, c.params)
	})
	if err != nil {
		// only an unreachable or silent agent falls through
		if ctx.Err() == nil && (wallet.IsTimeout(err) || errors.Is(err, bridge.ErrUnavailable)) {
			return nil, stepNext, err
		}
		return nil, stepTerminal, err
	}
	return d.finish(ctx, c, TransportBridge, raw)
}

func (d *Dispatcher) viaSession(ctx context.Context, c *call) (*Result, step, error) {
	if c.session == nil || d.opts.RPC == nil || !c.session.Usable(d.now()) {
		return nil, stepNext, nil
	}
	raw, err := attempt(ctx, d.opts.Timeouts.Approve, func(ctx context.Context) (json.RawMessage, error) {
		return d.opts.RPC.Request(ctx, c.session, c.method, c.params)
	})
	if err != nil {
		if wallet.IsTimeout(err) && ctx.Err() == nil {
			return nil, stepNext, err
		}
		return nil, stepTerminal, err
	}
	return d.finish(ctx, c, TransportRPC, raw)
}

func (d *Dispatcher) viaDeepLink(ctx context.Context, c *call) (*Result, step, error) {
	if d.opts.DeepLink == nil {
		return nil, stepNext, nil
	}
	h := newHandoff(c.method, c.params, d.now())
	link, err := d.opts.DeepLink.Build(h)
	if err != nil {
		return nil, stepTerminal, err
	}
	h.WalletURL = link
	if err := d.opts.Handoffs.Save(ctx, h); err != nil {
		return nil, stepTerminal, errors.Wrap(err, "save handoff")
	}
	if d.opts.Opener != nil {
		if err := d.opts.Opener.Open(ctx, link); err != nil {
			log.Warnf("dispatch - open wallet link for handoff %s: %v", h.ID, err)
		}
	}
	log.Infof("dispatch - %s handed off to wallet app as %s", c.method, h.ID)
	return &Result{Pending: true, Handoff: h}, stepDone, nil
}

func (d *Dispatcher) finish(ctx context.Context, c *call, transport string, raw json.RawMessage) (*Result, step, error) {
	res, err := c.finish(ctx, transport, raw)
	if err != nil {
		return nil, stepTerminal, err
	}
	return res, stepDone, nil
}

func (d *Dispatcher) finishTransaction(ctx context.Context, transport string, raw json.RawMessage) (*Result, error) {
	a := normalize(raw)
	switch a.kind {
	case answerTxID:
		return &Result{TxID: a.txid}, nil
	case answerSignedTx:
		return d.broadcast(ctx, a.rawTx)
	case answerRejected:
		return nil, a.err
	default:
		payload := common.TruncatePayload(raw, 1024)
		log.Error(errors.ErrorfAndReport("dispatch - unreadable %s answer: %s", transport, payload))
		return nil, wallet.NewError(wallet.KindMalformedResponse, "unreadable wallet answer via %s", transport)
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, rawTx []byte) (*Result, error) {
	if d.opts.Broadcaster == nil {
		return nil, wallet.NewError(wallet.KindConfiguration, "no broadcaster for a signed transaction")
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeouts.Broadcast)
	defer cancel()
	txid, err := d.opts.Broadcaster.Broadcast(ctx, rawTx)
	if err != nil {
		return nil, wallet.WrapError(wallet.KindBroadcastFailed, err, "broadcast %s", stacks.TxID(rawTx))
	}
	if id, ok := stacks.NormalizeTxID(txid); ok {
		txid = id
	}
	return &Result{TxID: txid}, nil
}

// ResolveHandoff records the txid the wallet app reported for a deep-link handoff.
func (d *Dispatcher) ResolveHandoff(ctx context.Context, id, txid string) (*Result, error) {
	canonical, ok := stacks.NormalizeTxID(txid)
	if !ok {
		return nil, wallet.NewError(wallet.KindMalformedResponse, "callback txid %q is not a transaction id", txid)
	}
	if d.opts.Handoffs == nil {
		return nil, ErrHandoffNotFound
	}
	h, err := d.opts.Handoffs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Status == HandoffCompleted {
		if h.TxID != canonical {
			return nil, wallet.NewError(wallet.KindInvalidIntent, "handoff %s already completed with %s", id, h.TxID)
		}
		return &Result{TxID: h.TxID, Handoff: h, Transport: TransportDeepLink}, nil
	}
	h.Status = HandoffCompleted
	h.TxID = canonical
	if err := d.opts.Handoffs.Save(ctx, h); err != nil {
		return nil, errors.Wrap(err, "save handoff")
	}
	d.opts.Metrics.ObserveResult("ok")
	return &Result{TxID: canonical, Handoff: h, Transport: TransportDeepLink}, nil
}
