package dispatch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"moff.io/vault-wallet/internal/bridge"
	"moff.io/vault-wallet/internal/chains"
	"moff.io/vault-wallet/internal/chains/stacks"
	"moff.io/vault-wallet/internal/wallet"
	"moff.io/vault-wallet/pkg/errors"
)

const (
	vaultAddress = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"
	canonicalID  = "0a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20212223242526272829"
)

type fakeRPC struct {
	calls  atomic.Int32
	mu     sync.Mutex
	method string
	params map[string]interface{}
	answer func(ctx context.Context) (json.RawMessage, error)
}

func (f *fakeRPC) Request(ctx context.Context, _ *wallet.Session, method string, params interface{}) (json.RawMessage, error) {
	f.calls.Inc()
	f.mu.Lock()
	f.method = method
	f.params, _ = params.(map[string]interface{})
	f.mu.Unlock()
	return f.answer(ctx)
}

type fakeBridge struct {
	detected bool
	probes   atomic.Int32
	calls    atomic.Int32
	answer   func(ctx context.Context) (json.RawMessage, error)
}

func (f *fakeBridge) Detect(context.Context) bool {
	f.probes.Inc()
	return f.detected
}

func (f *fakeBridge) Request(ctx context.Context, _ string, _ interface{}) (json.RawMessage, error) {
	f.calls.Inc()
	return f.answer(ctx)
}

type fakeBroadcaster struct {
	calls atomic.Int32
	txid  string
	err   error
	got   []byte
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	f.calls.Inc()
	f.got = rawTx
	return f.txid, f.err
}

type countingMetrics struct {
	mu       sync.Mutex
	attempts []string
	results  []string
}

func (m *countingMetrics) ObserveAttempt(transport, outcome string, _ time.Duration) {
	m.mu.Lock()
	m.attempts = append(m.attempts, transport+":"+outcome)
	m.mu.Unlock()
}

func (m *countingMetrics) ObserveResult(outcome string) {
	m.mu.Lock()
	m.results = append(m.results, outcome)
	m.mu.Unlock()
}

func answerWith(body string) func(context.Context) (json.RawMessage, error) {
	return func(context.Context) (json.RawMessage, error) { return json.RawMessage(body), nil }
}

func activeSession(methods ...string) *wallet.Session {
	if len(methods) == 0 {
		methods = wallet.DefaultRequirements("stacks:1").Methods
	}
	s := wallet.NewSession("s1", wallet.Peer{Name: "Xverse"},
		[]wallet.Account{{Namespace: "stacks", Reference: "1", Address: vaultAddress}},
		wallet.NewCapabilities(methods, []string{"stacks:1"}, nil), time.Time{})
	s.Transition(wallet.StateActive)
	return s
}

func depositIntent() *Intent {
	return &Intent{
		Contract:     stacks.ContractID{Address: vaultAddress, Name: "stacksyield-pro"},
		FunctionName: "deposit",
		FunctionArgs: []stacks.Value{stacks.UInt(1000000), stacks.UInt(1)},
		PostConditions: []stacks.PostCondition{stacks.STXPostCondition{
			Principal: stacks.OriginPrincipal(), Code: stacks.ConditionEqual, Amount: 1000000,
		}},
		PostConditionMode: stacks.PostConditionModeDeny,
	}
}

func TestDepositSignedTransactionBroadcastOnce(t *testing.T) {
	t.Setenv("DEBUG", "1")
	signed := strings.Repeat("ab", 120)
	rpc := &fakeRPC{answer: answerWith(`{"transaction":"0x` + signed + `"}`)}
	bc := &fakeBroadcaster{txid: `0x` + strings.ToUpper(canonicalID)}
	metrics := &countingMetrics{}
	d := New(Options{RPC: rpc, Broadcaster: bc, Metrics: metrics, Network: chains.Mainnet})

	res, err := d.Submit(context.Background(), depositIntent(), activeSession())
	require.NoError(t, err)
	assert.Equal(t, canonicalID, res.TxID)
	assert.Equal(t, TransportRPC, res.Transport)
	assert.False(t, res.Pending)
	assert.Equal(t, int32(1), rpc.calls.Load())
	assert.Equal(t, int32(1), bc.calls.Load())
	raw, _ := hex.DecodeString(signed)
	assert.Equal(t, raw, bc.got)

	assert.Equal(t, wallet.MethodCallContract, rpc.method)
	assert.Equal(t, vaultAddress+".stacksyield-pro", rpc.params["contract"])
	assert.Equal(t, "deposit", rpc.params["functionName"])
	assert.Equal(t, "deny", rpc.params["postConditionMode"])
	assert.Equal(t, "mainnet", rpc.params["network"])
	args := rpc.params["functionArgs"].([]string)
	require.Len(t, args, 2)
	assert.Equal(t, "0x01000000000000000000000000000f4240", args[0])
	pcs := rpc.params["postConditions"].([]string)
	require.Len(t, pcs, 1)
	assert.True(t, strings.HasPrefix(pcs[0], "0x0001"))

	assert.Equal(t, []string{"rpc:ok"}, metrics.attempts)
	assert.Equal(t, []string{"ok"}, metrics.results)
}

func TestBroadcastFailureCarriesNodeText(t *testing.T) {
	rpc := &fakeRPC{answer: answerWith(`"` + strings.Repeat("cd", 100) + `"`)}
	bc := &fakeBroadcaster{err: errors.New("transaction rejected: NotEnoughFunds")}
	d := New(Options{RPC: rpc, Broadcaster: bc})

	_, err := d.Submit(context.Background(), depositIntent(), activeSession())
	assert.ErrorIs(t, err, wallet.ErrBroadcastFailed)
	assert.Contains(t, wallet.UserMessage(err), "NotEnoughFunds")
	assert.Equal(t, int32(1), bc.calls.Load())
}

func TestPrechecksMakeNoNetworkCalls(t *testing.T) {
	expired := activeSession()
	expired.Transition(wallet.StateExpired)
	closed := activeSession()
	closed.Transition(wallet.StateClosed)

	cases := []struct {
		name    string
		session *wallet.Session
		bridge  bool
		want    *wallet.Error
	}{
		{"expired", expired, false, wallet.ErrSessionExpired},
		{"expired with bridge", expired, true, wallet.ErrSessionExpired},
		{"closed", closed, false, wallet.ErrSessionExpired},
		{"missing capability", activeSession(wallet.MethodGetAddresses), true, wallet.ErrCapabilityMismatch},
		{"no session no bridge", nil, false, wallet.ErrSessionExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rpc := &fakeRPC{answer: answerWith(`"` + canonicalID + `"`)}
			opts := Options{RPC: rpc}
			br := &fakeBridge{detected: true, answer: answerWith(`"` + canonicalID + `"`)}
			if tc.bridge {
				opts.Bridge = br
			}
			d := New(opts)
			for i := 0; i < 2; i++ {
				_, err := d.Submit(context.Background(), depositIntent(), tc.session)
				assert.ErrorIs(t, err, tc.want)
			}
			assert.Zero(t, rpc.calls.Load())
			assert.Zero(t, br.probes.Load())
			assert.Zero(t, br.calls.Load())
		})
	}
}

func TestInvalidIntent(t *testing.T) {
	d := New(Options{RPC: &fakeRPC{}})
	bad := []*Intent{
		nil,
		{FunctionName: "deposit"},
		{Contract: stacks.ContractID{Address: vaultAddress, Name: "v"}},
		{Contract: stacks.ContractID{Address: vaultAddress, Name: "v"}, FunctionName: "f", PostConditionMode: 7},
		{Contract: stacks.ContractID{Address: vaultAddress, Name: "v"}, FunctionName: "f", PostConditionMode: stacks.PostConditionModeDeny, FunctionArgs: []stacks.Value{nil}},
		{Transfer: &Transfer{Recipient: "nope", Amount: 1}},
		{Transfer: &Transfer{Recipient: vaultAddress}},
	}
	for i, in := range bad {
		_, err := d.Submit(context.Background(), in, activeSession())
		assert.ErrorIs(t, err, wallet.ErrInvalidIntent, "case %d", i)
	}
}

func TestWalletTimeoutDiscardsLateAnswer(t *testing.T) {
	release := make(chan struct{})
	delivered := make(chan struct{})
	rpc := &fakeRPC{answer: func(context.Context) (json.RawMessage, error) {
		<-release
		defer close(delivered)
		return json.RawMessage(`"` + canonicalID + `"`), nil
	}}
	bc := &fakeBroadcaster{}
	d := New(Options{RPC: rpc, Broadcaster: bc, Timeouts: Timeouts{Approve: 30 * time.Millisecond}})

	res, err := d.Submit(context.Background(), depositIntent(), activeSession())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, wallet.ErrWalletTimeout)
	assert.Contains(t, wallet.UserMessage(err), "try again")

	close(release)
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("late answer never produced")
	}
	assert.Zero(t, bc.calls.Load())

	next := strings.Repeat("ee", 32)
	rpc.answer = answerWith(`"` + next + `"`)
	res, err = d.Submit(context.Background(), depositIntent(), activeSession())
	require.NoError(t, err)
	assert.Equal(t, next, res.TxID)
	assert.Equal(t, int32(2), rpc.calls.Load())
	assert.Zero(t, bc.calls.Load())
}

func TestUserRejectionIsTerminal(t *testing.T) {
	rpc := &fakeRPC{answer: func(context.Context) (json.RawMessage, error) {
		return nil, wallet.ClassifyRPCError(wallet.CodeUserRejected, "User rejected request")
	}}
	d := New(Options{RPC: rpc, DeepLink: &DeepLink{WalletURL: "https://wallet.example/tx"}})
	_, err := d.Submit(context.Background(), depositIntent(), activeSession())
	assert.ErrorIs(t, err, wallet.ErrUserRejected)
	assert.Equal(t, int32(1), rpc.calls.Load())

	br := &fakeBridge{detected: true, answer: func(context.Context) (json.RawMessage, error) {
		return nil, wallet.ClassifyRPCError(-32000, "cancelled")
	}}
	rpc2 := &fakeRPC{answer: answerWith(`"` + canonicalID + `"`)}
	d = New(Options{Bridge: br, RPC: rpc2})
	_, err = d.Submit(context.Background(), depositIntent(), activeSession())
	assert.ErrorIs(t, err, wallet.ErrUserRejected)
	assert.Zero(t, rpc2.calls.Load())
}

func TestBridgeFallsThroughToSession(t *testing.T) {
	br := &fakeBridge{detected: true, answer: func(context.Context) (json.RawMessage, error) {
		return nil, errors.Wrapf(bridge.ErrUnavailable, "%s: %v", wallet.MethodCallContract, "connection refused")
	}}
	rpc := &fakeRPC{answer: answerWith(`{"result":{"txid":"` + canonicalID + `"}}`)}
	d := New(Options{Bridge: br, RPC: rpc})
	res, err := d.Submit(context.Background(), depositIntent(), activeSession())
	require.NoError(t, err)
	assert.Equal(t, TransportRPC, res.Transport)
	assert.Equal(t, canonicalID, res.TxID)
	assert.Equal(t, int32(1), br.calls.Load())

	br.detected = false
	br.answer = answerWith(`"` + canonicalID + `"`)
	res, err = d.Submit(context.Background(), depositIntent(), activeSession())
	require.NoError(t, err)
	assert.Equal(t, TransportRPC, res.Transport)
	assert.Equal(t, int32(1), br.calls.Load())
}

func TestBridgeAnswerIsTerminal(t *testing.T) {
	t.Setenv("DEBUG", "1")
	cases := []struct {
		name string
		err  error
		want *wallet.Error
	}{
		{"no result", wallet.NewError(wallet.KindMalformedResponse, "bridge answer has no result"), wallet.ErrMalformedResponse},
		{"wallet error", wallet.ClassifyRPCError(-32603, "nonce too low"), wallet.ErrWalletError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			br := &fakeBridge{detected: true, answer: func(context.Context) (json.RawMessage, error) { return nil, tc.err }}
			rpc := &fakeRPC{answer: answerWith(`"` + canonicalID + `"`)}
			d := New(Options{Bridge: br, RPC: rpc})
			res, err := d.Submit(context.Background(), depositIntent(), activeSession())
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, int32(1), br.calls.Load())
			assert.Zero(t, rpc.calls.Load())
		})
	}

	br := &fakeBridge{detected: true, answer: answerWith(`{"foo":"bar"}`)}
	rpc := &fakeRPC{answer: answerWith(`"` + canonicalID + `"`)}
	_, err := New(Options{Bridge: br, RPC: rpc}).Submit(context.Background(), depositIntent(), activeSession())
	assert.ErrorIs(t, err, wallet.ErrMalformedResponse)
	assert.Zero(t, rpc.calls.Load())
}

func TestBridgeTimeoutFallsThroughToSession(t *testing.T) {
	br := &fakeBridge{detected: true, answer: func(ctx context.Context) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	rpc := &fakeRPC{answer: answerWith(`"` + canonicalID + `"`)}
	d := New(Options{Bridge: br, RPC: rpc, Timeouts: Timeouts{Approve: 20 * time.Millisecond}})
	res, err := d.Submit(context.Background(), depositIntent(), activeSession())
	require.NoError(t, err)
	assert.Equal(t, TransportRPC, res.Transport)
	assert.Equal(t, int32(1), rpc.calls.Load())
}

func TestBridgeWithoutSession(t *testing.T) {
	br := &fakeBridge{detected: true, answer: answerWith(`{"status":"success","result":{"txid":"0x` + canonicalID + `"}}`)}
	d := New(Options{Bridge: br})
	res, err := d.Submit(context.Background(), &Intent{Transfer: &Transfer{Recipient: vaultAddress, Amount: 5}}, nil)
	require.NoError(t, err)
	assert.Equal(t, TransportBridge, res.Transport)
	assert.Equal(t, canonicalID, res.TxID)

	br.detected = false
	_, err = d.Submit(context.Background(), &Intent{Transfer: &Transfer{Recipient: vaultAddress, Amount: 5}}, nil)
	assert.ErrorIs(t, err, wallet.ErrSessionExpired)
}

func TestSessionTimeoutFallsBackToDeepLink(t *testing.T) {
	rpc := &fakeRPC{answer: func(ctx context.Context) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	store := NewMemoryHandoffStore(0)
	d := New(Options{
		RPC:      rpc,
		DeepLink: &DeepLink{WalletURL: "https://wallet.example/tx", CallbackURL: "https://vault.example/wallet/callback"},
		Handoffs: store,
		Timeouts: Timeouts{Approve: 20 * time.Millisecond},
	})
	res, err := d.Submit(context.Background(), depositIntent(), activeSession())
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, TransportDeepLink, res.Transport)
	require.NotNil(t, res.Handoff)

	link, err := url.Parse(res.Handoff.WalletURL)
	require.NoError(t, err)
	assert.Equal(t, "wallet.example", link.Host)
	assert.Equal(t, "https://vault.example/wallet/callback?handoff="+res.Handoff.ID, link.Query().Get("callback"))
	assert.NotEmpty(t, link.Query().Get("request"))

	_, err = d.ResolveHandoff(context.Background(), res.Handoff.ID, "not-a-txid")
	assert.ErrorIs(t, err, wallet.ErrMalformedResponse)

	done, err := d.ResolveHandoff(context.Background(), res.Handoff.ID, "0x"+canonicalID)
	require.NoError(t, err)
	assert.Equal(t, canonicalID, done.TxID)
	stored, err := store.Get(context.Background(), res.Handoff.ID)
	require.NoError(t, err)
	assert.Equal(t, HandoffCompleted, stored.Status)

	again, err := d.ResolveHandoff(context.Background(), res.Handoff.ID, canonicalID)
	require.NoError(t, err)
	assert.Equal(t, canonicalID, again.TxID)

	_, err = d.ResolveHandoff(context.Background(), "missing", canonicalID)
	assert.ErrorIs(t, err, ErrHandoffNotFound)
}

func TestMalformedAnswer(t *testing.T) {
	t.Setenv("DEBUG", "1")
	rpc := &fakeRPC{answer: answerWith(`{"foo":"bar"}`)}
	bc := &fakeBroadcaster{}
	d := New(Options{RPC: rpc, Broadcaster: bc})
	_, err := d.Submit(context.Background(), depositIntent(), activeSession())
	assert.ErrorIs(t, err, wallet.ErrMalformedResponse)
	assert.Zero(t, bc.calls.Load())
}

func TestSignMessage(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	pub := hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey))
	addr, err := stacks.AddressFromPublicKeyHex(pub, chains.Mainnet.SingleSigVersion)
	require.NoError(t, err)
	sig, err := crypto.Sign(stacks.MessageHash("vault login"), key)
	require.NoError(t, err)

	body := `{"signature":"` + hex.EncodeToString(sig) + `","publicKey":"` + pub + `"}`
	rpc := &fakeRPC{answer: answerWith(body)}
	d := New(Options{RPC: rpc})

	s := wallet.NewSession("s1", wallet.Peer{},
		[]wallet.Account{{Namespace: "stacks", Reference: "1", Address: addr}},
		wallet.NewCapabilities([]string{wallet.MethodSignMessage}, []string{"stacks:1"}, nil), time.Time{})
	s.Transition(wallet.StateActive)

	signed, err := d.SignMessage(context.Background(), s, "vault login")
	require.NoError(t, err)
	assert.Equal(t, addr, signed.Address)
	assert.Equal(t, TransportRPC, signed.Transport)
	assert.Equal(t, "vault login", rpc.params["message"])

	_, err = d.SignMessage(context.Background(), s, "another message")
	assert.ErrorIs(t, err, wallet.ErrWalletError)

	_, err = d.SignMessage(context.Background(), activeSession(), "vault login")
	assert.ErrorIs(t, err, wallet.ErrWalletError)
}
