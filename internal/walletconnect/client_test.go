package walletconnect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"moff.io/vault-wallet/internal/wallet"
	"moff.io/vault-wallet/pkg/wcrypto"
)

// fakeRelay hands every upgraded connection to the test, which plays the wallet.
type fakeRelay struct {
	url   string
	conns chan *websocket.Conn
	query chan url.Values
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Setenv("DEBUG", "1")
	r := &fakeRelay{
		conns: make(chan *websocket.Conn, 4),
		query: make(chan url.Values, 4),
	}
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.query <- req.URL.Query()
		r.conns <- conn
		<-done
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})
	r.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return r
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	select {
	case conn := <-r.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("client never dialed the relay")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wcMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg wcMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != frameAck {
			return msg
		}
	}
}

func openFrame(t *testing.T, msg wcMessage, key []byte) gjson.Result {
	t.Helper()
	env, err := wcrypto.ParseEnvelope(msg.Payload)
	require.NoError(t, err)
	plain, err := wcrypto.Open(env, key)
	require.NoError(t, err)
	return gjson.ParseBytes(plain)
}

func sendToClient(t *testing.T, conn *websocket.Conn, topic string, key []byte, body interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	env, err := wcrypto.Seal(raw, key)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wcMessage{Topic: topic, Type: framePub, Payload: env.Marshal(), Silent: true}))
}

type pairing struct {
	client   *Client
	conn     *websocket.Conn
	key      []byte
	clientID string
	request  gjson.Result
	result   chan pairResult
}

type pairResult struct {
	session *wallet.Session
	err     error
}

// startPairing runs RequestPairing and returns once the wallet side has the
// session request in hand.
func startPairing(t *testing.T, relay *fakeRelay) *pairing {
	c := NewClient(Options{ProjectID: "p1", RelayURL: relay.url, Metadata: Metadata{Name: "StacksYield"}})
	uris := make(chan string, 1)
	c.OnPairingURI(func(uri string) { uris <- uri })

	p := &pairing{client: c, result: make(chan pairResult, 1)}
	go func() {
		s, err := c.RequestPairing(context.Background(), wallet.DefaultRequirements("stacks:1"))
		p.result <- pairResult{s, err}
	}()

	p.conn = relay.accept(t)
	q := <-relay.query
	assert.Equal(t, "wc", q.Get("protocol"))
	assert.Equal(t, "2", q.Get("version"))
	assert.Equal(t, "p1", q.Get("projectId"))

	sub := readFrame(t, p.conn)
	assert.Equal(t, frameSub, sub.Type)
	p.clientID = sub.Topic

	pub := readFrame(t, p.conn)
	assert.Equal(t, framePub, pub.Type)

	var uri string
	select {
	case uri = <-uris:
	case <-time.After(2 * time.Second):
		t.Fatal("no pairing uri emitted")
	}
	parsed, err := ParsePairingURI(uri)
	require.NoError(t, err)
	assert.Equal(t, pub.Topic, parsed.Topic)
	assert.Equal(t, relay.url, parsed.RelayURL)
	p.key = parsed.Key
	p.request = openFrame(t, pub, p.key)
	return p
}

func (p *pairing) approve(t *testing.T, methods []string, expiry int64) (*wallet.Session, error) {
	sendToClient(t, p.conn, p.clientID, p.key, map[string]interface{}{
		"id":      p.request.Get("id").Int(),
		"jsonrpc": "2.0",
		"result": map[string]interface{}{
			"approved": true,
			"peerId":   "wallet-topic",
			"peerMeta": map[string]interface{}{"name": "Leather"},
			"namespaces": map[string]interface{}{
				"stacks": map[string]interface{}{
					"accounts": []string{"stacks:1:SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"},
					"chains":   []string{"stacks:1"},
					"methods":  methods,
					"events":   []string{wallet.EventAccountsChanged},
					"publicKeys": map[string]string{
						"SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7": "02abcdef",
					},
				},
			},
			"expiry": expiry,
		},
	})
	return p.wait(t)
}

func (p *pairing) wait(t *testing.T) (*wallet.Session, error) {
	select {
	case r := <-p.result:
		return r.session, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("pairing did not finish")
		return nil, nil
	}
}

func TestInitializeRequiresProjectID(t *testing.T) {
	c := NewClient(Options{})
	err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, wallet.ErrConfiguration)
}

func TestPairAndRequest(t *testing.T) {
	relay := newFakeRelay(t)
	p := startPairing(t, relay)

	assert.Equal(t, methodSessionRequest, p.request.Get("method").String())
	params := p.request.Get("params.0")
	assert.Equal(t, p.clientID, params.Get("peerId").String())
	assert.Equal(t, "StacksYield", params.Get("peerMeta.name").String())
	assert.Equal(t, "stacks:1", params.Get("requiredNamespaces.stacks.chains.0").String())

	req := wallet.DefaultRequirements("stacks:1")
	s, err := p.approve(t, req.Methods, 0)
	require.NoError(t, err)
	assert.Equal(t, "Leather", s.Peer.Name)
	require.Len(t, s.Accounts, 1)
	assert.Equal(t, "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7", s.Accounts[0].Address)
	assert.Equal(t, "02abcdef", s.Accounts[0].PublicKey)
	assert.True(t, s.Capabilities.Supports(wallet.MethodSignTransaction))
	assert.True(t, p.client.HasActiveSession())
	assert.Same(t, s, p.client.GetSession())

	type answer struct {
		raw json.RawMessage
		err error
	}
	answers := make(chan answer, 1)
	go func() {
		raw, err := p.client.Request(context.Background(), s, wallet.MethodSignMessage, map[string]string{"message": "hi"})
		answers <- answer{raw, err}
	}()
	call := readFrame(t, p.conn)
	assert.Equal(t, "wallet-topic", call.Topic)
	body := openFrame(t, call, p.key)
	assert.Equal(t, wallet.MethodSignMessage, body.Get("method").String())
	assert.Equal(t, "hi", body.Get("params.message").String())
	sendToClient(t, p.conn, p.clientID, p.key, map[string]interface{}{
		"id": body.Get("id").Int(), "jsonrpc": "2.0", "result": map[string]string{"signature": "abcd"},
	})
	got := <-answers
	require.NoError(t, got.err)
	assert.Equal(t, "abcd", gjson.GetBytes(got.raw, "signature").String())
}

func TestRequestErrorsAndLateAnswers(t *testing.T) {
	relay := newFakeRelay(t)
	p := startPairing(t, relay)
	s, err := p.approve(t, wallet.DefaultRequirements("stacks:1").Methods, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.client.Request(ctx, s, wallet.MethodCallContract, map[string]string{})
	assert.ErrorIs(t, err, wallet.ErrWalletTimeout)

	late := openFrame(t, readFrame(t, p.conn), p.key)
	sendToClient(t, p.conn, p.clientID, p.key, map[string]interface{}{
		"id": late.Get("id").Int(), "jsonrpc": "2.0", "result": "ignored",
	})

	errs := make(chan error, 1)
	go func() {
		_, err := p.client.Request(context.Background(), s, wallet.MethodCallContract, map[string]string{})
		errs <- err
	}()
	body := openFrame(t, readFrame(t, p.conn), p.key)
	sendToClient(t, p.conn, p.clientID, p.key, map[string]interface{}{
		"id": body.Get("id").Int(), "jsonrpc": "2.0",
		"error": map[string]interface{}{"code": 4001, "message": "User rejected the request"},
	})
	assert.ErrorIs(t, <-errs, wallet.ErrUserRejected)

	other := wallet.NewSession("other", wallet.Peer{}, nil, wallet.Capabilities{}, time.Time{})
	_, err = p.client.Request(context.Background(), other, wallet.MethodCallContract, nil)
	assert.ErrorIs(t, err, wallet.ErrSessionExpired)
}

func TestPairingRejections(t *testing.T) {
	cases := []struct {
		name  string
		reply map[string]interface{}
		want  *wallet.Error
	}{
		{"session rejected", map[string]interface{}{"error": map[string]interface{}{"code": 5000, "message": "User rejected."}}, wallet.ErrPairingRejected},
		{"not approved", map[string]interface{}{"result": map[string]interface{}{"approved": false}}, wallet.ErrPairingRejected},
		{"unsupported methods", map[string]interface{}{"error": map[string]interface{}{"code": 5101, "message": "Unsupported methods"}}, wallet.ErrCapabilityMismatch},
		{"no accounts", map[string]interface{}{"result": map[string]interface{}{"approved": true, "peerId": "w"}}, wallet.ErrCapabilityMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			relay := newFakeRelay(t)
			p := startPairing(t, relay)
			reply := map[string]interface{}{"id": p.request.Get("id").Int(), "jsonrpc": "2.0"}
			for k, v := range tc.reply {
				reply[k] = v
			}
			sendToClient(t, p.conn, p.clientID, p.key, reply)
			s, err := p.wait(t)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, tc.want)
			assert.False(t, p.client.HasActiveSession())
		})
	}
}

func TestPairingMissingMethod(t *testing.T) {
	relay := newFakeRelay(t)
	p := startPairing(t, relay)
	_, err := p.approve(t, []string{wallet.MethodGetAddresses}, 0)
	assert.ErrorIs(t, err, wallet.ErrCapabilityMismatch)
	assert.Contains(t, err.Error(), wallet.MethodSignTransaction)
}

func TestSessionEvents(t *testing.T) {
	methods := wallet.DefaultRequirements("stacks:1").Methods

	t.Run("deleted by wallet", func(t *testing.T) {
		relay := newFakeRelay(t)
		p := startPairing(t, relay)
		events := make(chan wallet.SessionEvent, 1)
		p.client.OnSessionEvent(func(ev wallet.SessionEvent) { events <- ev })
		s, err := p.approve(t, methods, 0)
		require.NoError(t, err)

		sendToClient(t, p.conn, p.clientID, p.key, map[string]interface{}{
			"id": 99, "jsonrpc": "2.0", "method": methodSessionUpdate,
			"params": []interface{}{map[string]interface{}{"approved": false}},
		})
		select {
		case ev := <-events:
			assert.Equal(t, wallet.SessionDeleted, ev.Kind)
			assert.Equal(t, s.ID, ev.SessionID)
		case <-time.After(2 * time.Second):
			t.Fatal("no session event")
		}
		assert.False(t, p.client.HasActiveSession())
	})

	t.Run("expiry", func(t *testing.T) {
		relay := newFakeRelay(t)
		p := startPairing(t, relay)
		events := make(chan wallet.SessionEvent, 1)
		p.client.OnSessionEvent(func(ev wallet.SessionEvent) { events <- ev })
		_, err := p.approve(t, methods, time.Now().Add(time.Second).Unix())
		require.NoError(t, err)
		select {
		case ev := <-events:
			assert.Equal(t, wallet.SessionExpired, ev.Kind)
		case <-time.After(3 * time.Second):
			t.Fatal("session never expired")
		}
	})

	t.Run("relay lost", func(t *testing.T) {
		relay := newFakeRelay(t)
		p := startPairing(t, relay)
		events := make(chan wallet.SessionEvent, 1)
		p.client.OnSessionEvent(func(ev wallet.SessionEvent) { events <- ev })
		s, err := p.approve(t, methods, 0)
		require.NoError(t, err)

		errs := make(chan error, 1)
		go func() {
			_, err := p.client.Request(context.Background(), s, wallet.MethodSignMessage, nil)
			errs <- err
		}()
		readFrame(t, p.conn)
		require.NoError(t, p.conn.Close())

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, wallet.ErrSessionExpired)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not failed")
		}
		select {
		case ev := <-events:
			assert.Equal(t, wallet.SessionExpired, ev.Kind)
		case <-time.After(2 * time.Second):
			t.Fatal("no session event")
		}
	})
}

func TestDisconnect(t *testing.T) {
	relay := newFakeRelay(t)
	p := startPairing(t, relay)
	events := make(chan wallet.SessionEvent, 1)
	p.client.OnSessionEvent(func(ev wallet.SessionEvent) { events <- ev })
	_, err := p.approve(t, wallet.DefaultRequirements("stacks:1").Methods, 0)
	require.NoError(t, err)

	require.NoError(t, p.client.Disconnect(context.Background()))
	bye := readFrame(t, p.conn)
	assert.Equal(t, "wallet-topic", bye.Topic)
	body := openFrame(t, bye, p.key)
	assert.Equal(t, methodSessionUpdate, body.Get("method").String())
	assert.False(t, body.Get("params.0.approved").Bool())
	assert.False(t, p.client.HasActiveSession())

	select {
	case ev := <-events:
		t.Fatalf("unexpected session event %v", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	// the same client dials again
	go func() { _ = p.client.Initialize(context.Background()) }()
	relay.accept(t)
}

func TestQRCodeAndDeepLink(t *testing.T) {
	png, err := QRCode("wc:abc@2?relay=wss%3A%2F%2Fx&key=00", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	assert.Equal(t, "https://wallet.example/wc?uri=wc%3Aabc%402", DeepLink("https://wallet.example/wc", "wc:abc@2"))
	assert.Equal(t, "leather://pair?x=1&uri=wc%3Aabc", DeepLink("leather://pair?x=1", "wc:abc"))
}
