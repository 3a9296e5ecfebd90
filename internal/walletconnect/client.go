package walletconnect

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"moff.io/vault-wallet/internal/wallet"
	"moff.io/vault-wallet/pkg/common"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
	"moff.io/vault-wallet/pkg/observer"
	"moff.io/vault-wallet/pkg/wcrypto"
)

const DefaultRelayURL = "wss://relay.walletconnect.com"

var errConnectionLost = errors.New("relay connection lost")

// Options configures the relay client.
type Options struct {
	ProjectID string
	RelayURL  string
	Metadata  Metadata
	// HandshakeTimeout bounds dialing the relay; zero means 15s.
	HandshakeTimeout time.Duration
}

// Client pairs with a wallet over a relay and forwards JSON-RPC requests to it.
type Client struct {
	opts   Options
	dialer *websocket.Dialer

	clientID  string
	initGroup singleflight.Group

	uris   *observer.Registry[string]
	events *observer.Registry[wallet.SessionEvent]

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	closing     bool
	pending     map[int64]chan *jsonRpcResponse
	key         []byte
	peerTopic   string
	session     *wallet.Session
	expiryTimer *time.Timer
}

var _ wallet.PairingTransport = (*Client)(nil)

func NewClient(opts Options) *Client {
	if opts.RelayURL == "" {
		opts.RelayURL = DefaultRelayURL
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	return &Client{
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		clientID: uuid.NewString(),
		uris:     observer.NewRegistry[string](),
		events:   observer.NewRegistry[wallet.SessionEvent](),
		pending:  make(map[int64]chan *jsonRpcResponse),
	}
}

// Initialize dials the relay and subscribes to the client topic. Concurrent
// first calls share one dial; later calls return immediately while connected.
func (c *Client) Initialize(ctx context.Context) error {
	if strings.TrimSpace(c.opts.ProjectID) == "" {
		return wallet.NewError(wallet.KindConfiguration, "wallet connect project id is not configured")
	}
	if c.connected() {
		return nil
	}
	ch := c.initGroup.DoChan("init", func() (interface{}, error) {
		if c.connected() {
			return nil, nil
		}
		return nil, c.dial(ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) dial(ctx context.Context) error {
	wsURL := wcrypto.GetWebSocketUrl(c.opts.RelayURL, wcrypto.ProtocolName, wcrypto.ProtocolVersion, c.opts.ProjectID)
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.WrapAndReport(err, "dial to wallet connect relay")
	}
	c.mu.Lock()
	c.conn = conn
	c.closing = false
	c.mu.Unlock()
	log.Infof("wallet connect - connected to relay %s", c.opts.RelayURL)

	go c.readLoop(conn)
	return c.subscribe(conn, c.clientID)
}

// RequestPairing publishes a session request on a fresh handshake topic, emits
// its pairing URI and waits for the wallet answer.
func (c *Client) RequestPairing(ctx context.Context, req wallet.Requirements) (*wallet.Session, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	key, err := wcrypto.GenerateRandomBytes(wcrypto.KeySize)
	if err != nil {
		return nil, errors.WrapAndReport(err, "generate pairing key")
	}
	uri := &wcrypto.PairingURI{
		Topic:    uuid.NewString(),
		Version:  wcrypto.ProtocolVersion,
		RelayURL: c.opts.RelayURL,
		Key:      key,
	}
	c.mu.Lock()
	c.key = key
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, wallet.WrapError(wallet.KindConnectionTimeout, errConnectionLost, "relay unavailable")
	}

	ns := req.Namespace
	if ns == "" {
		ns = "stacks"
	}
	rpc := newJSONRpcRequest(methodSessionRequest, []interface{}{sessionRequestParams{
		PeerID:   c.clientID,
		PeerMeta: c.opts.Metadata,
		RequiredNamespaces: map[string]namespace{
			ns: {Chains: req.Chains, Methods: req.Methods, Events: req.Events},
		},
	}})
	wait := c.track(rpc.Id)
	defer c.untrack(rpc.Id)

	if err := c.publish(conn, uri.Topic, key, rpc); err != nil {
		return nil, err
	}
	log.Debugf("wallet connect - pairing on handshake topic:%v", uri.Topic)
	c.uris.Notify(uri.String())

	var resp *jsonRpcResponse
	select {
	case resp = <-wait:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if resp == nil {
		return nil, wallet.WrapError(wallet.KindConnectionTimeout, errConnectionLost, "relay closed during pairing")
	}
	return c.establish(uri.Topic, ns, req, resp)
}

func (c *Client) establish(id, ns string, req wallet.Requirements, resp *jsonRpcResponse) (*wallet.Session, error) {
	if resp.Error != nil {
		return nil, classifyPairingError(resp.Error)
	}
	var result sessionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, wallet.WrapError(wallet.KindMalformedResponse, err, "unmarshal session result")
	}
	if !result.Approved {
		return nil, wallet.NewError(wallet.KindPairingRejected, "wallet did not approve the session")
	}

	granted := result.Namespaces[ns]
	rawAccounts := granted.Accounts
	if len(rawAccounts) == 0 {
		rawAccounts = result.Accounts
	}
	var accounts []wallet.Account
	chains := granted.Chains
	for _, raw := range rawAccounts {
		acc, err := wallet.ParseAccount(raw)
		if err != nil {
			log.Warnf("wallet connect - skipping account: %v", err)
			continue
		}
		if key, ok := granted.PublicKeys[raw]; ok {
			acc.PublicKey = key
		} else {
			acc.PublicKey = granted.PublicKeys[acc.Address]
		}
		accounts = append(accounts, acc)
		if len(granted.Chains) == 0 {
			chains = append(chains, acc.ChainID())
		}
	}
	if len(accounts) == 0 {
		return nil, wallet.NewError(wallet.KindCapabilityMismatch, "wallet returned no accounts")
	}
	caps := wallet.NewCapabilities(granted.Methods, chains, granted.Events)
	if missing := req.Missing(caps); len(missing) > 0 {
		return nil, wallet.NewError(wallet.KindCapabilityMismatch, "wallet does not support %s", strings.Join(missing, ", "))
	}

	var expiresAt time.Time
	if result.Expiry > 0 {
		expiresAt = time.Unix(result.Expiry, 0)
	}
	s := wallet.NewSession(id, result.PeerMeta, accounts, caps, expiresAt)

	c.mu.Lock()
	c.stopExpiryLocked()
	c.session = s
	c.peerTopic = result.PeerID
	if !expiresAt.IsZero() {
		c.expiryTimer = time.AfterFunc(time.Until(expiresAt), func() { c.expire(s) })
	}
	c.mu.Unlock()
	log.Infof("wallet connect - session %s approved by %s with %d account(s)", id, result.PeerMeta.Name, len(accounts))
	return s, nil
}

func classifyPairingError(e *rpcError) error {
	switch {
	case e.Code == codeUnsupportedChains, e.Code == codeUnsupportedMethods, e.Code == codeUnsupportedNamespaces:
		return wallet.NewError(wallet.KindCapabilityMismatch, "wallet refused namespaces: %s", e.Message)
	case e.Code == wallet.CodeSessionRejected, strings.Contains(strings.ToLower(e.Message), "reject"):
		return &wallet.Error{Kind: wallet.KindPairingRejected, Message: "wallet rejected the pairing", Code: e.Code, Cause: errors.New(e.Message)}
	}
	return wallet.ClassifyRPCError(e.Code, e.Message)
}

// Request publishes method to the session peer and waits for its answer.
func (c *Client) Request(ctx context.Context, s *wallet.Session, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	conn, key, topic, current := c.conn, c.key, c.peerTopic, c.session
	c.mu.Unlock()
	if conn == nil || current == nil || s == nil || current.ID != s.ID {
		return nil, wallet.NewError(wallet.KindSessionExpired, "no live session for %s", method)
	}

	rpc := newJSONRpcRequest(method, params)
	wait := c.track(rpc.Id)
	defer c.untrack(rpc.Id)
	if err := c.publish(conn, topic, key, rpc); err != nil {
		return nil, err
	}

	select {
	case resp := <-wait:
		if resp == nil {
			return nil, wallet.WrapError(wallet.KindSessionExpired, errConnectionLost, "%s aborted", method)
		}
		if resp.Error != nil {
			return nil, wallet.ClassifyRPCError(resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, wallet.WrapError(wallet.KindWalletTimeout, ctx.Err(), "%s got no answer", method)
		}
		return nil, ctx.Err()
	}
}

func (c *Client) OnPairingURI(fn func(uri string)) func() {
	return c.uris.Register(fn)
}

func (c *Client) OnSessionEvent(fn func(wallet.SessionEvent)) func() {
	return c.events.Register(fn)
}

func (c *Client) HasActiveSession() bool {
	return c.GetSession() != nil
}

func (c *Client) GetSession() *wallet.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Disconnect tells the peer the session is over, forgets it and closes the
// socket. A later Initialize dials again.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn, key, topic, s := c.conn, c.key, c.peerTopic, c.session
	c.stopExpiryLocked()
	c.session = nil
	c.peerTopic = ""
	c.closing = true
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	var sendErr error
	if s != nil {
		rpc := newJSONRpcRequest(methodSessionUpdate, []interface{}{sessionUpdate{Approved: false}})
		sendErr = c.publish(conn, topic, key, rpc)
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err := conn.Close(); err != nil && sendErr == nil {
		sendErr = errors.Wrap(err, "close relay connection")
	}
	return sendErr
}

func (c *Client) track(id int64) <-chan *jsonRpcResponse {
	ch := make(chan *jsonRpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) untrack(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) subscribe(conn *websocket.Conn, topic string) error {
	msg := wcMessage{
		Topic:   topic,
		Type:    frameSub,
		Payload: "",
		Silent:  true,
	}
	log.Debugf("wallet connect - subscribe:%v", topic)
	return c.send(conn, msg.Marshal())
}

func (c *Client) publish(conn *websocket.Conn, topic string, key []byte, rpc *jsonRpcRequest) error {
	env, err := wcrypto.Seal(rpc.Marshal(), key)
	if err != nil {
		return err
	}
	msg := wcMessage{
		Topic:   topic,
		Type:    framePub,
		Payload: env.Marshal(),
		Silent:  rpc.IsSilentPayload(),
	}
	log.Debugf("wallet connect - publish %s id:%d topic:%s", rpc.Method, rpc.Id, topic)
	return c.send(conn, msg.Marshal())
}

func (c *Client) ack(conn *websocket.Conn) error {
	msg := wcMessage{
		Topic:   c.clientID,
		Type:    frameAck,
		Payload: "",
		Silent:  true,
	}
	return c.send(conn, msg.Marshal())
}

func (c *Client) send(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "write wallet connect message to relay")
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.connectionLost(conn)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Debugf("wallet connect - read loop ended: %v", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := newWCMessageFromBytes(data)
		if err != nil {
			log.Warnf("wallet connect - %v", err)
			continue
		}
		if msg.Type != framePub {
			continue
		}
		if err := c.ack(conn); err != nil {
			log.Warnf("wallet connect - ack failed: %v", err)
		}
		c.handlePayload(msg.Payload)
	}
}

func (c *Client) handlePayload(payload string) {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()

	env, err := wcrypto.ParseEnvelope(payload)
	if err != nil {
		log.Warnf("wallet connect - %v", err)
		return
	}
	plain, err := wcrypto.Open(env, key)
	if err != nil {
		log.Warnf("wallet connect - dropping frame: %v", err)
		return
	}
	log.Debugf("wallet connect - receive:%v", common.TruncatePayload(plain, 512))

	if method := gjson.GetBytes(plain, "method"); method.Exists() {
		c.handleRequest(method.String(), plain)
		return
	}
	var resp jsonRpcResponse
	if err := json.Unmarshal(plain, &resp); err != nil {
		log.Warnf("wallet connect - unmarshal response: %v", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.Id]
	delete(c.pending, resp.Id)
	c.mu.Unlock()
	if !ok {
		log.Debugf("wallet connect - dropping response %d nobody waits for", resp.Id)
		return
	}
	ch <- &resp
}

func (c *Client) handleRequest(method string, plain []byte) {
	switch method {
	case methodSessionDelete:
	case methodSessionUpdate:
		approved := gjson.GetBytes(plain, "params.0.approved")
		if !approved.Exists() || approved.Bool() {
			return
		}
	default:
		log.Debugf("wallet connect - ignoring wallet request %s", method)
		return
	}
	log.Warnf("wallet connect - session closed by wallet: %s", method)
	c.dropSession(wallet.SessionDeleted)
}

func (c *Client) expire(s *wallet.Session) {
	c.mu.Lock()
	current := c.session == s
	c.mu.Unlock()
	if current {
		log.Infof("wallet connect - session %s reached its expiry", s.ID)
		c.dropSession(wallet.SessionExpired)
	}
}

func (c *Client) dropSession(kind wallet.SessionEventKind) {
	c.mu.Lock()
	s := c.session
	c.stopExpiryLocked()
	c.session = nil
	c.peerTopic = ""
	c.mu.Unlock()
	if s != nil {
		c.events.Notify(wallet.SessionEvent{Kind: kind, SessionID: s.ID})
	}
}

// connectionLost fails every pending call and expires the session unless the
// socket was closed by Disconnect.
func (c *Client) connectionLost(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != nil && c.conn != conn {
		c.mu.Unlock()
		return
	}
	deliberate := c.closing
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]chan *jsonRpcResponse)
	c.mu.Unlock()
	_ = conn.Close()

	for id, ch := range pending {
		log.Debugf("wallet connect - failing pending request %d", id)
		ch <- nil
	}
	if !deliberate {
		log.Warnf("wallet connect - lost relay %s", c.opts.RelayURL)
		c.dropSession(wallet.SessionExpired)
	}
}

func (c *Client) stopExpiryLocked() {
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
}
