package walletconnect

import (
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/atomic"
	"moff.io/vault-wallet/internal/wallet"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
)

// Relay frame types.
const (
	framePub = "pub"
	frameSub = "sub"
	frameAck = "ack"
)

// Handshake methods.
const (
	methodSessionRequest = "wc_sessionRequest"
	methodSessionUpdate  = "wc_sessionUpdate"
	methodSessionDelete  = "wc_sessionDelete"
)

// Handshake error codes a wallet may answer a session request with.
const (
	codeUnsupportedChains     = 5100
	codeUnsupportedMethods    = 5101
	codeUnsupportedNamespaces = 5102
)

// Metadata describes this application to the wallet.
type Metadata struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	URL         string   `json:"url" yaml:"url"`
	Icons       []string `json:"icons" yaml:"icons"`
}

type wcMessage struct {
	Topic string `json:"topic"`
	// pub sub ack
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Silent  bool   `json:"silent"`
}

func newWCMessageFromBytes(data []byte) (*wcMessage, error) {
	var msg wcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "unmarshal wallet connect message")
	}
	return &msg, nil
}

func (msg *wcMessage) Marshal() []byte {
	bytes, _ := json.Marshal(msg)
	return bytes
}

type namespace struct {
	Accounts []string `json:"accounts,omitempty"`
	Chains   []string `json:"chains"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
	// PublicKeys maps an account, in full or by address, to its hex public key.
	PublicKeys map[string]string `json:"publicKeys,omitempty"`
}

type sessionRequestParams struct {
	PeerID             string               `json:"peerId"`
	PeerMeta           Metadata             `json:"peerMeta"`
	RequiredNamespaces map[string]namespace `json:"requiredNamespaces"`
}

type sessionResult struct {
	Approved   bool                 `json:"approved"`
	PeerID     string               `json:"peerId"`
	PeerMeta   wallet.Peer          `json:"peerMeta"`
	Accounts   []string             `json:"accounts"`
	Namespaces map[string]namespace `json:"namespaces"`
	// Expiry is unix seconds, zero when the wallet set none.
	Expiry int64 `json:"expiry"`
}

type sessionUpdate struct {
	Approved bool        `json:"approved"`
	ChainID  interface{} `json:"chainId"`
	Accounts []string    `json:"accounts"`
}

var payloadSeq = atomic.NewInt64(time.Now().UnixNano()/int64(time.Millisecond)*1000 + rand.Int63n(1000))

func payloadID() int64 {
	return payloadSeq.Inc()
}

type jsonRpcRequest struct {
	Id      int64       `json:"id"`
	JSONRpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

func newJSONRpcRequest(method string, params interface{}) *jsonRpcRequest {
	if params == nil {
		params = []interface{}{}
	}
	return &jsonRpcRequest{
		Id:      payloadID(),
		JSONRpc: "2.0",
		Method:  method,
		Params:  params,
	}
}

func (e *jsonRpcRequest) Marshal() []byte {
	s, err := json.Marshal(e)
	if err != nil {
		log.Errorf("marshal:%v", err)
	}
	return s
}

// IsSilentPayload reports whether the relay should skip push notifications.
func (e *jsonRpcRequest) IsSilentPayload() bool {
	return strings.HasPrefix(e.Method, "wc_")
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRpcResponse struct {
	Id     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}
