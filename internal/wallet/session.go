package wallet

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emirpasic/gods/sets/hashset"
	"go.uber.org/atomic"
	"moff.io/vault-wallet/pkg/errors"
)

// State is the connection status shown to the user.
type State int32

const (
	StateDisconnected State = iota
	StatePairing
	StateActive
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StatePairing:
		return "pairing"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Wallet RPC methods and events.
const (
	MethodGetAddresses          = "stx_getAddresses"
	MethodSignTransaction       = "stx_signTransaction"
	MethodSignMessage           = "stx_signMessage"
	MethodSignStructuredMessage = "stx_signStructuredMessage"
	MethodCallContract          = "stx_callContract"
	MethodTransferStx           = "stx_transferStx"
	EventAccountsChanged        = "stx_accountsChanged"
	EventChainChanged           = "chainChanged"
)

const defaultNamespace = "stacks"

// Account is one CAIP-10 account "<namespace>:<reference>:<address>".
// PublicKey is set only when the wallet shared it at pairing.
type Account struct {
	Namespace string
	Reference string
	Address   string
	PublicKey string
}

// ParseAccount splits a CAIP-10 account string.
func ParseAccount(s string) (Account, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Account{}, errors.Errorf("account %q is not <namespace>:<reference>:<address>", s)
	}
	return Account{Namespace: parts[0], Reference: parts[1], Address: parts[2]}, nil
}

// ChainID is the CAIP-2 chain of the account.
func (a Account) ChainID() string {
	return a.Namespace + ":" + a.Reference
}

func (a Account) String() string {
	return a.ChainID() + ":" + a.Address
}

// Capabilities are the methods, chains and events a wallet agreed to.
type Capabilities struct {
	methods *hashset.Set
	chains  *hashset.Set
	events  *hashset.Set
}

func NewCapabilities(methods, chains, events []string) Capabilities {
	return Capabilities{
		methods: toSet(methods),
		chains:  toSet(chains),
		events:  toSet(events),
	}
}

func toSet(items []string) *hashset.Set {
	s := hashset.New()
	for _, item := range items {
		s.Add(item)
	}
	return s
}

func fromSet(s *hashset.Set) []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, s.Size())
	for _, v := range s.Values() {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

func (c Capabilities) Supports(method string) bool {
	return c.methods != nil && c.methods.Contains(method)
}

func (c Capabilities) HasChain(chainID string) bool {
	return c.chains != nil && c.chains.Contains(chainID)
}

func (c Capabilities) Methods() []string { return fromSet(c.methods) }
func (c Capabilities) Chains() []string  { return fromSet(c.chains) }
func (c Capabilities) Events() []string  { return fromSet(c.events) }

// Requirements is the required namespace sent with a pairing request.
type Requirements struct {
	Namespace string
	Chains    []string
	Methods   []string
	Events    []string
}

// DefaultRequirements asks for every method the vault front-end uses on chainID.
func DefaultRequirements(chainID string) Requirements {
	return Requirements{
		Namespace: defaultNamespace,
		Chains:    []string{chainID},
		Methods: []string{
			MethodGetAddresses,
			MethodSignTransaction,
			MethodSignMessage,
			MethodCallContract,
			MethodTransferStx,
			MethodSignStructuredMessage,
		},
		Events: []string{EventAccountsChanged, EventChainChanged},
	}
}

// Missing lists required chains and methods the capabilities lack.
func (r Requirements) Missing(c Capabilities) []string {
	var missing []string
	for _, chain := range r.Chains {
		if !c.HasChain(chain) {
			missing = append(missing, chain)
		}
	}
	for _, m := range r.Methods {
		if !c.Supports(m) {
			missing = append(missing, m)
		}
	}
	return missing
}

// Peer describes the paired wallet application.
type Peer struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

// Session is an established pairing. Only State changes after creation.
type Session struct {
	ID           string
	Peer         Peer
	Accounts     []Account
	Capabilities Capabilities
	// ExpiresAt is zero when the wallet announced no expiry.
	ExpiresAt time.Time

	state atomic.Int32
}

// NewSession returns a session in the Pairing state.
func NewSession(id string, peer Peer, accounts []Account, caps Capabilities, expiresAt time.Time) *Session {
	s := &Session{
		ID:           id,
		Peer:         peer,
		Accounts:     accounts,
		Capabilities: caps,
		ExpiresAt:    expiresAt,
	}
	s.state.Store(int32(StatePairing))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Transition moves the session to another state and returns the previous one.
// The session manager is the only caller outside tests.
func (s *Session) Transition(to State) State {
	return State(s.state.Swap(int32(to)))
}

// PastExpiry reports whether the announced expiry has elapsed at now.
func (s *Session) PastExpiry(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Usable reports whether requests may be sent over the session at now.
func (s *Session) Usable(now time.Time) bool {
	return s.State() == StateActive && !s.PastExpiry(now)
}

// Identity is what the UI shows for the connected wallet.
type Identity struct {
	Address   string `json:"address"`
	PublicKey string `json:"public_key"`
}

// Snapshot is the read projection of the manager state.
type Snapshot struct {
	State     State  `json:"state"`
	Connected bool   `json:"connected"`
	Address   string `json:"address"`
	PublicKey string `json:"public_key"`
	SessionID string `json:"session_id,omitempty"`
	Wallet    string `json:"wallet,omitempty"`
}

// SessionEventKind is an asynchronous session notification from the transport.
type SessionEventKind int

const (
	SessionExpired SessionEventKind = iota + 1
	SessionDeleted
)

func (k SessionEventKind) String() string {
	if k == SessionExpired {
		return "expired"
	}
	return "deleted"
}

type SessionEvent struct {
	Kind      SessionEventKind
	SessionID string
}
