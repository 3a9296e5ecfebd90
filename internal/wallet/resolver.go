package wallet

import (
	"context"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"moff.io/vault-wallet/pkg/common"
	"moff.io/vault-wallet/pkg/log"
)

const defaultResolveTimeout = 10 * time.Second

// AddressResolver picks the address (and public key when known) to show for a session.
type AddressResolver struct {
	requester Requester
	namespace string
	timeout   time.Duration
}

func NewAddressResolver(requester Requester, namespace string, timeout time.Duration) *AddressResolver {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	return &AddressResolver{requester: requester, namespace: namespace, timeout: timeout}
}

// Resolve never fails: it asks the wallet first, falls back to the session
// accounts, and returns an empty Identity when neither yields an address.
func (r *AddressResolver) Resolve(ctx context.Context, s *Session) Identity {
	if s == nil {
		return Identity{}
	}
	if id, ok := r.fromWallet(ctx, s); ok {
		return id
	}
	return r.fromAccounts(s)
}

func (r *AddressResolver) fromWallet(ctx context.Context, s *Session) (Identity, bool) {
	if r.requester == nil || !s.Capabilities.Supports(MethodGetAddresses) {
		return Identity{}, false
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := r.requester.Request(callCtx, s, MethodGetAddresses, map[string]interface{}{})
	if err != nil {
		log.Warnf("address resolver - %s failed, using session accounts: %v", MethodGetAddresses, err)
		return Identity{}, false
	}
	id, ok := pickAddress(raw)
	if !ok {
		log.Warnf("address resolver - no usable entry in %s", common.TruncatePayload(raw, 512))
		return Identity{}, false
	}
	return id, true
}

func addressEntries(raw []byte) []gjson.Result {
	root := gjson.ParseBytes(raw)
	for _, path := range []string{"addresses", "result.addresses", "result"} {
		if v := root.Get(path); v.IsArray() {
			return v.Array()
		}
	}
	if root.IsArray() {
		return root.Array()
	}
	return nil
}

func isStacksAddress(addr string) bool {
	if len(addr) < 2 {
		return false
	}
	switch strings.ToUpper(addr[:2]) {
	case "SP", "SM", "ST", "SN":
		return true
	}
	return false
}

// pickAddress prefers the native-asset entry, then any Stacks-looking address.
func pickAddress(raw []byte) (Identity, bool) {
	entries := addressEntries(raw)
	var fallback *gjson.Result
	for i := range entries {
		e := entries[i]
		addr := e.Get("address").String()
		if addr == "" {
			continue
		}
		if strings.EqualFold(e.Get("symbol").String(), "STX") ||
			strings.EqualFold(e.Get("purpose").String(), "stacks") ||
			strings.EqualFold(e.Get("addressType").String(), "stacks") {
			return identityOf(e), true
		}
		if fallback == nil && isStacksAddress(addr) {
			fallback = &entries[i]
		}
	}
	if fallback != nil {
		return identityOf(*fallback), true
	}
	return Identity{}, false
}

func identityOf(e gjson.Result) Identity {
	return Identity{
		Address:   e.Get("address").String(),
		PublicKey: e.Get("publicKey").String(),
	}
}

func (r *AddressResolver) fromAccounts(s *Session) Identity {
	for _, a := range s.Accounts {
		if a.Namespace == r.namespace {
			return Identity{Address: a.Address, PublicKey: a.PublicKey}
		}
	}
	if len(s.Accounts) > 0 {
		return Identity{Address: s.Accounts[0].Address, PublicKey: s.Accounts[0].PublicKey}
	}
	return Identity{}
}
