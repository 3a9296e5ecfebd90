package dispatch

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"moff.io/vault-wallet/internal/chains/stacks"
	"moff.io/vault-wallet/internal/wallet"
)

// SignedMessage is a verified message signature.
type SignedMessage struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
	Address   string `json:"address"`
	Transport string `json:"transport"`
}

// SignMessage asks the wallet to sign message and checks that the signature
// recovers to a key owning one of the session accounts.
func (d *Dispatcher) SignMessage(ctx context.Context, s *wallet.Session, message string) (*SignedMessage, error) {
	if message == "" {
		return nil, wallet.NewError(wallet.KindInvalidIntent, "empty message")
	}
	if err := d.precheck(s, wallet.MethodSignMessage); err != nil {
		return nil, err
	}
	var signed *SignedMessage
	c := &call{
		method:  wallet.MethodSignMessage,
		params:  map[string]interface{}{"message": message, "network": d.opts.Network.WalletNetwork},
		session: s,
		finish: func(_ context.Context, transport string, raw json.RawMessage) (*Result, error) {
			sm, err := d.verifySignature(s, message, raw)
			if err != nil {
				return nil, err
			}
			sm.Transport = transport
			signed = sm
			return &Result{}, nil
		},
	}
	_, err := d.route(ctx, c, []strategy{
		{TransportBridge, d.viaBridge},
		{TransportRPC, d.viaSession},
	})
	if err != nil {
		d.opts.Metrics.ObserveResult(wallet.KindOf(err).String())
		return nil, err
	}
	d.opts.Metrics.ObserveResult("ok")
	return signed, nil
}

func (d *Dispatcher) verifySignature(s *wallet.Session, message string, raw json.RawMessage) (*SignedMessage, error) {
	root := gjson.ParseBytes(raw)
	for _, key := range []string{"result", "data"} {
		if inner := root.Get(key); inner.IsObject() {
			root = inner
			break
		}
	}
	sig := root.Get("signature").String()
	pub := root.Get("publicKey").String()
	if sig == "" || pub == "" {
		return nil, wallet.NewError(wallet.KindMalformedResponse, "signature answer lacks signature or public key")
	}
	if !stacks.VerifyMessage(message, sig, pub) {
		return nil, wallet.NewError(wallet.KindWalletError, "signature does not match the public key")
	}
	addr, err := stacks.AddressFromPublicKeyHex(pub, d.opts.Network.SingleSigVersion)
	if err != nil {
		return nil, wallet.WrapError(wallet.KindMalformedResponse, err, "derive signer address")
	}
	if s != nil && !ownsAddress(s, addr) {
		return nil, wallet.NewError(wallet.KindWalletError, "message signed by %s, not a session account", addr)
	}
	return &SignedMessage{Message: message, Signature: sig, PublicKey: pub, Address: addr}, nil
}

func ownsAddress(s *wallet.Session, addr string) bool {
	for _, a := range s.Accounts {
		if a.Address == addr {
			return true
		}
	}
	return false
}
