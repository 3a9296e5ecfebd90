package dispatch

import (
	"strconv"
	"strings"

	"moff.io/vault-wallet/internal/chains"
	"moff.io/vault-wallet/internal/chains/stacks"
	"moff.io/vault-wallet/internal/wallet"
)

// Transfer is a native STX payment. Amount is in micro-STX.
type Transfer struct {
	Recipient string
	Amount    uint64
	Memo      string
}

// Intent is one transaction the user is asked to sign. Post-conditions are
// forwarded to the wallet untouched.
type Intent struct {
	Contract          stacks.ContractID
	FunctionName      string
	FunctionArgs      []stacks.Value
	PostConditions    []stacks.PostCondition
	PostConditionMode stacks.PostConditionMode
	Transfer          *Transfer
}

// Method is the wallet RPC method that carries the intent.
func (in *Intent) Method() string {
	if in.Transfer != nil {
		return wallet.MethodTransferStx
	}
	return wallet.MethodCallContract
}

// Validate rejects intents that cannot be encoded.
func (in *Intent) Validate() error {
	if in == nil {
		return wallet.NewError(wallet.KindInvalidIntent, "empty intent")
	}
	if in.Transfer != nil {
		if !stacks.IsValidAddress(in.Transfer.Recipient) {
			return wallet.NewError(wallet.KindInvalidIntent, "invalid recipient %q", in.Transfer.Recipient)
		}
		if in.Transfer.Amount == 0 {
			return wallet.NewError(wallet.KindInvalidIntent, "transfer amount must be positive")
		}
		return nil
	}
	if in.Contract.IsZero() || in.Contract.Name == "" || !stacks.IsValidAddress(in.Contract.Address) {
		return wallet.NewError(wallet.KindInvalidIntent, "invalid contract %q", in.Contract)
	}
	if strings.TrimSpace(in.FunctionName) == "" {
		return wallet.NewError(wallet.KindInvalidIntent, "missing function name")
	}
	switch in.PostConditionMode {
	case stacks.PostConditionModeAllow, stacks.PostConditionModeDeny:
	default:
		return wallet.NewError(wallet.KindInvalidIntent, "unknown post-condition mode %d", in.PostConditionMode)
	}
	for i, arg := range in.FunctionArgs {
		if arg == nil {
			return wallet.NewError(wallet.KindInvalidIntent, "argument %d is empty", i)
		}
	}
	for i, pc := range in.PostConditions {
		if pc == nil {
			return wallet.NewError(wallet.KindInvalidIntent, "post-condition %d is empty", i)
		}
	}
	return nil
}

// params encodes the intent the way wallets expect it: clarity values and
// post-conditions as 0x hex.
func (in *Intent) params(network *chains.Network) (map[string]interface{}, error) {
	p := map[string]interface{}{}
	if network != nil {
		p["network"] = network.WalletNetwork
	}
	if in.Transfer != nil {
		p["recipient"] = in.Transfer.Recipient
		p["amount"] = strconv.FormatUint(in.Transfer.Amount, 10)
		if in.Transfer.Memo != "" {
			p["memo"] = in.Transfer.Memo
		}
		return p, nil
	}

	args := make([]string, 0, len(in.FunctionArgs))
	for i, arg := range in.FunctionArgs {
		h, err := stacks.SerializeHex(arg)
		if err != nil {
			return nil, wallet.WrapError(wallet.KindInvalidIntent, err, "encode argument %d", i)
		}
		args = append(args, h)
	}
	pcs := make([]string, 0, len(in.PostConditions))
	for i, pc := range in.PostConditions {
		h, err := stacks.PostConditionHex(pc)
		if err != nil {
			return nil, wallet.WrapError(wallet.KindInvalidIntent, err, "encode post-condition %d", i)
		}
		pcs = append(pcs, h)
	}
	p["contract"] = in.Contract.String()
	p["functionName"] = in.FunctionName
	p["functionArgs"] = args
	p["postConditions"] = pcs
	p["postConditionMode"] = in.PostConditionMode.String()
	return p, nil
}
