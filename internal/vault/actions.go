// Package vault knows the StacksYield vault contract: the intents its public
// functions take, its read-only views and the periodic stats poller.
package vault

import (
	"moff.io/vault-wallet/internal/chains/stacks"
	"moff.io/vault-wallet/internal/dispatch"
	"moff.io/vault-wallet/internal/wallet"
)

const (
	FnDeposit            = "deposit"
	FnWithdraw           = "withdraw"
	FnCompound           = "compound"
	FnEmergencyWithdraw  = "emergency-withdraw"
	FnRegisterUser       = "register-user"
	FnCreateReferralCode = "create-referral-code"
)

// MaxReferralCodeLen is the string-ascii bound of the contract's referral code.
const MaxReferralCodeLen = 20

// Actions builds intents against one deployed vault contract.
type Actions struct {
	contract stacks.ContractID
}

func NewActions(contract stacks.ContractID) *Actions {
	return &Actions{contract: contract}
}

func (a *Actions) Contract() stacks.ContractID {
	return a.contract
}

// Deposit moves amount micro-STX into strategy. The wallet must prove the
// sender pays exactly amount.
func (a *Actions) Deposit(amount, strategy uint64) (*dispatch.Intent, error) {
	if amount == 0 {
		return nil, wallet.NewError(wallet.KindInvalidIntent, "deposit amount must be positive")
	}
	return a.intent(FnDeposit, stacks.PostConditionModeDeny,
		[]stacks.PostCondition{stacks.STXPostCondition{
			Principal: stacks.OriginPrincipal(),
			Code:      stacks.ConditionEqual,
			Amount:    amount,
		}},
		stacks.UInt(amount), stacks.UInt(strategy)), nil
}

// Withdraw runs in allow mode since the contract pays the caller.
func (a *Actions) Withdraw(amount, strategy uint64) (*dispatch.Intent, error) {
	if amount == 0 {
		return nil, wallet.NewError(wallet.KindInvalidIntent, "withdraw amount must be positive")
	}
	return a.intent(FnWithdraw, stacks.PostConditionModeAllow, nil,
		stacks.UInt(amount), stacks.UInt(strategy)), nil
}

func (a *Actions) Compound(strategy uint64) *dispatch.Intent {
	return a.intent(FnCompound, stacks.PostConditionModeAllow, nil, stacks.UInt(strategy))
}

func (a *Actions) EmergencyWithdraw(strategy uint64) *dispatch.Intent {
	return a.intent(FnEmergencyWithdraw, stacks.PostConditionModeAllow, nil, stacks.UInt(strategy))
}

// RegisterUser registers the sender, optionally under a referral code.
func (a *Actions) RegisterUser(referral string) (*dispatch.Intent, error) {
	arg := stacks.None()
	if referral != "" {
		if err := checkReferralCode(referral); err != nil {
			return nil, err
		}
		arg = stacks.Some(stacks.ASCII(referral))
	}
	return a.intent(FnRegisterUser, stacks.PostConditionModeDeny, nil, arg), nil
}

func (a *Actions) CreateReferralCode(code string) (*dispatch.Intent, error) {
	if err := checkReferralCode(code); err != nil {
		return nil, err
	}
	return a.intent(FnCreateReferralCode, stacks.PostConditionModeDeny, nil, stacks.ASCII(code)), nil
}

func (a *Actions) intent(fn string, mode stacks.PostConditionMode, pcs []stacks.PostCondition, args ...stacks.Value) *dispatch.Intent {
	return &dispatch.Intent{
		Contract:          a.contract,
		FunctionName:      fn,
		FunctionArgs:      args,
		PostConditions:    pcs,
		PostConditionMode: mode,
	}
}

func checkReferralCode(code string) error {
	if code == "" || len(code) > MaxReferralCodeLen {
		return wallet.NewError(wallet.KindInvalidIntent, "referral code must be 1-%d characters", MaxReferralCodeLen)
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 0x21 || code[i] > 0x7e {
			return wallet.NewError(wallet.KindInvalidIntent, "referral code %q is not printable ascii", code)
		}
	}
	return nil
}
