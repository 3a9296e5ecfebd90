package vault

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
	"moff.io/vault-wallet/internal/chains/hiro"
	"moff.io/vault-wallet/internal/chains/stacks"
	"moff.io/vault-wallet/pkg/errors"
)

// ErrNotFound is returned when a read-only view answers none.
var ErrNotFound = errors.New("vault record not found")

// Info is one vault strategy. Amounts are in STX.
type Info struct {
	ID            uint64          `json:"id"`
	Name          string          `json:"name"`
	Strategy      uint64          `json:"strategy"`
	TotalDeposits decimal.Decimal `json:"total_deposits"`
	TotalShares   uint64          `json:"total_shares"`
	// APY in percent; the contract stores basis points.
	APY        decimal.Decimal `json:"apy"`
	MinDeposit decimal.Decimal `json:"min_deposit"`
	LockPeriod uint64          `json:"lock_period"`
	Active     bool            `json:"active"`
	CreatedAt  uint64          `json:"created_at"`
}

type UserDeposit struct {
	Shares         uint64          `json:"shares"`
	DepositAmount  decimal.Decimal `json:"deposit_amount"`
	DepositTime    uint64          `json:"deposit_time"`
	LastCompound   uint64          `json:"last_compound"`
	PendingRewards decimal.Decimal `json:"pending_rewards"`
}

type UserStats struct {
	TotalDeposited   decimal.Decimal `json:"total_deposited"`
	TotalWithdrawn   decimal.Decimal `json:"total_withdrawn"`
	TotalRewards     decimal.Decimal `json:"total_rewards"`
	ReferralEarnings decimal.Decimal `json:"referral_earnings"`
	Referrer         string          `json:"referrer,omitempty"`
	ReferralCount    uint64          `json:"referral_count"`
	Registered       bool            `json:"registered"`
}

type ProtocolStats struct {
	TVL   decimal.Decimal `json:"tvl"`
	Users uint64          `json:"users"`
	Fees  decimal.Decimal `json:"fees"`
}

// Reader decodes the vault's read-only views.
type Reader struct {
	api      hiro.Client
	contract stacks.ContractID
}

func NewReader(api hiro.Client, contract stacks.ContractID) *Reader {
	return &Reader{api: api, contract: contract}
}

func (r *Reader) call(ctx context.Context, fn string, args ...stacks.Value) (stacks.Value, error) {
	v, err := r.api.CallReadOnly(ctx, &hiro.ReadOnlyRequest{
		Contract:     r.contract,
		FunctionName: fn,
		Arguments:    args,
	})
	if err != nil {
		return nil, err
	}
	v, err = stacks.UnwrapResponse(v)
	if err != nil {
		return nil, errors.Wrap(err, fn)
	}
	return v, nil
}

func (r *Reader) tuple(ctx context.Context, fn string, args ...stacks.Value) (*fields, error) {
	v, err := r.call(ctx, fn, args...)
	if err != nil {
		return nil, err
	}
	v = stacks.UnwrapOptional(v)
	if v == nil {
		return nil, ErrNotFound
	}
	t, ok := v.(stacks.TupleValue)
	if !ok {
		return nil, errors.Errorf("%s: expected tuple, got %s", fn, stacks.Describe(v))
	}
	return &fields{fn: fn, t: t}, nil
}

func (r *Reader) Vault(ctx context.Context, id uint64) (*Info, error) {
	f, err := r.tuple(ctx, "get-vault", stacks.UInt(id))
	if err != nil {
		return nil, err
	}
	info := &Info{
		ID:            id,
		Name:          f.text("name"),
		Strategy:      f.num("strategy"),
		TotalDeposits: f.stx("total-deposits"),
		TotalShares:   f.num("total-shares"),
		APY:           decimal.NewFromBigInt(f.bigNum("apy"), -2),
		MinDeposit:    f.stx("min-deposit"),
		LockPeriod:    f.num("lock-period"),
		Active:        f.flag("is-active"),
		CreatedAt:     f.num("created-at"),
	}
	return info, f.err
}

func (r *Reader) UserDeposit(ctx context.Context, user string, vaultID uint64) (*UserDeposit, error) {
	p, err := stacks.Principal(user)
	if err != nil {
		return nil, err
	}
	f, err := r.tuple(ctx, "get-user-deposit", p, stacks.UInt(vaultID))
	if err != nil {
		return nil, err
	}
	d := &UserDeposit{
		Shares:         f.num("shares"),
		DepositAmount:  f.stx("deposit-amount"),
		DepositTime:    f.num("deposit-time"),
		LastCompound:   f.num("last-compound"),
		PendingRewards: f.stx("pending-rewards"),
	}
	return d, f.err
}

func (r *Reader) UserStats(ctx context.Context, user string) (*UserStats, error) {
	p, err := stacks.Principal(user)
	if err != nil {
		return nil, err
	}
	f, err := r.tuple(ctx, "get-user-stats", p)
	if err != nil {
		return nil, err
	}
	s := &UserStats{
		TotalDeposited:   f.stx("total-deposited"),
		TotalWithdrawn:   f.stx("total-withdrawn"),
		TotalRewards:     f.stx("total-rewards"),
		ReferralEarnings: f.stx("referral-earnings"),
		Referrer:         f.principal("referrer"),
		ReferralCount:    f.num("referral-count"),
		Registered:       f.flag("is-registered"),
	}
	return s, f.err
}

func (r *Reader) ProtocolStats(ctx context.Context) (*ProtocolStats, error) {
	tvl, err := r.scalar(ctx, "get-total-tvl")
	if err != nil {
		return nil, err
	}
	users, err := r.scalar(ctx, "get-total-users")
	if err != nil {
		return nil, err
	}
	fees, err := r.scalar(ctx, "get-total-fees")
	if err != nil {
		return nil, err
	}
	if !users.IsUint64() {
		return nil, errors.Errorf("get-total-users: %v overflows uint64", users)
	}
	return &ProtocolStats{
		TVL:   microToSTX(tvl),
		Users: users.Uint64(),
		Fees:  microToSTX(fees),
	}, nil
}

// PendingRewards is what user would earn by compounding vaultID now, in STX.
func (r *Reader) PendingRewards(ctx context.Context, user string, vaultID uint64) (decimal.Decimal, error) {
	p, err := stacks.Principal(user)
	if err != nil {
		return decimal.Zero, err
	}
	n, err := r.scalar(ctx, "calculate-pending-rewards", p, stacks.UInt(vaultID))
	if err != nil {
		return decimal.Zero, err
	}
	return microToSTX(n), nil
}

func (r *Reader) scalar(ctx context.Context, fn string, args ...stacks.Value) (*big.Int, error) {
	v, err := r.call(ctx, fn, args...)
	if err != nil {
		return nil, err
	}
	n, err := stacks.Uint128(v)
	return n, errors.Wrap(err, fn)
}

func microToSTX(n *big.Int) decimal.Decimal {
	return hiro.STX(decimal.NewFromBigInt(n, 0))
}

// fields reads tuple members, keeping the first decode error.
type fields struct {
	fn  string
	t   stacks.TupleValue
	err error
}

func (f *fields) get(name string) stacks.Value {
	v := f.t.Get(name)
	if v == nil && f.err == nil {
		f.err = errors.Errorf("%s: missing field %s", f.fn, name)
	}
	return v
}

func (f *fields) bigNum(name string) *big.Int {
	v := f.get(name)
	if v == nil {
		return new(big.Int)
	}
	n, err := stacks.Uint128(v)
	if err != nil {
		if f.err == nil {
			f.err = errors.Wrapf(err, "%s.%s", f.fn, name)
		}
		return new(big.Int)
	}
	return n
}

func (f *fields) num(name string) uint64 {
	n := f.bigNum(name)
	if !n.IsUint64() {
		if f.err == nil {
			f.err = errors.Errorf("%s.%s: %v overflows uint64", f.fn, name, n)
		}
		return 0
	}
	return n.Uint64()
}

func (f *fields) stx(name string) decimal.Decimal {
	return microToSTX(f.bigNum(name))
}

func (f *fields) flag(name string) bool {
	b, ok := f.get(name).(stacks.BoolValue)
	return ok && bool(b)
}

func (f *fields) text(name string) string {
	switch s := f.get(name).(type) {
	case stacks.ASCIIValue:
		return string(s)
	case stacks.UTF8Value:
		return string(s)
	}
	return ""
}

// principal accepts a bare or optional principal; none is "".
func (f *fields) principal(name string) string {
	v := f.t.Get(name)
	if p, ok := stacks.UnwrapOptional(v).(stacks.PrincipalValue); ok {
		return p.String()
	}
	return ""
}
