package vault

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/atomic"
	"moff.io/vault-wallet/internal/chains/hiro"
	"moff.io/vault-wallet/internal/config"
	"moff.io/vault-wallet/pkg/common"
	"moff.io/vault-wallet/pkg/concurrent"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
	"moff.io/vault-wallet/pkg/observer"
)

const (
	DefaultPollInterval = 30 * time.Second
	pollConcurrency     = 3
)

// Snapshot is the latest view of one address and of the protocol. A failed
// fetch keeps the previous value of that part.
type Snapshot struct {
	Address   string         `json:"address"`
	Balance   *hiro.Balance  `json:"balance,omitempty"`
	User      *UserStats     `json:"user,omitempty"`
	Protocol  *ProtocolStats `json:"protocol,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type PollMetrics interface {
	ObservePoll(result string)
	ObserveProtocol(tvl decimal.Decimal, users uint64)
}

type nopPollMetrics struct{}

func (nopPollMetrics) ObservePoll(string)                      {}
func (nopPollMetrics) ObserveProtocol(decimal.Decimal, uint64) {}

// Poller refreshes balance and stats for the watched address on a fixed interval.
type Poller struct {
	api      hiro.Client
	reader   *Reader
	interval time.Duration
	limiter  concurrent.Limiter
	metrics  PollMetrics
	updates  *observer.Registry[Snapshot]
	running  *atomic.Bool

	mu      sync.Mutex
	base    context.Context
	address string
	cancel  context.CancelFunc
	done    chan struct{}
	latest  *Snapshot
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithPollMetrics(m PollMetrics) PollerOption {
	return func(p *Poller) {
		if m != nil {
			p.metrics = m
		}
	}
}

func NewPoller(api hiro.Client, reader *Reader, opts ...PollerOption) *Poller {
	p := &Poller{
		api:      api,
		reader:   reader,
		interval: DefaultPollInterval,
		limiter:  concurrent.NewLimiter(pollConcurrency),
		metrics:  nopPollMetrics{},
		updates:  observer.NewRegistry[Snapshot](),
		running:  atomic.NewBool(false),
		base:     context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) Apply(c *config.Configuration) {
	if c == nil || c.Poller.Interval <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = c.Poller.Interval
	p.mu.Unlock()
}

// Start binds the poller to ctx; loops started later stop with it.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	p.base = ctx
	addr := p.address
	p.mu.Unlock()
	if addr != "" {
		p.restart(addr)
	}
}

func (p *Poller) Stop() {
	p.Watch("")
}

// Watch switches the polled address. An empty address stops polling and
// forgets the last snapshot.
func (p *Poller) Watch(address string) {
	p.mu.Lock()
	if address == p.address && (address == "" || p.cancel != nil) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.restart(address)
}

func (p *Poller) restart(address string) {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.address = address
	p.latest = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if address == "" {
		return
	}

	p.mu.Lock()
	if p.address != address || p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.base)
	done = make(chan struct{})
	p.cancel, p.done = cancel, done
	interval := p.interval
	p.mu.Unlock()

	log.Infof("vault poller - watching %v every %v", common.TruncateAddress(address), interval)
	go p.loop(ctx, address, interval, done)
}

func (p *Poller) loop(ctx context.Context, address string, interval time.Duration, done chan struct{}) {
	p.running.Store(true)
	defer func() {
		p.running.Store(false)
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.Poll(ctx, address)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches one snapshot for address right away.
func (p *Poller) Poll(ctx context.Context, address string) Snapshot {
	var (
		wg       sync.WaitGroup
		balance  *hiro.Balance
		user     *UserStats
		protocol *ProtocolStats
		failed   = atomic.NewInt32(0)
	)
	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.limiter.Acquire(ctx); err != nil {
				failed.Inc()
				return
			}
			defer p.limiter.Done()
			if err := fn(ctx); err != nil {
				failed.Inc()
				if ctx.Err() == nil {
					log.Warnf("vault poller - %v for %v: %v", name, common.TruncateAddress(address), err)
				}
			}
		}()
	}
	run("balance", func(ctx context.Context) (err error) {
		balance, err = p.api.GetBalance(ctx, address)
		return err
	})
	run("user stats", func(ctx context.Context) (err error) {
		user, err = p.reader.UserStats(ctx, address)
		if errors.Is(err, ErrNotFound) {
			user, err = &UserStats{}, nil
		}
		return err
	})
	run("protocol stats", func(ctx context.Context) (err error) {
		protocol, err = p.reader.ProtocolStats(ctx)
		return err
	})
	wg.Wait()

	if failed.Load() > 0 {
		p.metrics.ObservePoll("error")
	} else {
		p.metrics.ObservePoll("ok")
	}
	if protocol != nil {
		p.metrics.ObserveProtocol(protocol.TVL, protocol.Users)
	}
	return p.publish(address, balance, user, protocol)
}

func (p *Poller) publish(address string, balance *hiro.Balance, user *UserStats, protocol *ProtocolStats) Snapshot {
	p.mu.Lock()
	if p.address != address {
		p.mu.Unlock()
		return Snapshot{Address: address, Balance: balance, User: user, Protocol: protocol, UpdatedAt: time.Now()}
	}
	next := Snapshot{Address: address, UpdatedAt: time.Now()}
	if prev := p.latest; prev != nil {
		next.Balance, next.User, next.Protocol = prev.Balance, prev.User, prev.Protocol
	}
	if balance != nil {
		next.Balance = balance
	}
	if user != nil {
		next.User = user
	}
	if protocol != nil {
		next.Protocol = protocol
	}
	p.latest = &next
	p.mu.Unlock()

	p.updates.Notify(next)
	return next
}

// Latest is the last snapshot of the watched address.
func (p *Poller) Latest() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return Snapshot{}, false
	}
	return *p.latest, true
}

func (p *Poller) Subscribe(fn func(Snapshot)) func() {
	return p.updates.Register(fn)
}

// Running reports whether a poll loop is alive.
func (p *Poller) Running() bool {
	return p.running.Load()
}
