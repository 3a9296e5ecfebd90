package wallet

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"moff.io/vault-wallet/internal/chains"
	"moff.io/vault-wallet/pkg/common"
	"moff.io/vault-wallet/pkg/log"
	"moff.io/vault-wallet/pkg/observer"
)

const DefaultConnectTimeout = 5 * time.Minute

type Option func(*Manager)

func WithRequirements(req Requirements) Option {
	return func(m *Manager) { m.requirements = req }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the single wallet session of the process.
type Manager struct {
	transport      PairingTransport
	resolver       *AddressResolver
	requirements   Requirements
	connectTimeout time.Duration
	now            func() time.Time

	group      singleflight.Group
	uris       *observer.Registry[string]
	changes    *observer.Registry[Snapshot]
	eventsOnce sync.Once

	mu            sync.RWMutex
	state         State
	session       *Session
	identity      Identity
	attempt       uint64
	cancelConnect context.CancelFunc
}

func NewManager(transport PairingTransport, resolver *AddressResolver, opts ...Option) *Manager {
	m := &Manager{
		transport:      transport,
		resolver:       resolver,
		requirements:   DefaultRequirements(chains.Mainnet.ChainID),
		connectTimeout: DefaultConnectTimeout,
		now:            time.Now,
		uris:           observer.NewRegistry[string](),
		changes:        observer.NewRegistry[Snapshot](),
		state:          StateDisconnected,
	}
	if resolver == nil {
		m.resolver = NewAddressResolver(transport, "", 0)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect returns the active session or pairs a new one. Concurrent callers
// share a single handshake. The handshake is bounded by the connect timeout,
// not by ctx; ctx only bounds how long this caller waits.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	if m.transport == nil {
		return nil, NewError(KindConfiguration, "no pairing transport configured")
	}
	if s := m.activeSession(); s != nil {
		return s, nil
	}
	ch := m.group.DoChan("connect", func() (interface{}, error) {
		return m.connect()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, WrapError(KindConnectionTimeout, ctx.Err(), "stopped waiting for wallet connection")
	}
}

func (m *Manager) activeSession() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session != nil && m.state == StateActive && m.session.Usable(m.now()) {
		return m.session
	}
	return nil
}

func (m *Manager) connect() (*Session, error) {
	m.eventsOnce.Do(func() {
		m.transport.OnSessionEvent(m.handleSessionEvent)
	})

	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	m.mu.Lock()
	m.attempt++
	attempt := m.attempt
	m.cancelConnect = cancel
	m.identity = Identity{}
	m.setStateLocked(StatePairing)
	m.mu.Unlock()
	m.notify()

	if err := m.transport.Initialize(ctx); err != nil {
		return m.failConnect(attempt, err)
	}

	dispose := m.transport.OnPairingURI(m.uris.Notify)
	defer dispose()

	s, err := m.transport.RequestPairing(ctx, m.requirements)
	if err != nil {
		return m.failConnect(attempt, err)
	}
	s.Transition(StateActive)
	identity := m.resolver.Resolve(ctx, s)

	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		log.Infof("wallet manager - session %s paired after disconnect, dropping it", s.ID)
		return nil, NewError(KindConnectionTimeout, "connection attempt was cancelled")
	}
	m.session = s
	m.identity = identity
	m.cancelConnect = nil
	m.setStateLocked(StateActive)
	m.mu.Unlock()

	log.Infof("wallet manager - session %s active for %s (%s)", s.ID, common.TruncateAddress(identity.Address), s.Peer.Name)
	m.notify()
	return s, nil
}

func (m *Manager) failConnect(attempt uint64, err error) (*Session, error) {
	mapped := classifyConnectError(err)
	m.mu.Lock()
	if m.attempt == attempt {
		m.cancelConnect = nil
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()
	log.Warnf("wallet manager - connect failed: %v", err)
	m.notify()
	return nil, mapped
}

// classifyConnectError folds transport failures into the errors Connect reports.
// Failures the transport did not classify are treated as the wallet never answering.
func classifyConnectError(err error) error {
	switch KindOf(err) {
	case KindConfiguration, KindCapabilityMismatch, KindConnectionRejected, KindConnectionTimeout:
		return err
	case KindPairingRejected, KindUserRejected:
		return WrapError(KindConnectionRejected, err, "wallet rejected the connection")
	}
	return WrapError(KindConnectionTimeout, err, "wallet connection did not complete")
}

// Disconnect ends the session. It always leaves the manager Closed, logging
// transport failures instead of returning them.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.attempt++
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	m.mu.Unlock()

	if m.transport == nil {
		log.Warn("wallet manager - disconnect without a pairing transport")
	} else if err := m.transport.Disconnect(ctx); err != nil {
		log.Warnf("wallet manager - transport disconnect failed: %v", err)
	}

	m.mu.Lock()
	if m.session != nil {
		m.session.Transition(StateClosed)
	}
	m.session = nil
	m.identity = Identity{}
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) handleSessionEvent(ev SessionEvent) {
	m.mu.Lock()
	if m.session == nil || (ev.SessionID != "" && ev.SessionID != m.session.ID) {
		m.mu.Unlock()
		return
	}
	switch ev.Kind {
	case SessionExpired:
		m.session.Transition(StateExpired)
		m.identity = Identity{}
		m.setStateLocked(StateExpired)
	case SessionDeleted:
		m.session.Transition(StateClosed)
		m.session = nil
		m.identity = Identity{}
		m.setStateLocked(StateClosed)
	}
	m.mu.Unlock()
	log.Infof("wallet manager - session %s %s", ev.SessionID, ev.Kind)
	m.notify()
}

// CurrentSession returns the session requests should go through, or nil. An
// active session past its expiry is moved to Expired first.
func (m *Manager) CurrentSession() *Session {
	m.mu.Lock()
	s := m.session
	expired := s != nil && m.state == StateActive && s.PastExpiry(m.now())
	if expired {
		s.Transition(StateExpired)
		m.identity = Identity{}
		m.setStateLocked(StateExpired)
	}
	m.mu.Unlock()
	if expired {
		m.notify()
	}
	return s
}

func (m *Manager) Identity() Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// Subscribe registers fn for every state change and returns its disposer.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	return m.changes.Register(fn)
}

// OnPairingURI registers fn for the URIs emitted while a connect is pairing.
func (m *Manager) OnPairingURI(fn func(uri string)) func() {
	return m.uris.Register(fn)
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:     m.state,
		Connected: m.state == StateActive,
		Address:   m.identity.Address,
		PublicKey: m.identity.PublicKey,
	}
	if m.session != nil {
		snap.SessionID = m.session.ID
		snap.Wallet = m.session.Peer.Name
	}
	return snap
}

func (m *Manager) notify() {
	m.changes.Notify(m.Snapshot())
}
