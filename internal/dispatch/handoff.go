package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"moff.io/vault-wallet/pkg/common"
	"moff.io/vault-wallet/pkg/errors"
)

// ErrHandoffNotFound is returned for unknown or evicted handoff ids.
var ErrHandoffNotFound = errors.New("handoff not found")

type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffCompleted HandoffStatus = "completed"
)

// Handoff is a request sent to a wallet app through a deep link. It completes
// when the wallet calls back with a txid.
type Handoff struct {
	ID        string                 `json:"id"`
	Method    string                 `json:"method"`
	Params    map[string]interface{} `json:"params"`
	WalletURL string                 `json:"wallet_url"`
	Status    HandoffStatus          `json:"status"`
	TxID      string                 `json:"txid,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// HandoffStore persists handoffs between the deep link and the callback.
type HandoffStore interface {
	Save(ctx context.Context, h *Handoff) error
	Get(ctx context.Context, id string) (*Handoff, error)
}

const defaultMemoryHandoffs = 1024

// MemoryHandoffStore keeps the most recent handoffs in insertion order and
// evicts the oldest beyond its capacity.
type MemoryHandoffStore struct {
	mu       sync.Mutex
	capacity int
	items    *linkedhashmap.Map
}

func NewMemoryHandoffStore(capacity int) *MemoryHandoffStore {
	if capacity <= 0 {
		capacity = defaultMemoryHandoffs
	}
	return &MemoryHandoffStore{capacity: capacity, items: linkedhashmap.New()}
}

func (s *MemoryHandoffStore) Save(_ context.Context, h *Handoff) error {
	cp := *h
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Put(h.ID, &cp)
	for s.items.Size() > s.capacity {
		it := s.items.Iterator()
		if !it.First() {
			break
		}
		s.items.Remove(it.Key())
	}
	return nil
}

func (s *MemoryHandoffStore) Get(_ context.Context, id string) (*Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items.Get(id)
	if !ok {
		return nil, ErrHandoffNotFound
	}
	cp := *v.(*Handoff)
	return &cp, nil
}

// DeepLink builds wallet app URLs that carry a request and a callback.
type DeepLink struct {
	// WalletURL is the wallet's universal link, e.g. https://leather.io/request.
	WalletURL string
	// CallbackURL receives ?handoff=<id>&txid=<txid> when the wallet is done.
	CallbackURL string
}

func (d *DeepLink) Build(h *Handoff) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"id":     h.ID,
		"method": h.Method,
		"params": h.Params,
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal deep link request")
	}
	q := url.Values{}
	q.Set("request", base64.RawURLEncoding.EncodeToString(body))
	if d.CallbackURL != "" {
		cb := d.CallbackURL
		sep := "?"
		if strings.Contains(cb, "?") {
			sep = "&"
		}
		q.Set("callback", cb+sep+"handoff="+url.QueryEscape(h.ID))
	}
	sep := "?"
	if strings.Contains(d.WalletURL, "?") {
		sep = "&"
	}
	return d.WalletURL + sep + q.Encode(), nil
}

// Opener hands a wallet URL to the user agent.
type Opener interface {
	Open(ctx context.Context, url string) error
}

func newHandoff(method string, params map[string]interface{}, now time.Time) *Handoff {
	return &Handoff{
		ID:        common.NewCutUUIDString(),
		Method:    method,
		Params:    params,
		Status:    HandoffPending,
		CreatedAt: now,
	}
}
