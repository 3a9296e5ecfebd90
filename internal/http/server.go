package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v9"
	"github.com/shopspring/decimal"
	"moff.io/vault-wallet/internal/chains/hiro"
	"moff.io/vault-wallet/internal/dispatch"
	"moff.io/vault-wallet/internal/monitor"
	"moff.io/vault-wallet/internal/vault"
	"moff.io/vault-wallet/internal/wallet"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
	"moff.io/vault-wallet/pkg/log/middleware"
)

type SessionManager interface {
	Connect(ctx context.Context) (*wallet.Session, error)
	Disconnect(ctx context.Context)
	CurrentSession() *wallet.Session
	Snapshot() wallet.Snapshot
	OnPairingURI(fn func(uri string)) func()
}

type Submitter interface {
	Submit(ctx context.Context, intent *dispatch.Intent, s *wallet.Session) (*dispatch.Result, error)
	ResolveHandoff(ctx context.Context, id, txid string) (*dispatch.Result, error)
	SignMessage(ctx context.Context, s *wallet.Session, message string) (*dispatch.SignedMessage, error)
}

type StatsSource interface {
	Latest() (vault.Snapshot, bool)
}

// VaultReader is satisfied by *vault.Reader.
type VaultReader interface {
	Vault(ctx context.Context, id uint64) (*vault.Info, error)
	UserDeposit(ctx context.Context, user string, vaultID uint64) (*vault.UserDeposit, error)
	PendingRewards(ctx context.Context, user string, vaultID uint64) (decimal.Decimal, error)
}

// TxSource is satisfied by hiro.Client.
type TxSource interface {
	GetTransaction(ctx context.Context, txid string) (*hiro.Transaction, error)
}

// RateLimiter is satisfied by *redis_rate.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

type Options struct {
	Manager    SessionManager
	Dispatcher Submitter
	Actions    *vault.Actions
	Stats      StatsSource
	Vaults     VaultReader
	Chain      TxSource
	// Launcher is the wallet url a pairing uri is deep-linked into.
	Launcher string
	// Limiter is optional; RatePerMinute applies per client IP.
	Limiter        RateLimiter
	RatePerMinute  int
	RequestTimeout time.Duration
	// ConnectWait bounds how long POST /wallet/connect waits for a pairing uri.
	ConnectWait time.Duration
	Metrics     *monitor.Metrics
	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

type Server struct {
	opts   Options
	router *gin.Engine

	mu        sync.RWMutex
	latestURI string
}

const defaultConnectWait = 15 * time.Second

func NewServer(opts Options) *Server {
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = defaultConnectWait
	}
	s := &Server{opts: opts}
	opts.Manager.OnPairingURI(s.rememberURI)

	router := gin.New()
	router.Use(middleware.RecoveredHTTPLog())
	if opts.Metrics != nil {
		router.Use(opts.Metrics.PrometheusMiddleware())
	}
	router.Use(middleware.TimeoutHTTP(opts.RequestTimeout))
	if opts.Limiter != nil && opts.RatePerMinute > 0 {
		router.Use(rateLimit(opts.Limiter, redis_rate.PerMinute(opts.RatePerMinute)))
	}

	router.POST("/wallet/connect", s.connect)
	router.GET("/wallet/qr", s.qr)
	router.GET("/wallet/session", s.session)
	router.DELETE("/wallet/session", s.disconnect)
	router.GET("/wallet/callback", s.callback)
	router.POST("/wallet/sign-message", s.signMessage)
	router.POST("/vault/:action", s.submit)
	router.GET("/vault/stats", s.stats)
	router.GET("/vault/tx/:txid", s.transaction)
	router.GET("/vaults/:id", s.vaultInfo)
	router.GET("/vaults/:id/deposit", s.deposit)
	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}
	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("http server - listening on %v", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	return nil
}

func (s *Server) rememberURI(uri string) {
	s.mu.Lock()
	s.latestURI = uri
	s.mu.Unlock()
}

func (s *Server) pairingURI() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestURI
}
