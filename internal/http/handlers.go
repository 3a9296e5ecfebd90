package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"moff.io/vault-wallet/internal/chains/hiro"
	"moff.io/vault-wallet/internal/chains/stacks"
	"moff.io/vault-wallet/internal/dispatch"
	"moff.io/vault-wallet/internal/vault"
	"moff.io/vault-wallet/internal/wallet"
	"moff.io/vault-wallet/internal/walletconnect"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
)

type connectResponse struct {
	URI      string          `json:"uri,omitempty"`
	DeepLink string          `json:"deep_link,omitempty"`
	QR       string          `json:"qr,omitempty"`
	Session  wallet.Snapshot `json:"session"`
}

func (s *Server) pairingResponse(uri string) connectResponse {
	resp := connectResponse{URI: uri, QR: "/wallet/qr", Session: s.opts.Manager.Snapshot()}
	if s.opts.Launcher != "" {
		resp.DeepLink = walletconnect.DeepLink(s.opts.Launcher, uri)
	}
	return resp
}

// connect starts pairing in the background and answers with the first
// pairing uri, or with the session when the wallet is already connected.
func (s *Server) connect(ctx *gin.Context) {
	m := s.opts.Manager
	if snap := m.Snapshot(); snap.State == wallet.StateActive && m.CurrentSession() != nil {
		ctx.JSON(http.StatusOK, connectResponse{Session: snap})
		return
	}
	if snap := m.Snapshot(); snap.State == wallet.StatePairing {
		if uri := s.pairingURI(); uri != "" {
			ctx.JSON(http.StatusOK, s.pairingResponse(uri))
			return
		}
	}

	uris := make(chan string, 1)
	dispose := m.OnPairingURI(func(uri string) {
		select {
		case uris <- uri:
		default:
		}
	})
	defer dispose()

	done := make(chan error, 1)
	go func() {
		// pairing outlives this request; the manager bounds it with its own timeout
		_, err := m.Connect(context.Background())
		if err != nil {
			log.Warnf("http - background connect: %v", err)
		}
		done <- err
	}()

	wait, cancel := context.WithTimeout(ctx.Request.Context(), s.opts.ConnectWait)
	defer cancel()
	select {
	case uri := <-uris:
		ctx.JSON(http.StatusOK, s.pairingResponse(uri))
	case err := <-done:
		if err != nil {
			renderError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, connectResponse{Session: m.Snapshot()})
	case <-wait.Done():
		renderError(ctx, wallet.NewError(wallet.KindConnectionTimeout, "no pairing uri within %v", s.opts.ConnectWait))
	}
}

func (s *Server) qr(ctx *gin.Context) {
	uri := s.pairingURI()
	if uri == "" || s.opts.Manager.Snapshot().State != wallet.StatePairing {
		renderNotFound(ctx, "no pairing in progress")
		return
	}
	size, _ := strconv.Atoi(ctx.Query("size"))
	if size > 1024 {
		size = 1024
	}
	png, err := walletconnect.QRCode(uri, size)
	if err != nil {
		renderError(ctx, err)
		return
	}
	ctx.Data(http.StatusOK, "image/png", png)
}

func (s *Server) session(ctx *gin.Context) {
	// CurrentSession moves a session past its expiry to expired first
	s.opts.Manager.CurrentSession()
	ctx.JSON(http.StatusOK, s.opts.Manager.Snapshot())
}

func (s *Server) disconnect(ctx *gin.Context) {
	s.opts.Manager.Disconnect(ctx.Request.Context())
	s.rememberURI("")
	ctx.JSON(http.StatusOK, s.opts.Manager.Snapshot())
}

type actionRequest struct {
	// Amount is in STX.
	Amount   decimal.Decimal `json:"amount"`
	Strategy uint64          `json:"strategy"`
	Referral string          `json:"referral"`
	Code     string          `json:"code"`
}

func (r *actionRequest) microSTX() (uint64, error) {
	micro := hiro.MicroSTX(r.Amount)
	if micro.Sign() <= 0 || !micro.BigInt().IsUint64() {
		return 0, wallet.NewError(wallet.KindInvalidIntent, "amount %v STX is out of range", r.Amount)
	}
	return micro.BigInt().Uint64(), nil
}

func (s *Server) intentFor(action string, req *actionRequest) (*dispatch.Intent, error) {
	a := s.opts.Actions
	switch action {
	case "deposit", "withdraw":
		amount, err := req.microSTX()
		if err != nil {
			return nil, err
		}
		if action == "deposit" {
			return a.Deposit(amount, req.Strategy)
		}
		return a.Withdraw(amount, req.Strategy)
	case "compound":
		return a.Compound(req.Strategy), nil
	case "emergency-withdraw":
		return a.EmergencyWithdraw(req.Strategy), nil
	case "register":
		return a.RegisterUser(req.Referral)
	case "create-referral":
		return a.CreateReferralCode(req.Code)
	}
	return nil, nil
}

func (s *Server) submit(ctx *gin.Context) {
	var req actionRequest
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			renderError(ctx, wallet.WrapError(wallet.KindInvalidIntent, err, "decode request"))
			return
		}
	}
	intent, err := s.intentFor(ctx.Param("action"), &req)
	if err != nil {
		renderError(ctx, err)
		return
	}
	if intent == nil {
		renderNotFound(ctx, "unknown vault action "+ctx.Param("action"))
		return
	}
	res, err := s.opts.Dispatcher.Submit(ctx.Request.Context(), intent, s.opts.Manager.CurrentSession())
	if err != nil {
		renderError(ctx, err)
		return
	}
	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	ctx.JSON(status, res)
}

func (s *Server) callback(ctx *gin.Context) {
	id, txid := ctx.Query("handoff"), ctx.Query("txid")
	if id == "" || txid == "" {
		renderError(ctx, wallet.NewError(wallet.KindMalformedResponse, "callback needs handoff and txid"))
		return
	}
	res, err := s.opts.Dispatcher.ResolveHandoff(ctx.Request.Context(), id, txid)
	if errors.Is(err, dispatch.ErrHandoffNotFound) {
		renderNotFound(ctx, "unknown handoff")
		return
	}
	if err != nil {
		renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, res)
}

func (s *Server) stats(ctx *gin.Context) {
	if s.opts.Stats == nil {
		renderNotFound(ctx, "stats are not polled")
		return
	}
	snap, ok := s.opts.Stats.Latest()
	if !ok {
		renderNotFound(ctx, "no stats yet")
		return
	}
	ctx.JSON(http.StatusOK, snap)
}

type signRequest struct {
	Message string `json:"message"`
}

func (s *Server) signMessage(ctx *gin.Context) {
	var req signRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		renderError(ctx, wallet.WrapError(wallet.KindInvalidIntent, err, "decode request"))
		return
	}
	signed, err := s.opts.Dispatcher.SignMessage(ctx.Request.Context(), s.opts.Manager.CurrentSession(), req.Message)
	if err != nil {
		renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, signed)
}

// transaction reports the chain status of a submitted transaction. Callers
// poll it until final is true.
func (s *Server) transaction(ctx *gin.Context) {
	if s.opts.Chain == nil {
		renderNotFound(ctx, "transaction lookup is not configured")
		return
	}
	txid, ok := stacks.NormalizeTxID(ctx.Param("txid"))
	if !ok {
		renderError(ctx, wallet.NewError(wallet.KindInvalidIntent, "%q is not a transaction id", ctx.Param("txid")))
		return
	}
	tx, err := s.opts.Chain.GetTransaction(ctx.Request.Context(), txid)
	if errors.Is(err, hiro.ErrTxNotFound) {
		renderNotFound(ctx, "transaction not indexed yet")
		return
	}
	if err != nil {
		renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"tx":        tx,
		"confirmed": tx.Confirmed(),
		"final":     tx.Final(),
		"failed":    tx.Failed(),
	})
}

func (s *Server) vaultID(ctx *gin.Context) (uint64, bool) {
	if s.opts.Vaults == nil {
		renderNotFound(ctx, "vault reads are not configured")
		return 0, false
	}
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		renderError(ctx, wallet.WrapError(wallet.KindInvalidIntent, err, "vault id %q", ctx.Param("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) vaultInfo(ctx *gin.Context) {
	id, ok := s.vaultID(ctx)
	if !ok {
		return
	}
	info, err := s.opts.Vaults.Vault(ctx.Request.Context(), id)
	if errors.Is(err, vault.ErrNotFound) {
		renderNotFound(ctx, "unknown vault")
		return
	}
	if err != nil {
		renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, info)
}

type depositResponse struct {
	VaultID        uint64             `json:"vault_id"`
	Address        string             `json:"address"`
	Deposit        *vault.UserDeposit `json:"deposit"`
	PendingRewards decimal.Decimal    `json:"pending_rewards"`
}

// deposit reads the connected account's position in a vault. An address
// query parameter reads another account.
func (s *Server) deposit(ctx *gin.Context) {
	id, ok := s.vaultID(ctx)
	if !ok {
		return
	}
	address := ctx.Query("address")
	if address == "" {
		address = s.opts.Manager.Snapshot().Address
	}
	if address == "" {
		renderError(ctx, wallet.NewError(wallet.KindSessionExpired, "no connected address"))
		return
	}
	if !stacks.IsValidAddress(address) {
		renderError(ctx, wallet.NewError(wallet.KindInvalidIntent, "%q is not a stacks address", address))
		return
	}
	d, err := s.opts.Vaults.UserDeposit(ctx.Request.Context(), address, id)
	if errors.Is(err, vault.ErrNotFound) {
		renderNotFound(ctx, "no deposit in this vault")
		return
	}
	if err != nil {
		renderError(ctx, err)
		return
	}
	rewards, err := s.opts.Vaults.PendingRewards(ctx.Request.Context(), address, id)
	if err != nil {
		log.Warnf("http - pending rewards of %v in vault %d: %v", address, id, err)
		rewards = d.PendingRewards
	}
	ctx.JSON(http.StatusOK, depositResponse{VaultID: id, Address: address, Deposit: d, PendingRewards: rewards})
}
