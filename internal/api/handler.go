// Package api is the facilitator's HTTP surface.
package api

import (
	"errors"
	"fmt"
	"net/http"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/auth"
	"github.com/0gfoundation/xusdc-facilitator/internal/authorization"
	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/gc"
	"github.com/0gfoundation/xusdc-facilitator/internal/metrics"
	"github.com/0gfoundation/xusdc-facilitator/internal/nonce"
	"github.com/0gfoundation/xusdc-facilitator/internal/rentpool"
	"github.com/0gfoundation/xusdc-facilitator/internal/settlement"
	"github.com/0gfoundation/xusdc-facilitator/internal/settler"
	"github.com/0gfoundation/xusdc-facilitator/internal/store"
	"github.com/0gfoundation/xusdc-facilitator/internal/token"
)

// Signed actions accepted by the wallet-auth middleware, one per route.
const (
	ActionContribute = "rent.contribute"
	ActionWithdraw   = "rent.withdraw"
	ActionDeposit    = "deposit"
	ActionRedeem     = "redeem"
	ActionOpen       = "account.open"
	ActionMint       = "admin.mint"
	ActionHold       = "admin.hold"
	ActionRelease    = "admin.release"
)

// Deps are the components the handler serves.
type Deps struct {
	Store     store.Store
	Redis     *redis.Client
	Tokens    *token.Ledger
	Pool      *rentpool.Ledger
	Nonces    *nonce.Registry
	Engine    *settlement.Engine
	Collector *gc.Collector
	Metrics   *metrics.Metrics
	// Admins may call /admin routes.
	Admins []solana.PublicKey
	// QueueKey is the async settlement queue; empty uses settler.DefaultQueueKey.
	QueueKey string
	// RateLimitRPS and RateLimitBurst bound settlement routes per client IP.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Handler wires up all routes onto a Gin engine.
type Handler struct {
	d       Deps
	admins  map[solana.PublicKey]struct{}
	limiter *ipLimiter
	log     *zap.Logger
}

func NewHandler(d Deps, log *zap.Logger) *Handler {
	if d.QueueKey == "" {
		d.QueueKey = settler.DefaultQueueKey
	}
	admins := make(map[solana.PublicKey]struct{}, len(d.Admins))
	for _, a := range d.Admins {
		admins[a] = struct{}{}
	}
	return &Handler{
		d:       d,
		admins:  admins,
		limiter: newIPLimiter(d.RateLimitRPS, d.RateLimitBurst, 0),
		log:     log,
	}
}

// Register mounts /healthz, /metrics and the /api/v1 routes.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.handleHealth)
	if h.d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.d.Metrics.Handler()))
	}

	v1 := r.Group("/api/v1")

	// ── Settlement (rate limited per client IP) ────────────────────────────
	settle := v1.Group("/settle", h.limiter.middleware())
	settle.POST("", h.handleSettle)
	settle.POST("/verify", h.handleVerify)
	settle.POST("/async", h.handleSettleAsync)
	settle.GET("/async/:nonce", h.handleSettleResult)

	// ── Garbage collection (permissionless) ───────────────────────────────
	v1.POST("/gc", h.handleCollect)

	// ── Reads ───────────────────────────────────────────────────────────────
	v1.GET("/nonces/:nonce", h.handleGetNonce)
	v1.GET("/rent/pool", h.handleGetPool)
	v1.GET("/rent/contributors/:address", h.handleGetContribution)
	v1.GET("/accounts/:owner", h.handleGetAccounts)

	// ── Wallet-signed ───────────────────────────────────────────────────────
	v1.POST("/rent/contribute", auth.Middleware(h.d.Redis, ActionContribute), h.handleContribute)
	v1.POST("/rent/withdraw", auth.Middleware(h.d.Redis, ActionWithdraw), h.handleWithdraw)
	v1.POST("/deposit", auth.Middleware(h.d.Redis, ActionDeposit), h.handleDeposit)
	v1.POST("/redeem", auth.Middleware(h.d.Redis, ActionRedeem), h.handleRedeem)
	v1.POST("/accounts/open", auth.Middleware(h.d.Redis, ActionOpen), h.handleOpenAccount)

	// ── Admin ───────────────────────────────────────────────────────────────
	v1.POST("/admin/mint", auth.Middleware(h.d.Redis, ActionMint), h.withAdmin(h.handleMint))
	v1.POST("/admin/nonces/:nonce/hold", auth.Middleware(h.d.Redis, ActionHold), h.withAdmin(h.handleHold))
	v1.DELETE("/admin/nonces/:nonce/hold", auth.Middleware(h.d.Redis, ActionRelease), h.withAdmin(h.handleRelease))
}

// ── Health ──────────────────────────────────────────────────────────────────

func (h *Handler) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.d.Store.HealthCheck(ctx); err != nil {
		h.log.Warn("healthz: store", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "store unavailable"})
		return
	}
	if h.d.Redis != nil {
		if err := h.d.Redis.Ping(ctx).Err(); err != nil {
			h.log.Warn("healthz: redis", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "redis unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ── Settlement ──────────────────────────────────────────────────────────────

// bindSettleRequest decodes the body; decode failures are MalformedAuthorization.
func bindSettleRequest(c *gin.Context) (*authorization.SettleRequest, bool) {
	var req authorization.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if _, ok := errcode.Of(err); !ok {
			err = fmt.Errorf("%w: %v", errcode.MalformedAuthorization, err)
		}
		writeError(c, err)
		return nil, false
	}
	return &req, true
}

func (h *Handler) handleSettle(c *gin.Context) {
	req, ok := bindSettleRequest(c)
	if !ok {
		return
	}
	rc, err := h.d.Engine.Settle(c.Request.Context(), req)
	if err != nil && rc == nil {
		writeError(c, err)
		return
	}
	// rc != nil with err: committed but the receipt could not be signed.
	c.JSON(http.StatusOK, gin.H{"receipt": rc})
}

func (h *Handler) handleVerify(c *gin.Context) {
	req, ok := bindSettleRequest(c)
	if !ok {
		return
	}
	if err := h.d.Engine.Verify(c.Request.Context(), req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (h *Handler) handleSettleAsync(c *gin.Context) {
	req, ok := bindSettleRequest(c)
	if !ok {
		return
	}
	if err := settler.Enqueue(c.Request.Context(), h.d.Redis, h.d.QueueKey, req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"nonce":  req.Authorization.Nonce,
		"status": settler.StatusPending,
	})
}

func (h *Handler) handleSettleResult(c *gin.Context) {
	n, ok := nonceParam(c)
	if !ok {
		return
	}
	res, err := settler.Lookup(c.Request.Context(), h.d.Redis, n)
	if errors.Is(err, redis.Nil) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown nonce"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ── Garbage collection ─────────────────────────────────────────────────────

type collectRequest struct {
	Nonces []authorization.Nonce `json:"nonces"`
}

func (h *Handler) handleCollect(c *gin.Context) {
	var body collectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	res, err := h.d.Collector.Collect(c.Request.Context(), body.Nonces...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (h *Handler) handleGetNonce(c *gin.Context) {
	n, ok := nonceParam(c)
	if !ok {
		return
	}
	addr, err := h.d.Nonces.Address(n)
	if err != nil {
		writeError(c, err)
		return
	}
	var (
		rec    *nonce.Record
		held   bool
		escrow uint64
	)
	err = h.d.Store.View(c.Request.Context(), func(txn store.Txn) (err error) {
		if rec, err = h.d.Nonces.Lookup(txn, n); err != nil {
			return err
		}
		if held, err = h.d.Nonces.IsHeld(txn, n); err != nil {
			return err
		}
		escrow, err = h.d.Tokens.Balance(txn, token.Native, addr)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"nonce":      n,
		"address":    addr,
		"expires_at": rec.ExpiresAt,
		"held":       held,
		"escrowed":   escrow,
	})
}

func (h *Handler) handleGetPool(c *gin.Context) {
	addr, err := h.d.Pool.PoolAddress()
	if err != nil {
		writeError(c, err)
		return
	}
	var p *rentpool.Pool
	if err := h.d.Store.View(c.Request.Context(), func(txn store.Txn) (err error) {
		p, err = h.d.Pool.Pool(txn)
		return err
	}); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":      addr,
		"free":         p.Free,
		"escrowed":     p.Escrowed,
		"storage_cost": h.d.Nonces.StorageCost(),
	})
}

func (h *Handler) handleGetContribution(c *gin.Context) {
	who, ok := identityParam(c, "address")
	if !ok {
		return
	}
	var contrib *rentpool.Contribution
	if err := h.d.Store.View(c.Request.Context(), func(txn store.Txn) (err error) {
		contrib, err = h.d.Pool.Contribution(txn, who)
		return err
	}); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contrib)
}

type accountView struct {
	Address solana.PublicKey `json:"address"`
	Amount  uint64           `json:"amount"`
}

func (h *Handler) handleGetAccounts(c *gin.Context) {
	owner, ok := identityParam(c, "owner")
	if !ok {
		return
	}
	out := make(map[token.Asset]accountView, 3)
	err := h.d.Store.View(c.Request.Context(), func(txn store.Txn) error {
		for _, asset := range []token.Asset{token.Native, token.USDC, token.XUSDC} {
			addr, err := h.d.Tokens.AccountAddress(asset, owner)
			if err != nil {
				return err
			}
			bal, err := h.d.Tokens.Balance(txn, asset, owner)
			if err != nil {
				return err
			}
			out[asset] = accountView{Address: addr, Amount: bal}
		}
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "accounts": out})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func nonceParam(c *gin.Context) (authorization.Nonce, bool) {
	n, err := authorization.ParseNonce(c.Param("nonce"))
	if err != nil {
		badRequest(c, "invalid nonce")
		return n, false
	}
	return n, true
}

func identityParam(c *gin.Context, name string) (solana.PublicKey, bool) {
	pk, err := solana.PublicKeyFromBase58(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return pk, false
	}
	return pk, true
}

// refreshPoolGauge republishes the rent pool gauges after a wallet operation.
func (h *Handler) refreshPoolGauge(c *gin.Context) {
	if h.d.Metrics == nil {
		return
	}
	_ = h.d.Store.View(c.Request.Context(), func(txn store.Txn) error {
		p, err := h.d.Pool.Pool(txn)
		if err != nil {
			return err
		}
		h.d.Metrics.SetRentPool(p.Free, p.Escrowed)
		return nil
	})
}
