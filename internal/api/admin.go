package api

import (
	"fmt"
	"net/http"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/auth"
	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/store"
	"github.com/0gfoundation/xusdc-facilitator/internal/token"
)

// withAdmin wraps a handler with an admin check on the verified wallet.
func (h *Handler) withAdmin(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, ok := auth.Wallet(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if _, ok := h.admins[wallet]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		next(c)
	}
}

type mintPayload struct {
	Asset  token.Asset      `json:"asset"`
	Owner  solana.PublicKey `json:"owner"`
	Amount uint64           `json:"amount"`
}

// handleMint funds an account out of thin air. The native and usdc assets
// stand in for balances held outside this ledger. Owners must be wallets:
// derived addresses (rent pool, vault, nonce records) are only funded by the
// ledger operations that account for them.
func (h *Handler) handleMint(c *gin.Context) {
	var p mintPayload
	admin, ok := signedPayload(c, &p)
	if !ok {
		return
	}
	asset, err := token.ParseAsset(string(p.Asset))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if asset == token.XUSDC {
		badRequest(c, "xusdc is only issued by deposit")
		return
	}
	if !p.Owner.IsOnCurve() {
		badRequest(c, "owner must be a wallet address")
		return
	}
	if p.Amount == 0 {
		writeError(c, fmt.Errorf("%w: mint of zero", errcode.InvalidAmount))
		return
	}
	var bal uint64
	if err := h.d.Store.Update(c.Request.Context(), func(txn store.Txn) (err error) {
		if err = h.d.Tokens.Mint(txn, asset, p.Owner, p.Amount); err != nil {
			return err
		}
		bal, err = h.d.Tokens.Balance(txn, asset, p.Owner)
		return err
	}); err != nil {
		writeError(c, err)
		return
	}
	h.log.Info("admin mint",
		zap.String("admin", admin.String()),
		zap.String("asset", string(asset)),
		zap.String("owner", p.Owner.String()),
		zap.Uint64("amount", p.Amount),
	)
	c.JSON(http.StatusOK, gin.H{"owner": p.Owner, "asset": asset, "balance": bal})
}

type holdPayload struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleHold(c *gin.Context) {
	var p holdPayload
	admin, ok := signedPayload(c, &p)
	if !ok {
		return
	}
	n, ok := nonceParam(c)
	if !ok {
		return
	}
	if err := h.d.Store.Update(c.Request.Context(), func(txn store.Txn) error {
		return h.d.Nonces.PlaceHold(txn, n, p.Reason)
	}); err != nil {
		writeError(c, err)
		return
	}
	h.log.Info("nonce hold placed", zap.String("admin", admin.String()), zap.String("nonce", n.String()), zap.String("reason", p.Reason))
	c.JSON(http.StatusOK, gin.H{"nonce": n, "held": true})
}

func (h *Handler) handleRelease(c *gin.Context) {
	admin, ok := auth.Wallet(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	n, ok := nonceParam(c)
	if !ok {
		return
	}
	if err := h.d.Store.Update(c.Request.Context(), func(txn store.Txn) error {
		return h.d.Nonces.ReleaseHold(txn, n)
	}); err != nil {
		writeError(c, err)
		return
	}
	h.log.Info("nonce hold released", zap.String("admin", admin.String()), zap.String("nonce", n.String()))
	c.JSON(http.StatusOK, gin.H{"nonce": n, "held": false})
}
