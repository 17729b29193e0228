package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/auth"
	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/rentpool"
	"github.com/0gfoundation/xusdc-facilitator/internal/store"
	"github.com/0gfoundation/xusdc-facilitator/internal/token"
)

// amountPayload is the signed payload of the wallet routes.
type amountPayload struct {
	Amount uint64 `json:"amount"`
}

// signedPayload decodes the verified payload into out and returns the wallet.
func signedPayload(c *gin.Context, out any) (solana.PublicKey, bool) {
	wallet, ok := auth.Wallet(c)
	sr, ok2 := auth.Request(c)
	if !ok || !ok2 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return solana.PublicKey{}, false
	}
	if len(sr.Payload) == 0 || json.Unmarshal(sr.Payload, out) != nil {
		badRequest(c, "invalid signed payload")
		return solana.PublicKey{}, false
	}
	return wallet, true
}

// ── Rent pool ───────────────────────────────────────────────────────────────

func (h *Handler) handleContribute(c *gin.Context) {
	var p amountPayload
	wallet, ok := signedPayload(c, &p)
	if !ok {
		return
	}
	var contrib *rentpool.Contribution
	if err := h.d.Store.Update(c.Request.Context(), func(txn store.Txn) (err error) {
		contrib, err = h.d.Pool.Contribute(txn, wallet, p.Amount)
		return err
	}); err != nil {
		writeError(c, err)
		return
	}
	h.refreshPoolGauge(c)
	h.log.Info("rent contributed", zap.String("contributor", wallet.String()), zap.Uint64("amount", p.Amount))
	c.JSON(http.StatusOK, contrib)
}

func (h *Handler) handleWithdraw(c *gin.Context) {
	var p amountPayload
	wallet, ok := signedPayload(c, &p)
	if !ok {
		return
	}
	var contrib *rentpool.Contribution
	if err := h.d.Store.Update(c.Request.Context(), func(txn store.Txn) (err error) {
		contrib, err = h.d.Pool.Withdraw(txn, wallet, p.Amount)
		return err
	}); err != nil {
		writeError(c, err)
		return
	}
	h.refreshPoolGauge(c)
	h.log.Info("rent withdrawn", zap.String("contributor", wallet.String()), zap.Uint64("amount", p.Amount))
	c.JSON(http.StatusOK, contrib)
}

// ── Deposit / redeem ────────────────────────────────────────────────────────

func (h *Handler) handleDeposit(c *gin.Context) {
	h.exchange(c, "deposit", h.d.Tokens.Deposit)
}

func (h *Handler) handleRedeem(c *gin.Context) {
	h.exchange(c, "redeem", h.d.Tokens.Redeem)
}

func (h *Handler) exchange(c *gin.Context, op string, fn func(store.Txn, solana.PublicKey, uint64) error) {
	var p amountPayload
	wallet, ok := signedPayload(c, &p)
	if !ok {
		return
	}
	if p.Amount == 0 {
		writeError(c, fmt.Errorf("%w: %s of zero", errcode.InvalidAmount, op))
		return
	}
	var xusdc uint64
	if err := h.d.Store.Update(c.Request.Context(), func(txn store.Txn) (err error) {
		if err = fn(txn, wallet, p.Amount); err != nil {
			return err
		}
		xusdc, err = h.d.Tokens.Balance(txn, token.XUSDC, wallet)
		return err
	}); err != nil {
		writeError(c, err)
		return
	}
	h.log.Info("xusdc "+op, zap.String("owner", wallet.String()), zap.Uint64("amount", p.Amount))
	c.JSON(http.StatusOK, gin.H{"owner": wallet, "xusdc": xusdc})
}

// ── Accounts ────────────────────────────────────────────────────────────────

type openPayload struct {
	Asset token.Asset `json:"asset"`
}

func (h *Handler) handleOpenAccount(c *gin.Context) {
	var p openPayload
	wallet, ok := signedPayload(c, &p)
	if !ok {
		return
	}
	asset, err := token.ParseAsset(string(p.Asset))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var addr solana.PublicKey
	if err := h.d.Store.Update(c.Request.Context(), func(txn store.Txn) (err error) {
		addr, err = h.d.Tokens.Open(txn, asset, wallet)
		return err
	}); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": wallet, "asset": asset, "address": addr})
}
