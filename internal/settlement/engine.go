// Package settlement turns a signed payment authorization into a committed
// transfer and a registered nonce.
//
// One call to Settle is one store transaction running the state machine
// Received → IdentityValidated → TimeValidated → SignatureValidated →
// Transferred → NonceRegistered → Committed. A failing guard aborts the
// transaction, so an aborted attempt leaves no trace in any balance, record
// or the rent pool. Two attempts racing on the same nonce are serialized by
// the store: the loser is re-executed against the winner's state and aborts
// with NonceAlreadyUsed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/authority"
	"github.com/0gfoundation/xusdc-facilitator/internal/authorization"
	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/metrics"
	"github.com/0gfoundation/xusdc-facilitator/internal/nonce"
	"github.com/0gfoundation/xusdc-facilitator/internal/rentpool"
	"github.com/0gfoundation/xusdc-facilitator/internal/store"
	"github.com/0gfoundation/xusdc-facilitator/internal/token"
)

// AbortError reports where an attempt stopped. It unwraps to the protocol
// error that caused the abort.
type AbortError struct {
	At  State
	Err error
}

func (e *AbortError) Error() string { return fmt.Sprintf("settlement aborted after %s: %v", e.At, e.Err) }

func (e *AbortError) Unwrap() error { return e.Err }

// errDryRun rolls back a fully validated attempt in Verify.
var errDryRun = errors.New("dry run")

// Engine settles payment authorizations.
type Engine struct {
	store    store.Store
	tokens   *token.Ledger
	nonces   *nonce.Registry
	pool     *rentpool.Ledger
	delegate *authority.Delegate
	now      func() time.Time
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(
	s store.Store,
	tokens *token.Ledger,
	nonces *nonce.Registry,
	pool *rentpool.Ledger,
	delegate *authority.Delegate,
	log *zap.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:    s,
		tokens:   tokens,
		nonces:   nonces,
		pool:     pool,
		delegate: delegate,
		now:      time.Now,
		log:      log,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Settle runs one settlement attempt. On success the returned receipt is
// signed by the transfer authority. Protocol failures are *AbortError values
// wrapping an errcode sentinel.
func (e *Engine) Settle(ctx context.Context, req *authorization.SettleRequest) (*Receipt, error) {
	start := time.Now()
	now := e.now().Unix()
	a := &req.Authorization

	var (
		rc   *Receipt
		pool *rentpool.Pool
	)
	err := e.store.Update(ctx, func(txn store.Txn) (err error) {
		rc, pool, err = e.attempt(txn, req, now)
		return err
	})
	e.metrics.ObserveSettlement(errcode.Code(err), time.Since(start))
	if err != nil {
		e.logAbort(a, err)
		return nil, err
	}
	e.metrics.SetRentPool(pool.Free, pool.Escrowed)

	rc.Authority = e.delegate.Identity()
	sig, err := e.delegate.Sign(rc.Message())
	if err != nil {
		// The settlement is committed; only the receipt is unsigned.
		e.log.Error("sign receipt", zap.String("nonce", a.Nonce.String()), zap.Error(err))
		return rc, fmt.Errorf("sign receipt: %w", err)
	}
	rc.Signature = sig

	e.log.Info("payment settled",
		zap.String("nonce", a.Nonce.String()),
		zap.String("from", a.From.String()),
		zap.String("to", a.To.String()),
		zap.Uint64("amount", a.Amount),
		zap.Int64("valid_until", a.ValidUntil),
		zap.Uint64("rent_escrowed", rc.RentEscrowed),
	)
	return rc, nil
}

// Verify runs every guard of Settle, including the transfer and the nonce
// reservation, then rolls the attempt back. A nil error means Settle would
// commit against the current state.
func (e *Engine) Verify(ctx context.Context, req *authorization.SettleRequest) error {
	now := e.now().Unix()
	err := e.store.Update(ctx, func(txn store.Txn) error {
		if _, _, err := e.attempt(txn, req, now); err != nil {
			return err
		}
		return errDryRun
	})
	if errors.Is(err, errDryRun) {
		return nil
	}
	return err
}

// attempt is the state machine. It may run more than once per call when the
// store re-executes a conflicting unit, so it keeps all state local.
func (e *Engine) attempt(txn store.Txn, req *authorization.SettleRequest, now int64) (*Receipt, *rentpool.Pool, error) {
	a := &req.Authorization
	state := Received
	abort := func(err error) (*Receipt, *rentpool.Pool, error) {
		if _, ok := errcode.Of(err); ok {
			return nil, nil, &AbortError{At: state, Err: err}
		}
		return nil, nil, err
	}

	// Received → IdentityValidated
	fromAcct, toAcct, err := e.resolveEndpoints(txn, req)
	if err != nil {
		return abort(err)
	}
	if a.Amount == 0 {
		return abort(fmt.Errorf("%w: amount must be positive", errcode.InvalidPaymentAuthorization))
	}
	state = IdentityValidated

	// IdentityValidated → TimeValidated
	if now > a.ValidUntil {
		return abort(fmt.Errorf("%w: valid until %d, now %d", errcode.PaymentExpired, a.ValidUntil, now))
	}
	state = TimeValidated

	// TimeValidated → SignatureValidated. Both checks are kept: a valid
	// signature by some other key is still rejected.
	if !authorization.VerifyAuthorization(a, req.Signature, req.Signer) {
		return abort(fmt.Errorf("%w: signature does not verify for %s", errcode.InvalidSignature, req.Signer))
	}
	if !req.Signer.Equals(a.From) {
		return abort(fmt.Errorf("%w: signer %s is not payer %s", errcode.UnauthorizedSigner, req.Signer, a.From))
	}
	state = SignatureValidated

	// SignatureValidated → Transferred
	if err := e.tokens.TransferWithAuthority(txn, e.delegate, fromAcct, toAcct, a.Amount); err != nil {
		return abort(err)
	}
	state = Transferred

	// Transferred → NonceRegistered
	if _, err := e.nonces.Reserve(txn, a.Nonce, a.ValidUntil, req.Facilitator); err != nil {
		return abort(err)
	}
	state = NonceRegistered

	recordAddr, err := e.nonces.Address(a.Nonce)
	if err != nil {
		return abort(err)
	}
	pool, err := e.pool.Pool(txn)
	if err != nil {
		return abort(err)
	}
	return &Receipt{
		Authorization: *a,
		FromAccount:   fromAcct,
		ToAccount:     toAcct,
		NonceRecord:   recordAddr,
		RentEscrowed:  e.nonces.StorageCost(),
		SettledAt:     now,
	}, pool, nil
}

// resolveEndpoints returns the transfer endpoints after checking they exist
// and are held by the authorization's from and to.
func (e *Engine) resolveEndpoints(txn store.Txn, req *authorization.SettleRequest) (solana.PublicKey, solana.PublicKey, error) {
	a := &req.Authorization
	fromAcct, err := e.endpoint(txn, req.FromAccount, a.From, "from")
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}
	toAcct, err := e.endpoint(txn, req.ToAccount, a.To, "to")
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}
	return fromAcct, toAcct, nil
}

func (e *Engine) endpoint(txn store.Txn, supplied, holder solana.PublicKey, side string) (solana.PublicKey, error) {
	addr := supplied
	if addr.IsZero() {
		var err error
		if addr, err = e.tokens.AccountAddress(token.XUSDC, holder); err != nil {
			return solana.PublicKey{}, err
		}
	}
	acct, err := e.tokens.Account(txn, addr)
	if errors.Is(err, token.ErrAccountNotFound) {
		return solana.PublicKey{}, fmt.Errorf("%w: %s account %s does not exist", errcode.InvalidPaymentAuthorization, side, addr)
	}
	if err != nil {
		return solana.PublicKey{}, err
	}
	if !acct.Owner.Equals(holder) {
		return solana.PublicKey{}, fmt.Errorf("%w: %s account %s is held by %s, not %s",
			errcode.InvalidPaymentAuthorization, side, addr, acct.Owner, holder)
	}
	return addr, nil
}

func (e *Engine) logAbort(a *authorization.PaymentAuthorization, err error) {
	fields := []zap.Field{
		zap.String("nonce", a.Nonce.String()),
		zap.String("from", a.From.String()),
		zap.String("code", errcode.Code(err)),
		zap.Error(err),
	}
	var ae *AbortError
	if errors.As(err, &ae) {
		e.log.Info("settlement aborted", append(fields, zap.String("state", ae.At.String()))...)
		return
	}
	e.log.Error("settlement failed", fields...)
}
