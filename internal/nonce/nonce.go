// Package nonce is the anti-replay registry. A nonce record's existence means
// the nonce has been used; the record's storage cost is escrowed from the rent
// pool when it is created and handed back when it is garbage collected.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	"github.com/0gfoundation/xusdc-facilitator/internal/authorization"
	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/pda"
	"github.com/0gfoundation/xusdc-facilitator/internal/record"
	"github.com/0gfoundation/xusdc-facilitator/internal/rent"
	"github.com/0gfoundation/xusdc-facilitator/internal/rentpool"
	"github.com/0gfoundation/xusdc-facilitator/internal/store"
	"github.com/0gfoundation/xusdc-facilitator/internal/token"
)

var (
	recordKind = record.NewKind("NonceRecord")
	holdKind   = record.NewKind("NonceHold")
)

// RecordSize is the stored size of a nonce record: discriminator + expires_at.
const RecordSize = record.DiscriminatorSize + 8

// expiryPrefix indexes live records by expiry so the sweeper can find them
// without knowing the nonces.
const expiryPrefix = "nonce-expiry:"

// Record is a used nonce.
type Record struct {
	ExpiresAt int64 `json:"expires_at"`
}

func (r Record) MarshalWithEncoder(enc *bin.Encoder) error {
	return enc.WriteInt64(r.ExpiresAt, bin.LE)
}

func (r *Record) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	r.ExpiresAt, err = dec.ReadInt64(bin.LE)
	return err
}

// Hold marks a record the garbage collector must not touch.
type Hold struct {
	Reason string `json:"reason"`
}

func (h Hold) MarshalWithEncoder(enc *bin.Encoder) error {
	return enc.WriteString(h.Reason)
}

func (h *Hold) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	h.Reason, err = dec.ReadString()
	return err
}

// Reclaim is what collecting a record frees. Amount is the storage cost the
// pool escrowed at creation; Surplus is anything else that reached the record
// address since.
type Reclaim struct {
	Address solana.PublicKey
	Amount  uint64
	Surplus uint64
}

// Registry owns nonce records.
type Registry struct {
	pda    *pda.Deriver
	pool   *rentpool.Ledger
	tokens *token.Ledger
	rent   rent.Calculator
}

func NewRegistry(d *pda.Deriver, pool *rentpool.Ledger, tokens *token.Ledger, calc rent.Calculator) *Registry {
	return &Registry{pda: d, pool: pool, tokens: tokens, rent: calc}
}

// StorageCost is what the rent pool escrows for each new record.
func (r *Registry) StorageCost() uint64 {
	return r.rent.MinimumBalance(RecordSize)
}

// Address is the record address of n; it also holds the record's escrow.
func (r *Registry) Address(n authorization.Nonce) (solana.PublicKey, error) {
	return r.pda.Nonce(n)
}

func (r *Registry) keys(n authorization.Nonce) (solana.PublicKey, string, error) {
	addr, err := r.Address(n)
	if err != nil {
		return solana.PublicKey{}, "", err
	}
	return addr, pda.Key(pda.NamespaceNonce, addr), nil
}

// Lookup returns the record for n or NonceDoesNotExist.
func (r *Registry) Lookup(txn store.Txn, n authorization.Nonce) (*Record, error) {
	_, key, err := r.keys(n)
	if err != nil {
		return nil, err
	}
	raw, err := txn.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", errcode.NonceDoesNotExist, n)
	}
	if err != nil {
		return nil, fmt.Errorf("load nonce %s: %w", n, err)
	}
	var rec Record
	if err := recordKind.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Reserve records n as used until expiresAt. The record's storage cost is
// escrowed from the rent pool and attributed to sponsor.
func (r *Registry) Reserve(txn store.Txn, n authorization.Nonce, expiresAt int64, sponsor solana.PublicKey) (*Record, error) {
	addr, key, err := r.keys(n)
	if err != nil {
		return nil, err
	}
	used, err := store.Exists(txn, key)
	if err != nil {
		return nil, fmt.Errorf("check nonce %s: %w", n, err)
	}
	if used {
		return nil, fmt.Errorf("%w: %s", errcode.NonceAlreadyUsed, n)
	}
	if err := r.pool.Escrow(txn, addr, r.StorageCost(), sponsor); err != nil {
		return nil, err
	}

	rec := &Record{ExpiresAt: expiresAt}
	raw, err := recordKind.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := txn.Set(key, raw); err != nil {
		return nil, fmt.Errorf("store nonce %s: %w", n, err)
	}
	if err := txn.Set(expiryKey(expiresAt, n), []byte{1}); err != nil {
		return nil, fmt.Errorf("index nonce %s: %w", n, err)
	}
	return rec, nil
}

// GarbageCollect destroys the record for n once now >= expires_at and returns
// the native funds held at its address, split into the escrowed storage cost
// and any surplus. The caller credits both back to the pool.
func (r *Registry) GarbageCollect(txn store.Txn, n authorization.Nonce, now int64) (*Reclaim, error) {
	addr, key, err := r.keys(n)
	if err != nil {
		return nil, err
	}
	rec, err := r.Lookup(txn, n)
	if err != nil {
		return nil, err
	}
	held, err := r.IsHeld(txn, n)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, fmt.Errorf("%w: %s is under hold", errcode.NonceIsNotWritable, n)
	}
	if now < rec.ExpiresAt {
		return nil, fmt.Errorf("%w: %s expires at %d, now %d", errcode.NonceIsNotExpired, n, rec.ExpiresAt, now)
	}

	balance, err := r.tokens.Balance(txn, token.Native, addr)
	if err != nil {
		return nil, err
	}
	escrow := r.StorageCost()
	if balance < escrow {
		return nil, fmt.Errorf("nonce %s: record address holds %d, escrowed %d", n, balance, escrow)
	}
	if err := txn.Delete(key); err != nil {
		return nil, fmt.Errorf("delete nonce %s: %w", n, err)
	}
	if err := txn.Delete(expiryKey(rec.ExpiresAt, n)); err != nil {
		return nil, fmt.Errorf("unindex nonce %s: %w", n, err)
	}
	return &Reclaim{Address: addr, Amount: escrow, Surplus: balance - escrow}, nil
}

func (r *Registry) holdKey(n authorization.Nonce) (string, error) {
	addr, err := r.pda.NonceHold(n)
	if err != nil {
		return "", err
	}
	return pda.Key(pda.NamespaceNonceHold, addr), nil
}

// IsHeld reports whether n is under an administrative hold.
func (r *Registry) IsHeld(txn store.Txn, n authorization.Nonce) (bool, error) {
	key, err := r.holdKey(n)
	if err != nil {
		return false, err
	}
	return store.Exists(txn, key)
}

// PlaceHold blocks garbage collection of an existing record.
func (r *Registry) PlaceHold(txn store.Txn, n authorization.Nonce, reason string) error {
	if _, err := r.Lookup(txn, n); err != nil {
		return err
	}
	key, err := r.holdKey(n)
	if err != nil {
		return err
	}
	raw, err := holdKind.Marshal(Hold{Reason: reason})
	if err != nil {
		return err
	}
	if err := txn.Set(key, raw); err != nil {
		return fmt.Errorf("store hold %s: %w", n, err)
	}
	return nil
}

// ReleaseHold lifts a hold; releasing an unheld nonce is a no-op.
func (r *Registry) ReleaseHold(txn store.Txn, n authorization.Nonce) error {
	key, err := r.holdKey(n)
	if err != nil {
		return err
	}
	if err := txn.Delete(key); err != nil {
		return fmt.Errorf("delete hold %s: %w", n, err)
	}
	return nil
}

// ScanExpired lists up to limit nonces whose records are collectible at now
// and not under hold, oldest expiry first where the backend scans in order.
func (r *Registry) ScanExpired(ctx context.Context, s store.Store, now int64, limit int) ([]authorization.Nonce, error) {
	var expired []authorization.Nonce
	err := s.Scan(ctx, expiryPrefix, func(key string, _ []byte) error {
		expiresAt, n, err := parseExpiryKey(key)
		if err != nil {
			return err
		}
		if expiresAt <= now {
			expired = append(expired, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan expired nonces: %w", err)
	}

	out := make([]authorization.Nonce, 0, len(expired))
	err = s.View(ctx, func(txn store.Txn) error {
		for _, n := range expired {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			held, err := r.IsHeld(txn, n)
			if err != nil {
				return err
			}
			if !held {
				out = append(out, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filter held nonces: %w", err)
	}
	return out, nil
}

// expiryKey sorts by expiry: the signed timestamp is shifted into unsigned
// space and zero padded.
func expiryKey(expiresAt int64, n authorization.Nonce) string {
	return fmt.Sprintf("%s%020d:%s", expiryPrefix, uint64(expiresAt)^(1<<63), n)
}

func parseExpiryKey(key string) (int64, authorization.Nonce, error) {
	rest := strings.TrimPrefix(key, expiryPrefix)
	ts, hexNonce, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, authorization.Nonce{}, fmt.Errorf("malformed expiry key %q", key)
	}
	shifted, err := strconv.ParseUint(ts, 10, 64)
	if err != nil {
		return 0, authorization.Nonce{}, fmt.Errorf("malformed expiry key %q: %w", key, err)
	}
	n, err := authorization.ParseNonce(hexNonce)
	if err != nil {
		return 0, authorization.Nonce{}, fmt.Errorf("malformed expiry key %q: %w", key, err)
	}
	return int64(shifted ^ (1 << 63)), n, nil
}
