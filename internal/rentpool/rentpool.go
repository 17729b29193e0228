// Package rentpool is the shared fund that pays for nonce record storage.
//
// The pool tracks two numbers: Free, the native balance held at the pool
// address and available for new records or withdrawals, and Escrowed, the sum
// of storage cost currently parked at live nonce record addresses. Contributors
// each have a record of what they put in; a withdrawal must fit both the
// contributor's record and the pool's free balance.
package rentpool

import (
	"errors"
	"fmt"
	"math"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/pda"
	"github.com/0gfoundation/xusdc-facilitator/internal/record"
	"github.com/0gfoundation/xusdc-facilitator/internal/store"
	"github.com/0gfoundation/xusdc-facilitator/internal/token"
)

var (
	poolKind         = record.NewKind("GlobalRentPool")
	contributionKind = record.NewKind("RentContributor")
)

// ErrNoContribution is returned by Contribution for unknown contributors.
var ErrNoContribution = errors.New("rentpool: no contribution record")

// Pool is the global rent pool record.
type Pool struct {
	Free     uint64 `json:"free"`
	Escrowed uint64 `json:"escrowed"`
}

func (p Pool) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint64(p.Free, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint64(p.Escrowed, bin.LE)
}

func (p *Pool) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if p.Free, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	p.Escrowed, err = dec.ReadUint64(bin.LE)
	return err
}

// Contribution is one contributor's running total.
type Contribution struct {
	Amount       uint64           `json:"amount"`
	Contributor  solana.PublicKey `json:"contributor"`
	NoncesFunded uint64           `json:"nonces_funded"`
}

func (c Contribution) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint64(c.Amount, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteBytes(c.Contributor[:], false); err != nil {
		return err
	}
	return enc.WriteUint64(c.NoncesFunded, bin.LE)
}

func (c *Contribution) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if c.Amount, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	contributor, err := dec.ReadNBytes(32)
	if err != nil {
		return err
	}
	c.Contributor = solana.PublicKeyFromBytes(contributor)
	c.NoncesFunded, err = dec.ReadUint64(bin.LE)
	return err
}

// Ledger is the only writer of the pool and contribution records.
type Ledger struct {
	pda    *pda.Deriver
	tokens *token.Ledger
}

func New(d *pda.Deriver, tokens *token.Ledger) *Ledger {
	return &Ledger{pda: d, tokens: tokens}
}

// PoolAddress is where the pool's free native balance is held.
func (l *Ledger) PoolAddress() (solana.PublicKey, error) {
	return l.pda.RentPool()
}

// Pool reads the pool record; a pool nobody has funded yet is all zeros.
func (l *Ledger) Pool(txn store.Txn) (*Pool, error) {
	addr, err := l.PoolAddress()
	if err != nil {
		return nil, err
	}
	raw, err := txn.Get(pda.Key(pda.NamespaceRentPool, addr))
	if errors.Is(err, store.ErrNotFound) {
		return &Pool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rent pool: %w", err)
	}
	var p Pool
	if err := poolKind.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (l *Ledger) putPool(txn store.Txn, p *Pool) error {
	addr, err := l.PoolAddress()
	if err != nil {
		return err
	}
	raw, err := poolKind.Marshal(p)
	if err != nil {
		return err
	}
	if err := txn.Set(pda.Key(pda.NamespaceRentPool, addr), raw); err != nil {
		return fmt.Errorf("store rent pool: %w", err)
	}
	return nil
}

func (l *Ledger) contributionKey(contributor solana.PublicKey) (string, error) {
	addr, err := l.pda.RentContribution(contributor)
	if err != nil {
		return "", err
	}
	return pda.Key(pda.NamespaceRentContributor, addr), nil
}

// Contribution reads contributor's record.
func (l *Ledger) Contribution(txn store.Txn, contributor solana.PublicKey) (*Contribution, error) {
	key, err := l.contributionKey(contributor)
	if err != nil {
		return nil, err
	}
	raw, err := txn.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoContribution, contributor)
	}
	if err != nil {
		return nil, fmt.Errorf("load contribution %s: %w", contributor, err)
	}
	var c Contribution
	if err := contributionKind.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (l *Ledger) putContribution(txn store.Txn, c *Contribution) error {
	key, err := l.contributionKey(c.Contributor)
	if err != nil {
		return err
	}
	raw, err := contributionKind.Marshal(c)
	if err != nil {
		return err
	}
	if err := txn.Set(key, raw); err != nil {
		return fmt.Errorf("store contribution %s: %w", c.Contributor, err)
	}
	return nil
}

// Contribute moves amount of native funds from contributor into the pool and
// records it. The contribution record is created on first use.
func (l *Ledger) Contribute(txn store.Txn, contributor solana.PublicKey, amount uint64) (*Contribution, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: contribution of 0", errcode.InvalidAmount)
	}
	p, err := l.Pool(txn)
	if err != nil {
		return nil, err
	}
	c, err := l.Contribution(txn, contributor)
	if errors.Is(err, ErrNoContribution) {
		c = &Contribution{Contributor: contributor}
	} else if err != nil {
		return nil, err
	}
	if p.Free > math.MaxUint64-amount || c.Amount > math.MaxUint64-amount {
		return nil, fmt.Errorf("contribute %d: rent pool overflow", amount)
	}

	poolAddr, err := l.PoolAddress()
	if err != nil {
		return nil, err
	}
	if err := l.tokens.Transfer(txn, token.Native, contributor, poolAddr, amount); err != nil {
		return nil, err
	}
	p.Free += amount
	c.Amount += amount
	if err := l.putPool(txn, p); err != nil {
		return nil, err
	}
	return c, l.putContribution(txn, c)
}

// Withdraw returns amount to contributor. It fails with InsufficientFunds
// unless amount fits both the contributor's recorded balance and the pool's
// free balance.
func (l *Ledger) Withdraw(txn store.Txn, contributor solana.PublicKey, amount uint64) (*Contribution, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: withdrawal of 0", errcode.InvalidAmount)
	}
	c, err := l.Contribution(txn, contributor)
	if errors.Is(err, ErrNoContribution) {
		return nil, fmt.Errorf("%w: %s has not contributed", errcode.InsufficientFunds, contributor)
	}
	if err != nil {
		return nil, err
	}
	if amount > c.Amount {
		return nil, fmt.Errorf("%w: contributed %d, requested %d", errcode.InsufficientFunds, c.Amount, amount)
	}
	p, err := l.Pool(txn)
	if err != nil {
		return nil, err
	}
	if amount > p.Free {
		return nil, fmt.Errorf("%w: pool has %d free (%d escrowed), requested %d",
			errcode.InsufficientFunds, p.Free, p.Escrowed, amount)
	}

	poolAddr, err := l.PoolAddress()
	if err != nil {
		return nil, err
	}
	if err := l.tokens.Transfer(txn, token.Native, poolAddr, contributor, amount); err != nil {
		return nil, err
	}
	p.Free -= amount
	c.Amount -= amount
	if err := l.putPool(txn, p); err != nil {
		return nil, err
	}
	return c, l.putContribution(txn, c)
}

// Escrow funds a new record's storage: amount moves from the pool's free
// balance to recordAddr. When sponsor has a contribution record its
// nonces_funded counter is incremented.
func (l *Ledger) Escrow(txn store.Txn, recordAddr solana.PublicKey, amount uint64, sponsor solana.PublicKey) error {
	p, err := l.Pool(txn)
	if err != nil {
		return err
	}
	if p.Free < amount {
		return fmt.Errorf("%w: pool has %d free, record needs %d", errcode.InsufficientRent, p.Free, amount)
	}
	poolAddr, err := l.PoolAddress()
	if err != nil {
		return err
	}
	if err := l.tokens.Transfer(txn, token.Native, poolAddr, recordAddr, amount); err != nil {
		return err
	}
	p.Free -= amount
	p.Escrowed += amount
	if err := l.putPool(txn, p); err != nil {
		return err
	}

	if sponsor.IsZero() {
		return nil
	}
	c, err := l.Contribution(txn, sponsor)
	if errors.Is(err, ErrNoContribution) {
		return nil
	}
	if err != nil {
		return err
	}
	c.NoncesFunded++
	return l.putContribution(txn, c)
}

// CreditReclaim empties recordAddr into the pool and closes its native
// account. amount leaves the escrowed balance; surplus, funds that reached the
// address outside of Escrow, is added to the free balance only.
func (l *Ledger) CreditReclaim(txn store.Txn, recordAddr solana.PublicKey, amount, surplus uint64) error {
	p, err := l.Pool(txn)
	if err != nil {
		return err
	}
	if p.Escrowed < amount {
		return fmt.Errorf("reclaim %d: pool only has %d escrowed", amount, p.Escrowed)
	}
	if surplus > math.MaxUint64-amount || p.Free > math.MaxUint64-amount-surplus {
		return fmt.Errorf("reclaim %d+%d: rent pool overflow", amount, surplus)
	}
	poolAddr, err := l.PoolAddress()
	if err != nil {
		return err
	}
	if err := l.tokens.Transfer(txn, token.Native, recordAddr, poolAddr, amount+surplus); err != nil {
		return err
	}
	if err := l.tokens.Close(txn, token.Native, recordAddr); err != nil {
		return err
	}
	p.Escrowed -= amount
	p.Free += amount + surplus
	return l.putPool(txn, p)
}
