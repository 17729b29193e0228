// Package token is the minimal token ledger the facilitator settles against.
//
// Balances live in token accounts derived from (asset, owner). Three assets
// exist: native (the rent currency), usdc and xusdc. xUSDC is minted 1:1
// against usdc deposited into the vault owned by the transfer authority
// address, and moved between holders only through TransferWithAuthority.
//
// Every operation runs inside the caller's store transaction.
package token

import (
	"errors"
	"fmt"
	"math"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	"github.com/0gfoundation/xusdc-facilitator/internal/authority"
	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/pda"
	"github.com/0gfoundation/xusdc-facilitator/internal/record"
	"github.com/0gfoundation/xusdc-facilitator/internal/store"
)

// Asset names a token.
type Asset string

const (
	Native Asset = "native"
	USDC   Asset = "usdc"
	XUSDC  Asset = "xusdc"
)

// ParseAsset validates an asset name.
func ParseAsset(s string) (Asset, error) {
	switch a := Asset(s); a {
	case Native, USDC, XUSDC:
		return a, nil
	default:
		return "", fmt.Errorf("unknown asset %q", s)
	}
}

// ErrAccountNotFound is returned for addresses with no token account.
var ErrAccountNotFound = errors.New("token: account not found")

var accountKind = record.NewKind("TokenAccount")

// Account is a token account.
type Account struct {
	Asset  Asset
	Owner  solana.PublicKey
	Amount uint64
}

func (a Account) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteString(string(a.Asset)); err != nil {
		return err
	}
	if err := enc.WriteBytes(a.Owner[:], false); err != nil {
		return err
	}
	return enc.WriteUint64(a.Amount, bin.LE)
}

func (a *Account) UnmarshalWithDecoder(dec *bin.Decoder) error {
	asset, err := dec.ReadString()
	if err != nil {
		return err
	}
	owner, err := dec.ReadNBytes(32)
	if err != nil {
		return err
	}
	amount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return err
	}
	a.Asset = Asset(asset)
	a.Owner = solana.PublicKeyFromBytes(owner)
	a.Amount = amount
	return nil
}

// Ledger reads and writes token accounts.
type Ledger struct {
	pda      *pda.Deriver
	delegate solana.PublicKey
}

// NewLedger returns a ledger whose delegated transfers are reserved for the
// delegate identity.
func NewLedger(d *pda.Deriver, delegate solana.PublicKey) *Ledger {
	return &Ledger{pda: d, delegate: delegate}
}

// Delegate is the configured transfer authority identity.
func (l *Ledger) Delegate() solana.PublicKey { return l.delegate }

// AccountAddress is the canonical token account of owner for asset.
func (l *Ledger) AccountAddress(asset Asset, owner solana.PublicKey) (solana.PublicKey, error) {
	return l.pda.TokenAccount(string(asset), owner)
}

// VaultOwner is the address owning the usdc backing xUSDC.
func (l *Ledger) VaultOwner() (solana.PublicKey, error) {
	return l.pda.TransferAuthority()
}

// Account loads the token account at addr.
func (l *Ledger) Account(txn store.Txn, addr solana.PublicKey) (*Account, error) {
	raw, err := txn.Get(pda.Key(pda.NamespaceTokenAccount, addr))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("load token account %s: %w", addr, err)
	}
	var acct Account
	if err := accountKind.Unmarshal(raw, &acct); err != nil {
		return nil, fmt.Errorf("token account %s: %w", addr, err)
	}
	return &acct, nil
}

func (l *Ledger) put(txn store.Txn, addr solana.PublicKey, acct *Account) error {
	raw, err := accountKind.Marshal(acct)
	if err != nil {
		return err
	}
	if err := txn.Set(pda.Key(pda.NamespaceTokenAccount, addr), raw); err != nil {
		return fmt.Errorf("store token account %s: %w", addr, err)
	}
	return nil
}

// Open creates owner's canonical account for asset if absent and returns its
// address.
func (l *Ledger) Open(txn store.Txn, asset Asset, owner solana.PublicKey) (solana.PublicKey, error) {
	addr, err := l.AccountAddress(asset, owner)
	if err != nil {
		return solana.PublicKey{}, err
	}
	_, err = l.Account(txn, addr)
	if err == nil {
		return addr, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return solana.PublicKey{}, err
	}
	return addr, l.put(txn, addr, &Account{Asset: asset, Owner: owner})
}

// Balance of owner's canonical account; zero when it does not exist.
func (l *Ledger) Balance(txn store.Txn, asset Asset, owner solana.PublicKey) (uint64, error) {
	addr, err := l.AccountAddress(asset, owner)
	if err != nil {
		return 0, err
	}
	acct, err := l.Account(txn, addr)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Amount, nil
}

// Mint credits owner's canonical account, opening it if needed.
func (l *Ledger) Mint(txn store.Txn, asset Asset, owner solana.PublicKey, amount uint64) error {
	addr, err := l.Open(txn, asset, owner)
	if err != nil {
		return err
	}
	acct, err := l.Account(txn, addr)
	if err != nil {
		return err
	}
	if acct.Amount > math.MaxUint64-amount {
		return fmt.Errorf("mint %d %s to %s: balance overflow", amount, asset, owner)
	}
	acct.Amount += amount
	return l.put(txn, addr, acct)
}

// Burn debits owner's canonical account.
func (l *Ledger) Burn(txn store.Txn, asset Asset, owner solana.PublicKey, amount uint64) error {
	addr, err := l.AccountAddress(asset, owner)
	if err != nil {
		return err
	}
	acct, err := l.Account(txn, addr)
	if errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("%w: %s has no %s account", errcode.InsufficientFunds, owner, asset)
	}
	if err != nil {
		return err
	}
	if acct.Amount < amount {
		return fmt.Errorf("%w: %s holds %d %s, needs %d", errcode.InsufficientFunds, owner, acct.Amount, asset, amount)
	}
	acct.Amount -= amount
	return l.put(txn, addr, acct)
}

// Close deletes owner's canonical account for asset. Only empty accounts can
// be closed; closing an absent account is a no-op.
func (l *Ledger) Close(txn store.Txn, asset Asset, owner solana.PublicKey) error {
	addr, err := l.AccountAddress(asset, owner)
	if err != nil {
		return err
	}
	acct, err := l.Account(txn, addr)
	if errors.Is(err, ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if acct.Amount != 0 {
		return fmt.Errorf("close %s account of %s: balance %d is not zero", asset, owner, acct.Amount)
	}
	if err := txn.Delete(pda.Key(pda.NamespaceTokenAccount, addr)); err != nil {
		return fmt.Errorf("delete token account %s: %w", addr, err)
	}
	return nil
}

// Transfer moves amount between the canonical accounts of two owners. The
// caller is responsible for having authenticated from.
func (l *Ledger) Transfer(txn store.Txn, asset Asset, from, to solana.PublicKey, amount uint64) error {
	if err := l.Burn(txn, asset, from, amount); err != nil {
		return err
	}
	return l.Mint(txn, asset, to, amount)
}

// TransferWithAuthority moves xUSDC between two existing accounts on behalf of
// their holders. Only the configured delegate may call it; every failure wraps
// errcode.TransferFailed.
func (l *Ledger) TransferWithAuthority(txn store.Txn, d *authority.Delegate, fromAcct, toAcct solana.PublicKey, amount uint64) error {
	if d == nil || !d.Identity().Equals(l.delegate) {
		return fmt.Errorf("%w: caller is not the transfer authority", errcode.TransferFailed)
	}
	src, err := l.Account(txn, fromAcct)
	if err != nil {
		return fmt.Errorf("%w: source: %v", errcode.TransferFailed, err)
	}
	dst, err := l.Account(txn, toAcct)
	if err != nil {
		return fmt.Errorf("%w: destination: %v", errcode.TransferFailed, err)
	}
	if src.Asset != XUSDC || dst.Asset != XUSDC {
		return fmt.Errorf("%w: delegated transfers move %s only", errcode.TransferFailed, XUSDC)
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: %v: source holds %d, needs %d", errcode.TransferFailed, errcode.InsufficientFunds, src.Amount, amount)
	}
	if fromAcct.Equals(toAcct) {
		return nil
	}
	if dst.Amount > math.MaxUint64-amount {
		return fmt.Errorf("%w: destination balance overflow", errcode.TransferFailed)
	}
	src.Amount -= amount
	dst.Amount += amount
	if err := l.put(txn, fromAcct, src); err != nil {
		return err
	}
	return l.put(txn, toAcct, dst)
}

// Deposit exchanges usdc for xUSDC 1:1; the usdc moves into the vault.
func (l *Ledger) Deposit(txn store.Txn, owner solana.PublicKey, amount uint64) error {
	vault, err := l.VaultOwner()
	if err != nil {
		return err
	}
	if err := l.Transfer(txn, USDC, owner, vault, amount); err != nil {
		return err
	}
	return l.Mint(txn, XUSDC, owner, amount)
}

// Redeem exchanges xUSDC back to usdc 1:1 out of the vault.
func (l *Ledger) Redeem(txn store.Txn, owner solana.PublicKey, amount uint64) error {
	vault, err := l.VaultOwner()
	if err != nil {
		return err
	}
	if err := l.Burn(txn, XUSDC, owner, amount); err != nil {
		return err
	}
	return l.Transfer(txn, USDC, vault, owner, amount)
}
