// Package pda derives deterministic record addresses and storage keys.
//
// Every persisted record lives at an address derived from a namespace seed and
// the record's identifier under the facilitator's program id, the same way the
// ledger derives program-owned accounts. The storage key is the namespace plus
// the base58 address, so one identifier always maps to exactly one record.
package pda

import (
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// Record namespaces.
const (
	NamespaceNonce             = "nonce"
	NamespaceNonceHold         = "nonce-hold"
	NamespaceRentContributor   = "rent-contributor"
	NamespaceRentPool          = "global_rent_pool"
	NamespaceTokenAccount      = "token-account"
	NamespaceTransferAuthority = "transfer-authority"
)

// DefaultProgramID is used when no program id is configured.
var DefaultProgramID = solana.MustPublicKeyFromBase58("XusdcFaci1itator111111111111111111111111111")

// Deriver derives addresses under one program id.
type Deriver struct {
	program solana.PublicKey
}

func New(program solana.PublicKey) *Deriver {
	return &Deriver{program: program}
}

func (d *Deriver) ProgramID() solana.PublicKey { return d.program }

// Find returns the off-curve address for seeds. The first seed is always the
// namespace.
func (d *Deriver) Find(namespace string, ids ...[]byte) (solana.PublicKey, error) {
	seeds := make([][]byte, 0, len(ids)+1)
	seeds = append(seeds, []byte(namespace))
	seeds = append(seeds, ids...)
	addr, _, err := solana.FindProgramAddress(seeds, d.program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive %s address: %w", namespace, err)
	}
	return addr, nil
}

// Key is the storage key of the record at addr.
func Key(namespace string, addr solana.PublicKey) string {
	return namespace + ":" + addr.String()
}

// Prefix is the Scan prefix covering every record of namespace.
func Prefix(namespace string) string {
	return namespace + ":"
}

// Nonce derives the nonce record address.
func (d *Deriver) Nonce(nonce [32]byte) (solana.PublicKey, error) {
	return d.Find(NamespaceNonce, nonce[:])
}

// NonceHold derives the administrative hold marker for a nonce.
func (d *Deriver) NonceHold(nonce [32]byte) (solana.PublicKey, error) {
	return d.Find(NamespaceNonceHold, nonce[:])
}

// RentContribution derives a contributor's contribution record address.
func (d *Deriver) RentContribution(contributor solana.PublicKey) (solana.PublicKey, error) {
	return d.Find(NamespaceRentContributor, contributor[:])
}

// RentPool derives the single global rent pool address.
func (d *Deriver) RentPool() (solana.PublicKey, error) {
	return d.Find(NamespaceRentPool)
}

// TokenAccount derives the canonical token account of owner for asset.
func (d *Deriver) TokenAccount(asset string, owner solana.PublicKey) (solana.PublicKey, error) {
	return d.Find(NamespaceTokenAccount, []byte(asset), owner[:])
}

// TransferAuthority derives the address whose key material is the delegated
// transfer authority's identity record.
func (d *Deriver) TransferAuthority() (solana.PublicKey, error) {
	return d.Find(NamespaceTransferAuthority)
}
