package auth

import (
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// ErrBadSignature is returned when a wallet signature does not verify.
var ErrBadSignature = errors.New("invalid signature")

// VerifyWallet checks a base58 ed25519 signature over msg by the base58
// wallet address and returns the parsed identity.
func VerifyWallet(walletAddr string, msg []byte, sigB58 string) (solana.PublicKey, error) {
	wallet, err := solana.PublicKeyFromBase58(walletAddr)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("wallet address: %w", err)
	}
	sig, err := solana.SignatureFromBase58(sigB58)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("signature encoding: %w", err)
	}
	if !sig.Verify(wallet, msg) {
		return solana.PublicKey{}, ErrBadSignature
	}
	return wallet, nil
}
