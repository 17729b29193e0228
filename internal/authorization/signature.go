package authorization

import (
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// Verify reports whether signature is a valid ed25519 signature of message by
// publicKey. Wrong-length inputs and malformed keys yield false.
func Verify(message, signature, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != IdentitySize {
		return false
	}
	var sig solana.Signature
	copy(sig[:], signature)
	return sig.Verify(solana.PublicKeyFromBytes(publicKey), message)
}

// VerifyAuthorization checks sig against the canonical encoding of a.
func VerifyAuthorization(a *PaymentAuthorization, sig solana.Signature, signer solana.PublicKey) bool {
	return Verify(Encode(a), sig[:], signer[:])
}

// Sign produces the payer's detached signature over the canonical encoding.
func Sign(a *PaymentAuthorization, key solana.PrivateKey) (solana.Signature, error) {
	sig, err := key.Sign(Encode(a))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign authorization: %w", err)
	}
	return sig, nil
}

// NewSettleRequest signs a and wraps it in a request whose signer is the key's
// public key. Endpoint accounts are left for the engine to resolve.
func NewSettleRequest(a PaymentAuthorization, key solana.PrivateKey) (*SettleRequest, error) {
	sig, err := Sign(&a, key)
	if err != nil {
		return nil, err
	}
	return &SettleRequest{
		Authorization: a,
		Signature:     sig,
		Signer:        key.PublicKey(),
	}, nil
}
