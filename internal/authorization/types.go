package authorization

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	solana "github.com/gagliardetto/solana-go"
)

// Field widths of the canonical layout.
const (
	IdentitySize  = 32
	NonceSize     = 32
	SignatureSize = 64
	EncodedSize   = IdentitySize + IdentitySize + 8 + NonceSize + 8 // 112
)

// Nonce is the caller-chosen single-use value carried by an authorization.
type Nonce [NonceSize]byte

// ParseNonce decodes a 0x-prefixed hex nonce of exactly 32 bytes.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	b, err := hexutil.Decode(s)
	if err != nil {
		return n, fmt.Errorf("decode nonce: %w", err)
	}
	if len(b) != NonceSize {
		return n, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(b))
	}
	copy(n[:], b)
	return n, nil
}

func (n Nonce) String() string { return hexutil.Encode(n[:]) }

func (n Nonce) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Nonce) UnmarshalText(text []byte) error {
	parsed, err := ParseNonce(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// PaymentAuthorization is the statement a payer signs off-line. Its canonical
// encoding (see Encode) is exactly the message the signature covers.
type PaymentAuthorization struct {
	From       solana.PublicKey `json:"from"`
	To         solana.PublicKey `json:"to"`
	Amount     uint64           `json:"amount"`
	Nonce      Nonce            `json:"nonce"`
	ValidUntil int64            `json:"valid_until"`
}

// SettleRequest is what a facilitator submits for settlement. FromAccount and
// ToAccount are the token accounts the transfer moves between; when zero they
// resolve to the canonical accounts of From and To. Facilitator is optional and
// only used for rent attribution.
type SettleRequest struct {
	Authorization PaymentAuthorization
	Signature     solana.Signature
	Signer        solana.PublicKey
	FromAccount   solana.PublicKey
	ToAccount     solana.PublicKey
	Facilitator   solana.PublicKey
}
