package settlement

import (
	"bytes"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	"github.com/0gfoundation/xusdc-facilitator/internal/authorization"
)

var receiptDomain = []byte("xusdc-settlement-receipt:v1")

// Receipt is the transfer authority's signed statement that an authorization
// was settled.
type Receipt struct {
	Authorization authorization.PaymentAuthorization `json:"authorization"`
	FromAccount   solana.PublicKey                   `json:"from_account"`
	ToAccount     solana.PublicKey                   `json:"to_account"`
	NonceRecord   solana.PublicKey                   `json:"nonce_record"`
	RentEscrowed  uint64                             `json:"rent_escrowed"`
	SettledAt     int64                              `json:"settled_at"`
	Authority     solana.PublicKey                   `json:"authority"`
	Signature     solana.Signature                   `json:"signature"`
}

// Message is the byte string the authority signs: a domain tag, the canonical
// authorization, then the settlement facts in fixed-width little endian.
func (r *Receipt) Message() []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	// bytes.Buffer writes never fail.
	_ = enc.WriteBytes(receiptDomain, false)
	_ = r.Authorization.MarshalWithEncoder(enc)
	_ = enc.WriteBytes(r.FromAccount[:], false)
	_ = enc.WriteBytes(r.ToAccount[:], false)
	_ = enc.WriteBytes(r.NonceRecord[:], false)
	_ = enc.WriteUint64(r.RentEscrowed, bin.LE)
	_ = enc.WriteInt64(r.SettledAt, bin.LE)
	_ = enc.WriteBytes(r.Authority[:], false)
	return buf.Bytes()
}

// Verify checks the receipt's signature against its Authority.
func (r *Receipt) Verify() bool {
	return authorization.Verify(r.Message(), r.Signature[:], r.Authority[:])
}
