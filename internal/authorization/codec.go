package authorization

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
)

// MarshalWithEncoder writes the canonical layout:
// from(32) || to(32) || amount(u64 LE) || nonce(32) || valid_until(i64 LE).
func (a PaymentAuthorization) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(a.From[:], false); err != nil {
		return err
	}
	if err := enc.WriteBytes(a.To[:], false); err != nil {
		return err
	}
	if err := enc.WriteUint64(a.Amount, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteBytes(a.Nonce[:], false); err != nil {
		return err
	}
	return enc.WriteInt64(a.ValidUntil, bin.LE)
}

// UnmarshalWithDecoder reads the canonical layout written by MarshalWithEncoder.
func (a *PaymentAuthorization) UnmarshalWithDecoder(dec *bin.Decoder) error {
	from, err := dec.ReadNBytes(IdentitySize)
	if err != nil {
		return fmt.Errorf("read from: %w", err)
	}
	to, err := dec.ReadNBytes(IdentitySize)
	if err != nil {
		return fmt.Errorf("read to: %w", err)
	}
	amount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return fmt.Errorf("read amount: %w", err)
	}
	nonce, err := dec.ReadNBytes(NonceSize)
	if err != nil {
		return fmt.Errorf("read nonce: %w", err)
	}
	validUntil, err := dec.ReadInt64(bin.LE)
	if err != nil {
		return fmt.Errorf("read valid_until: %w", err)
	}
	a.From = solana.PublicKeyFromBytes(from)
	a.To = solana.PublicKeyFromBytes(to)
	a.Amount = amount
	copy(a.Nonce[:], nonce)
	a.ValidUntil = validUntil
	return nil
}

// Encode returns the 112-byte canonical encoding. These bytes are what the
// payer signs.
func Encode(a *PaymentAuthorization) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, EncodedSize))
	// bytes.Buffer writes never fail.
	_ = a.MarshalWithEncoder(bin.NewBorshEncoder(buf))
	return buf.Bytes()
}

// Decode parses a canonical encoding. Anything other than exactly EncodedSize
// bytes is rejected with MalformedAuthorization; field values are not range
// checked here.
func Decode(b []byte) (*PaymentAuthorization, error) {
	if len(b) != EncodedSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", errcode.MalformedAuthorization, EncodedSize, len(b))
	}
	dec := bin.NewBorshDecoder(b)
	var a PaymentAuthorization
	if err := a.UnmarshalWithDecoder(dec); err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.MalformedAuthorization, err)
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", errcode.MalformedAuthorization, dec.Remaining())
	}
	return &a, nil
}
