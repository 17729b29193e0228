// Package record frames persisted records: an 8-byte type discriminator
// followed by the record's Borsh body.
package record

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// DiscriminatorSize is the width of the type prefix on every record.
const DiscriminatorSize = 8

// ErrWrongKind is returned when stored bytes carry another record type's
// discriminator.
var ErrWrongKind = errors.New("record: discriminator mismatch")

// Kind identifies a record type.
type Kind struct {
	name string
	id   [DiscriminatorSize]byte
}

// NewKind derives the discriminator for name in the account namespace.
func NewKind(name string) Kind {
	k := Kind{name: name}
	copy(k.id[:], bin.Sighash("account", name))
	return k
}

func (k Kind) String() string { return k.name }

// Marshal frames body with k's discriminator.
func (k Kind) Marshal(body bin.BinaryMarshaler) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(k.id[:], false); err != nil {
		return nil, err
	}
	if err := body.MarshalWithEncoder(enc); err != nil {
		return nil, fmt.Errorf("encode %s: %w", k.name, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal checks the discriminator and decodes the body into out. Trailing
// bytes are rejected.
func (k Kind) Unmarshal(data []byte, out bin.BinaryUnmarshaler) error {
	if len(data) < DiscriminatorSize || !bytes.Equal(data[:DiscriminatorSize], k.id[:]) {
		return fmt.Errorf("%w: want %s", ErrWrongKind, k.name)
	}
	dec := bin.NewBorshDecoder(data[DiscriminatorSize:])
	if err := out.UnmarshalWithDecoder(dec); err != nil {
		return fmt.Errorf("decode %s: %w", k.name, err)
	}
	if dec.Remaining() != 0 {
		return fmt.Errorf("decode %s: %d trailing bytes", k.name, dec.Remaining())
	}
	return nil
}
