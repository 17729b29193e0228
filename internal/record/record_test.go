package record

import (
	"errors"
	"testing"

	bin "github.com/gagliardetto/binary"
)

type counter struct{ N uint64 }

func (c counter) MarshalWithEncoder(enc *bin.Encoder) error { return enc.WriteUint64(c.N, bin.LE) }

func (c *counter) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	c.N, err = dec.ReadUint64(bin.LE)
	return err
}

func TestKind_RoundTrip(t *testing.T) {
	k := NewKind("Counter")
	data, err := k.Marshal(counter{N: 42})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) != DiscriminatorSize+8 {
		t.Fatalf("len = %d, want %d", len(data), DiscriminatorSize+8)
	}
	var got counter
	if err := k.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.N != 42 {
		t.Errorf("N = %d, want 42", got.N)
	}
}

func TestKind_RejectsOtherKind(t *testing.T) {
	data, _ := NewKind("Counter").Marshal(counter{N: 1})
	var got counter
	err := NewKind("Other").Unmarshal(data, &got)
	if !errors.Is(err, ErrWrongKind) {
		t.Errorf("expected ErrWrongKind, got %v", err)
	}
}

func TestKind_RejectsTruncatedAndTrailing(t *testing.T) {
	k := NewKind("Counter")
	data, _ := k.Marshal(counter{N: 1})
	var got counter
	if err := k.Unmarshal(data[:5], &got); err == nil {
		t.Error("expected error for truncated discriminator")
	}
	if err := k.Unmarshal(data[:len(data)-1], &got); err == nil {
		t.Error("expected error for truncated body")
	}
	if err := k.Unmarshal(append(data, 0), &got); err == nil {
		t.Error("expected error for trailing byte")
	}
}

func TestNewKind_Distinct(t *testing.T) {
	if NewKind("A").id == NewKind("B").id {
		t.Error("distinct names must yield distinct discriminators")
	}
}
