package pda

import (
	"strings"
	"testing"

	solana "github.com/gagliardetto/solana-go"
)

func TestDefaultProgramID_Is32Bytes(t *testing.T) {
	if DefaultProgramID.IsZero() {
		t.Fatal("default program id must not be zero")
	}
}

// ── Determinism ──────────────────────────────────────────────────────────────

func TestFind_Deterministic(t *testing.T) {
	d := New(DefaultProgramID)
	var nonce [32]byte
	nonce[0] = 7

	a, err := d.Nonce(nonce)
	if err != nil {
		t.Fatalf("Nonce: %v", err)
	}
	b, err := d.Nonce(nonce)
	if err != nil {
		t.Fatalf("Nonce: %v", err)
	}
	if !a.Equals(b) {
		t.Errorf("same seeds gave %s and %s", a, b)
	}
}

func TestFind_AddressesAreOffCurve(t *testing.T) {
	d := New(DefaultProgramID)
	addr, err := d.RentPool()
	if err != nil {
		t.Fatalf("RentPool: %v", err)
	}
	if addr.IsOnCurve() {
		t.Errorf("derived address %s is on the ed25519 curve", addr)
	}
}

// ── Separation ───────────────────────────────────────────────────────────────

func TestFind_NamespacesDoNotCollide(t *testing.T) {
	d := New(DefaultProgramID)
	var id [32]byte
	id[31] = 1
	owner := solana.PublicKeyFromBytes(id[:])

	nonce, _ := d.Nonce(id)
	hold, _ := d.NonceHold(id)
	contrib, _ := d.RentContribution(owner)
	native, _ := d.TokenAccount("native", owner)
	xusdc, _ := d.TokenAccount("xusdc", owner)

	seen := map[solana.PublicKey]string{}
	for name, addr := range map[string]solana.PublicKey{
		"nonce": nonce, "hold": hold, "contrib": contrib, "native": native, "xusdc": xusdc,
	} {
		if other, dup := seen[addr]; dup {
			t.Errorf("%s and %s derived the same address %s", name, other, addr)
		}
		seen[addr] = name
	}
}

func TestFind_ProgramIDScopesAddresses(t *testing.T) {
	other := solana.MustPublicKeyFromBase58("11111111111111111111111111111111")
	a, _ := New(DefaultProgramID).RentPool()
	b, _ := New(other).RentPool()
	if a.Equals(b) {
		t.Error("different programs must derive different pool addresses")
	}
}

// ── Keys ─────────────────────────────────────────────────────────────────────

func TestKey_Format(t *testing.T) {
	d := New(DefaultProgramID)
	addr, _ := d.RentPool()
	k := Key(NamespaceRentPool, addr)
	if !strings.HasPrefix(k, Prefix(NamespaceRentPool)) {
		t.Errorf("key %q lacks prefix %q", k, Prefix(NamespaceRentPool))
	}
	if k != "global_rent_pool:"+addr.String() {
		t.Errorf("unexpected key %q", k)
	}
}

func TestPrefix_NonceDoesNotMatchHold(t *testing.T) {
	d := New(DefaultProgramID)
	var id [32]byte
	hold, _ := d.NonceHold(id)
	if strings.HasPrefix(Key(NamespaceNonceHold, hold), Prefix(NamespaceNonce)) {
		t.Error("nonce prefix must not match hold keys")
	}
}
