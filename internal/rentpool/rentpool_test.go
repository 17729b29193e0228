package rentpool

import (
	"context"
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"

	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/pda"
	"github.com/0gfoundation/xusdc-facilitator/internal/store"
	"github.com/0gfoundation/xusdc-facilitator/internal/store/memory"
	"github.com/0gfoundation/xusdc-facilitator/internal/token"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	t      *testing.T
	s      store.Store
	tokens *token.Ledger
	pool   *Ledger
}

func newFixture(t *testing.T) *fixture {
	d := pda.New(pda.DefaultProgramID)
	tokens := token.NewLedger(d, solana.NewWallet().PublicKey())
	return &fixture{t: t, s: memory.New(), tokens: tokens, pool: New(d, tokens)}
}

func (f *fixture) update(fn func(store.Txn) error) error {
	return f.s.Update(context.Background(), fn)
}

func (f *fixture) fund(owner solana.PublicKey, amount uint64) {
	f.t.Helper()
	if err := f.update(func(txn store.Txn) error { return f.tokens.Mint(txn, token.Native, owner, amount) }); err != nil {
		f.t.Fatalf("fund: %v", err)
	}
}

func (f *fixture) native(owner solana.PublicKey) uint64 {
	f.t.Helper()
	var got uint64
	err := f.s.View(context.Background(), func(txn store.Txn) (err error) {
		got, err = f.tokens.Balance(txn, token.Native, owner)
		return err
	})
	if err != nil {
		f.t.Fatal(err)
	}
	return got
}

func (f *fixture) state(contributor solana.PublicKey) (Pool, *Contribution) {
	f.t.Helper()
	var (
		p *Pool
		c *Contribution
	)
	err := f.s.View(context.Background(), func(txn store.Txn) (err error) {
		if p, err = f.pool.Pool(txn); err != nil {
			return err
		}
		c, err = f.pool.Contribution(txn, contributor)
		if errors.Is(err, ErrNoContribution) {
			return nil
		}
		return err
	})
	if err != nil {
		f.t.Fatal(err)
	}
	return *p, c
}

// checkPoolBacked asserts the pool address holds exactly Free.
func (f *fixture) checkPoolBacked() {
	f.t.Helper()
	poolAddr, _ := f.pool.PoolAddress()
	p, _ := f.state(solana.PublicKey{})
	if got := f.native(poolAddr); got != p.Free {
		f.t.Errorf("pool address holds %d, pool.Free = %d", got, p.Free)
	}
}

// ── Contribute ───────────────────────────────────────────────────────────────

func TestContribute_CreatesAndAccumulates(t *testing.T) {
	f := newFixture(t)
	bob := solana.NewWallet().PublicKey()
	f.fund(bob, 100)

	for _, amt := range []uint64{30, 20} {
		if err := f.update(func(txn store.Txn) error {
			_, err := f.pool.Contribute(txn, bob, amt)
			return err
		}); err != nil {
			t.Fatalf("Contribute(%d): %v", amt, err)
		}
	}

	p, c := f.state(bob)
	if p.Free != 50 || p.Escrowed != 0 {
		t.Errorf("pool = %+v, want free 50", p)
	}
	if c == nil || c.Amount != 50 || !c.Contributor.Equals(bob) {
		t.Errorf("contribution = %+v", c)
	}
	if got := f.native(bob); got != 50 {
		t.Errorf("bob native = %d, want 50", got)
	}
	f.checkPoolBacked()
}

func TestContribute_ZeroAmount(t *testing.T) {
	f := newFixture(t)
	err := f.update(func(txn store.Txn) error {
		_, err := f.pool.Contribute(txn, solana.NewWallet().PublicKey(), 0)
		return err
	})
	if !errors.Is(err, errcode.InvalidAmount) {
		t.Errorf("expected InvalidAmount, got %v", err)
	}
}

func TestContribute_CannotPay(t *testing.T) {
	f := newFixture(t)
	bob := solana.NewWallet().PublicKey()
	f.fund(bob, 5)

	err := f.update(func(txn store.Txn) error {
		_, err := f.pool.Contribute(txn, bob, 6)
		return err
	})
	if !errors.Is(err, errcode.InsufficientFunds) {
		t.Errorf("expected InsufficientFunds, got %v", err)
	}
	if p, c := f.state(bob); p.Free != 0 || c != nil {
		t.Errorf("failed contribution left state: pool %+v contribution %+v", p, c)
	}
}

// ── Withdraw ─────────────────────────────────────────────────────────────────

func contribute(f *fixture, who solana.PublicKey, amount uint64) {
	f.t.Helper()
	f.fund(who, amount)
	if err := f.update(func(txn store.Txn) error {
		_, err := f.pool.Contribute(txn, who, amount)
		return err
	}); err != nil {
		f.t.Fatalf("Contribute: %v", err)
	}
}

func TestWithdraw_MoreThanContributed(t *testing.T) {
	f := newFixture(t)
	bob := solana.NewWallet().PublicKey()
	contribute(f, bob, 100)

	err := f.update(func(txn store.Txn) error {
		_, err := f.pool.Withdraw(txn, bob, 101)
		return err
	})
	if !errors.Is(err, errcode.InsufficientFunds) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
	if p, c := f.state(bob); p.Free != 100 || c.Amount != 100 {
		t.Errorf("failed withdrawal changed balances: pool %+v contribution %+v", p, c)
	}
}

func TestWithdraw_ExactBalance(t *testing.T) {
	f := newFixture(t)
	bob := solana.NewWallet().PublicKey()
	contribute(f, bob, 100)

	if err := f.update(func(txn store.Txn) error {
		_, err := f.pool.Withdraw(txn, bob, 100)
		return err
	}); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	p, c := f.state(bob)
	if c == nil || c.Amount != 0 {
		t.Errorf("contribution = %+v, want amount 0 and record kept", c)
	}
	if p.Free != 0 {
		t.Errorf("pool free = %d, want 0", p.Free)
	}
	if got := f.native(bob); got != 100 {
		t.Errorf("bob native = %d, want 100", got)
	}
	f.checkPoolBacked()
}

func TestWithdraw_NoContribution(t *testing.T) {
	f := newFixture(t)
	err := f.update(func(txn store.Txn) error {
		_, err := f.pool.Withdraw(txn, solana.NewWallet().PublicKey(), 1)
		return err
	})
	if !errors.Is(err, errcode.InsufficientFunds) {
		t.Errorf("expected InsufficientFunds, got %v", err)
	}
}

// TestWithdraw_BlockedByEscrow covers the case where the contributor's own
// record allows the withdrawal but the pool's free balance does not.
func TestWithdraw_BlockedByEscrow(t *testing.T) {
	f := newFixture(t)
	bob := solana.NewWallet().PublicKey()
	contribute(f, bob, 100)
	recordAddr := solana.NewWallet().PublicKey()

	if err := f.update(func(txn store.Txn) error {
		return f.pool.Escrow(txn, recordAddr, 60, solana.PublicKey{})
	}); err != nil {
		t.Fatalf("Escrow: %v", err)
	}
	err := f.update(func(txn store.Txn) error {
		_, err := f.pool.Withdraw(txn, bob, 50)
		return err
	})
	if !errors.Is(err, errcode.InsufficientFunds) {
		t.Errorf("expected InsufficientFunds, got %v", err)
	}
	if err := f.update(func(txn store.Txn) error {
		_, err := f.pool.Withdraw(txn, bob, 40)
		return err
	}); err != nil {
		t.Errorf("Withdraw within free balance: %v", err)
	}
}

// ── Escrow / CreditReclaim ───────────────────────────────────────────────────

func TestEscrow_InsufficientRent(t *testing.T) {
	f := newFixture(t)
	contribute(f, solana.NewWallet().PublicKey(), 10)
	err := f.update(func(txn store.Txn) error {
		return f.pool.Escrow(txn, solana.NewWallet().PublicKey(), 11, solana.PublicKey{})
	})
	if !errors.Is(err, errcode.InsufficientRent) {
		t.Errorf("expected InsufficientRent, got %v", err)
	}
	if p, _ := f.state(solana.PublicKey{}); p.Free != 10 || p.Escrowed != 0 {
		t.Errorf("failed escrow changed pool: %+v", p)
	}
}

func TestEscrowReclaim_RoundTrip(t *testing.T) {
	f := newFixture(t)
	bob := solana.NewWallet().PublicKey()
	contribute(f, bob, 100)
	recordAddr := solana.NewWallet().PublicKey()

	if err := f.update(func(txn store.Txn) error {
		return f.pool.Escrow(txn, recordAddr, 30, bob)
	}); err != nil {
		t.Fatalf("Escrow: %v", err)
	}
	p, c := f.state(bob)
	if p.Free != 70 || p.Escrowed != 30 {
		t.Errorf("after escrow pool = %+v", p)
	}
	if c.NoncesFunded != 1 {
		t.Errorf("nonces_funded = %d, want 1", c.NoncesFunded)
	}
	if got := f.native(recordAddr); got != 30 {
		t.Errorf("record holds %d, want 30", got)
	}
	f.checkPoolBacked()

	if err := f.update(func(txn store.Txn) error {
		return f.pool.CreditReclaim(txn, recordAddr, 30, 0)
	}); err != nil {
		t.Fatalf("CreditReclaim: %v", err)
	}
	p, _ = f.state(bob)
	if p.Free != 100 || p.Escrowed != 0 {
		t.Errorf("after reclaim pool = %+v, want free 100", p)
	}
	if got := f.native(recordAddr); got != 0 {
		t.Errorf("record still holds %d", got)
	}
	f.checkPoolBacked()
}

// Funds sent to a record address outside of Escrow return to the pool as free
// balance; escrowed drops by the escrow alone.
func TestCreditReclaim_SurplusIsFreeOnly(t *testing.T) {
	f := newFixture(t)
	bob := solana.NewWallet().PublicKey()
	contribute(f, bob, 100)
	first := solana.NewWallet().PublicKey()
	second := solana.NewWallet().PublicKey()
	if err := f.update(func(txn store.Txn) error {
		if err := f.pool.Escrow(txn, first, 30, bob); err != nil {
			return err
		}
		return f.pool.Escrow(txn, second, 30, bob)
	}); err != nil {
		t.Fatalf("Escrow: %v", err)
	}
	f.fund(first, 5)

	if err := f.update(func(txn store.Txn) error {
		return f.pool.CreditReclaim(txn, first, 30, 5)
	}); err != nil {
		t.Fatalf("CreditReclaim: %v", err)
	}
	p, _ := f.state(bob)
	if p.Free != 75 || p.Escrowed != 30 {
		t.Errorf("after reclaim pool = %+v, want free 75 escrowed 30", p)
	}
	f.checkPoolBacked()

	if err := f.update(func(txn store.Txn) error {
		return f.pool.CreditReclaim(txn, second, 30, 0)
	}); err != nil {
		t.Fatalf("second CreditReclaim: %v", err)
	}
	if p, _ := f.state(bob); p.Free != 105 || p.Escrowed != 0 {
		t.Errorf("after both reclaims pool = %+v", p)
	}
	f.checkPoolBacked()
}

func TestEscrow_UnknownSponsorIsNotCredited(t *testing.T) {
	f := newFixture(t)
	contribute(f, solana.NewWallet().PublicKey(), 10)
	stranger := solana.NewWallet().PublicKey()
	if err := f.update(func(txn store.Txn) error {
		return f.pool.Escrow(txn, solana.NewWallet().PublicKey(), 1, stranger)
	}); err != nil {
		t.Fatalf("Escrow: %v", err)
	}
	if _, c := f.state(stranger); c != nil {
		t.Errorf("escrow created a contribution record for %s", stranger)
	}
}

func TestCreditReclaim_MoreThanEscrowed(t *testing.T) {
	f := newFixture(t)
	err := f.update(func(txn store.Txn) error {
		return f.pool.CreditReclaim(txn, solana.NewWallet().PublicKey(), 1, 0)
	})
	if err == nil {
		t.Error("expected error reclaiming from an empty escrow")
	}
}
