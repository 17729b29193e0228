package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/authority"
	"github.com/0gfoundation/xusdc-facilitator/internal/authorization"
	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
	"github.com/0gfoundation/xusdc-facilitator/internal/nonce"
	"github.com/0gfoundation/xusdc-facilitator/internal/pda"
	"github.com/0gfoundation/xusdc-facilitator/internal/rent"
	"github.com/0gfoundation/xusdc-facilitator/internal/rentpool"
	"github.com/0gfoundation/xusdc-facilitator/internal/store"
	badgerstore "github.com/0gfoundation/xusdc-facilitator/internal/store/badger"
	"github.com/0gfoundation/xusdc-facilitator/internal/store/memory"
	"github.com/0gfoundation/xusdc-facilitator/internal/token"
)

const testNow = int64(1_700_000_000)

// ── helpers ──────────────────────────────────────────────────────────────────

type world struct {
	t        *testing.T
	s        store.Store
	tokens   *token.Ledger
	pool     *rentpool.Ledger
	nonces   *nonce.Registry
	engine   *Engine
	delegate *authority.Delegate
	clock    int64

	alice solana.PrivateKey
	bob   solana.PrivateKey
}

func newWorld(t *testing.T, s store.Store) *world {
	t.Helper()
	d := pda.New(pda.DefaultProgramID)
	delegate, err := authority.FromPrivateKey(solana.NewWallet().PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	tokens := token.NewLedger(d, delegate.Identity())
	pool := rentpool.New(d, tokens)
	nonces := nonce.NewRegistry(d, pool, tokens, rent.Default())
	w := &world{
		t: t, s: s, tokens: tokens, pool: pool, nonces: nonces, delegate: delegate, clock: testNow,
		alice: solana.NewWallet().PrivateKey,
		bob:   solana.NewWallet().PrivateKey,
	}
	w.engine = New(s, tokens, nonces, pool, delegate, zap.NewNop(),
		WithClock(func() time.Time { return time.Unix(w.clock, 0) }))
	t.Cleanup(func() { s.Close() })
	return w
}

func (w *world) update(fn func(store.Txn) error) {
	w.t.Helper()
	if err := w.s.Update(context.Background(), fn); err != nil {
		w.t.Fatalf("setup: %v", err)
	}
}

// setup gives alice xUSDC, opens bob's xUSDC account, and has bob fund the
// rent pool.
func (w *world) setup(aliceXUSDC, poolFunds uint64) {
	w.t.Helper()
	w.update(func(txn store.Txn) error {
		if err := w.tokens.Mint(txn, token.XUSDC, w.alice.PublicKey(), aliceXUSDC); err != nil {
			return err
		}
		if _, err := w.tokens.Open(txn, token.XUSDC, w.bob.PublicKey()); err != nil {
			return err
		}
		if poolFunds == 0 {
			return nil
		}
		if err := w.tokens.Mint(txn, token.Native, w.bob.PublicKey(), poolFunds); err != nil {
			return err
		}
		_, err := w.pool.Contribute(txn, w.bob.PublicKey(), poolFunds)
		return err
	})
}

func (w *world) auth(amount uint64, n byte, validUntil int64) authorization.PaymentAuthorization {
	var nonceBytes authorization.Nonce
	for i := range nonceBytes {
		nonceBytes[i] = n
	}
	return authorization.PaymentAuthorization{
		From:       w.alice.PublicKey(),
		To:         w.bob.PublicKey(),
		Amount:     amount,
		Nonce:      nonceBytes,
		ValidUntil: validUntil,
	}
}

func (w *world) signed(a authorization.PaymentAuthorization) *authorization.SettleRequest {
	w.t.Helper()
	req, err := authorization.NewSettleRequest(a, w.alice)
	if err != nil {
		w.t.Fatal(err)
	}
	return req
}

type snapshot struct {
	alice, bob uint64
	pool       rentpool.Pool
	records    int
}

func (w *world) snapshot() snapshot {
	w.t.Helper()
	var snap snapshot
	err := w.s.View(context.Background(), func(txn store.Txn) (err error) {
		if snap.alice, err = w.tokens.Balance(txn, token.XUSDC, w.alice.PublicKey()); err != nil {
			return err
		}
		if snap.bob, err = w.tokens.Balance(txn, token.XUSDC, w.bob.PublicKey()); err != nil {
			return err
		}
		p, err := w.pool.Pool(txn)
		if err != nil {
			return err
		}
		snap.pool = *p
		return nil
	})
	if err != nil {
		w.t.Fatal(err)
	}
	w.s.Scan(context.Background(), pda.Prefix(pda.NamespaceNonce), func(string, []byte) error { //nolint:errcheck
		snap.records++
		return nil
	})
	return snap
}

func expectAbort(t *testing.T, err error, want *errcode.Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %s, got %v", want.Code, err)
	}
	var ae *AbortError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AbortError, got %T", err)
	}
}

// ── Happy path ───────────────────────────────────────────────────────────────

func TestSettle_Commits(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(100, 5_000_000)
	before := w.snapshot()

	a := w.auth(40, 1, testNow+60)
	rc, err := w.engine.Settle(context.Background(), w.signed(a))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	after := w.snapshot()
	if after.alice != before.alice-40 || after.bob != before.bob+40 {
		t.Errorf("balances alice %d→%d bob %d→%d", before.alice, after.alice, before.bob, after.bob)
	}
	cost := w.nonces.StorageCost()
	if after.pool.Free != before.pool.Free-cost || after.pool.Escrowed != cost {
		t.Errorf("pool %+v → %+v, cost %d", before.pool, after.pool, cost)
	}
	if after.records != 1 {
		t.Errorf("records = %d, want 1", after.records)
	}
	w.s.View(context.Background(), func(txn store.Txn) error { //nolint:errcheck
		rec, err := w.nonces.Lookup(txn, a.Nonce)
		if err != nil {
			t.Errorf("Lookup: %v", err)
			return nil
		}
		if rec.ExpiresAt != a.ValidUntil {
			t.Errorf("expires_at = %d, want %d", rec.ExpiresAt, a.ValidUntil)
		}
		return nil
	})

	if !rc.Verify() {
		t.Error("receipt signature does not verify")
	}
	if !rc.Authority.Equals(w.delegate.Identity()) {
		t.Errorf("receipt authority = %s", rc.Authority)
	}
	if rc.SettledAt != testNow || rc.RentEscrowed != cost {
		t.Errorf("receipt = %+v", rc)
	}
}

func TestSettle_ValidAtExactExpiry(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(10, 5_000_000)
	if _, err := w.engine.Settle(context.Background(), w.signed(w.auth(1, 2, testNow))); err != nil {
		t.Fatalf("now == valid_until must settle: %v", err)
	}
}

func TestSettle_AttributesRentToFacilitator(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(10, 5_000_000)
	req := w.signed(w.auth(1, 3, testNow+1))
	req.Facilitator = w.bob.PublicKey()

	if _, err := w.engine.Settle(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	w.s.View(context.Background(), func(txn store.Txn) error { //nolint:errcheck
		c, err := w.pool.Contribution(txn, w.bob.PublicKey())
		if err != nil || c.NoncesFunded != 1 {
			t.Errorf("bob nonces_funded: %+v %v", c, err)
		}
		return nil
	})
}

// ── Guards ───────────────────────────────────────────────────────────────────

func TestSettle_Expired(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(10, 5_000_000)
	before := w.snapshot()
	_, err := w.engine.Settle(context.Background(), w.signed(w.auth(1, 4, testNow-1)))
	expectAbort(t, err, errcode.PaymentExpired)
	if after := w.snapshot(); after != before {
		t.Errorf("aborted attempt changed state: %+v → %+v", before, after)
	}
}

func TestSettle_TamperedByteIsInvalidSignature(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(1_000, 5_000_000)
	before := w.snapshot()

	a := w.auth(10, 5, testNow+100)
	req := w.signed(a)
	msg := authorization.Encode(&a)
	for i := range msg {
		tampered := append([]byte{}, msg...)
		tampered[i] ^= 0x01
		decoded, err := authorization.Decode(tampered)
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		r := *req
		r.Authorization = *decoded
		// Keep the original holders so the identity guard still passes;
		// tampering with from/to is then caught by the signature guard.
		r.FromAccount, _ = w.tokens.AccountAddress(token.XUSDC, a.From)
		r.ToAccount, _ = w.tokens.AccountAddress(token.XUSDC, a.To)
		_, err = w.engine.Settle(context.Background(), &r)
		if err == nil {
			t.Fatalf("byte %d: tampered authorization settled", i)
		}
		switch i / 32 {
		case 0, 1:
			// A tampered holder no longer owns the supplied endpoint.
			if !errors.Is(err, errcode.InvalidPaymentAuthorization) {
				t.Errorf("byte %d: got %v", i, err)
			}
		default:
			if !errors.Is(err, errcode.InvalidSignature) && !errors.Is(err, errcode.PaymentExpired) {
				t.Errorf("byte %d: got %v", i, err)
			}
		}
	}
	if after := w.snapshot(); after != before {
		t.Errorf("tampered attempts changed state: %+v → %+v", before, after)
	}
}

func TestSettle_TamperedAmountIsInvalidSignature(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(1_000, 5_000_000)
	req := w.signed(w.auth(10, 6, testNow+100))
	req.Authorization.Amount = 11
	_, err := w.engine.Settle(context.Background(), req)
	expectAbort(t, err, errcode.InvalidSignature)
}

func TestSettle_ValidSignatureWrongSigner(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(10, 5_000_000)
	a := w.auth(1, 7, testNow+100)
	req, _ := authorization.NewSettleRequest(a, w.bob) // bob signs alice's authorization

	_, err := w.engine.Settle(context.Background(), req)
	expectAbort(t, err, errcode.UnauthorizedSigner)
}

func TestSettle_SignerClaimMismatch(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(10, 5_000_000)
	req := w.signed(w.auth(1, 8, testNow+100))
	req.Signer = w.bob.PublicKey()

	_, err := w.engine.Settle(context.Background(), req)
	expectAbort(t, err, errcode.InvalidSignature)
}

func TestSettle_EndpointMismatch(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(10, 5_000_000)
	bobAcct, _ := w.tokens.AccountAddress(token.XUSDC, w.bob.PublicKey())

	req := w.signed(w.auth(1, 9, testNow+100))
	req.FromAccount = bobAcct // held by bob, not alice
	_, err := w.engine.Settle(context.Background(), req)
	expectAbort(t, err, errcode.InvalidPaymentAuthorization)

	req = w.signed(w.auth(1, 9, testNow+100))
	req.ToAccount = solana.NewWallet().PublicKey() // no such account
	_, err = w.engine.Settle(context.Background(), req)
	expectAbort(t, err, errcode.InvalidPaymentAuthorization)
}

func TestSettle_ZeroAmount(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(10, 5_000_000)
	_, err := w.engine.Settle(context.Background(), w.signed(w.auth(0, 10, testNow+100)))
	expectAbort(t, err, errcode.InvalidPaymentAuthorization)
}

func TestSettle_TransferFailed(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(10, 5_000_000)
	before := w.snapshot()
	_, err := w.engine.Settle(context.Background(), w.signed(w.auth(11, 11, testNow+100)))
	expectAbort(t, err, errcode.TransferFailed)
	if after := w.snapshot(); after != before {
		t.Errorf("state changed: %+v → %+v", before, after)
	}
}

// TestSettle_InsufficientRentRollsBackTransfer fails at the last guard, after
// the transfer already happened inside the unit.
func TestSettle_InsufficientRentRollsBackTransfer(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(10, 1_000)
	before := w.snapshot()

	_, err := w.engine.Settle(context.Background(), w.signed(w.auth(5, 12, testNow+100)))
	expectAbort(t, err, errcode.InsufficientRent)
	var ae *AbortError
	errors.As(err, &ae)
	if ae.At != Transferred {
		t.Errorf("aborted after %s, want %s", ae.At, Transferred)
	}
	if after := w.snapshot(); after != before {
		t.Errorf("state changed: %+v → %+v", before, after)
	}
}

// ── Replay ───────────────────────────────────────────────────────────────────

func TestSettle_Replay(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(100, 5_000_000)
	req := w.signed(w.auth(10, 13, testNow+100))
	if _, err := w.engine.Settle(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	committed := w.snapshot()

	_, err := w.engine.Settle(context.Background(), req)
	expectAbort(t, err, errcode.NonceAlreadyUsed)
	if after := w.snapshot(); after != committed {
		t.Errorf("replay changed state: %+v → %+v", committed, after)
	}
}

func raceSameNonce(t *testing.T, s store.Store) {
	w := newWorld(t, s)
	w.setup(1_000, 50_000_000)
	req := w.signed(w.auth(10, 14, testNow+100))

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
		used      int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := *req
			_, err := w.engine.Settle(context.Background(), &r)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case errors.Is(err, errcode.NonceAlreadyUsed):
				used++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if committed != 1 || used != racers-1 {
		t.Fatalf("committed %d, nonce_already_used %d", committed, used)
	}
	snap := w.snapshot()
	if snap.alice != 990 || snap.bob != 10 || snap.records != 1 {
		t.Errorf("after race: %+v", snap)
	}
}

func TestSettle_ConcurrentSameNonce_Memory(t *testing.T) {
	raceSameNonce(t, memory.New())
}

func TestSettle_ConcurrentSameNonce_Badger(t *testing.T) {
	s, err := badgerstore.OpenInMemory(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	raceSameNonce(t, s)
}

// ── Verify (dry run) ─────────────────────────────────────────────────────────

func TestVerify_DoesNotCommit(t *testing.T) {
	w := newWorld(t, memory.New())
	w.setup(10, 5_000_000)
	before := w.snapshot()
	req := w.signed(w.auth(5, 15, testNow+100))

	if err := w.engine.Verify(context.Background(), req); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if after := w.snapshot(); after != before {
		t.Errorf("Verify changed state: %+v → %+v", before, after)
	}
	if _, err := w.engine.Settle(context.Background(), req); err != nil {
		t.Errorf("Settle after Verify: %v", err)
	}
	err := w.engine.Verify(context.Background(), req)
	expectAbort(t, err, errcode.NonceAlreadyUsed)
}

// ── State ────────────────────────────────────────────────────────────────────

func TestState_String(t *testing.T) {
	if Committed.String() != "committed" || State(99).String() != "unknown" {
		t.Error("unexpected state names")
	}
	if !Aborted.Terminal() || Transferred.Terminal() {
		t.Error("unexpected terminal states")
	}
}
