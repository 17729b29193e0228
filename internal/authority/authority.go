// Package authority holds the delegated transfer authority: the single
// deployment-configured key allowed to move xUSDC on behalf of any holder.
//
// The key never leaves this package. Callers get a *Delegate capability that
// can report its identity and sign receipts; the token ledger refuses
// delegated transfers from any Delegate whose identity is not the configured
// one. Compromise of this key compromises every holder's funds.
//
// Key sources, in order:
//  1. an explicit base58 private key (AUTHORITY_PRIVATE_KEY)
//  2. a solana-keygen JSON keypair file (AUTHORITY_KEYPAIR_PATH)
//  3. MOCK_AUTHORITY set: a random key, for development only
package authority

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"sync"

	solana "github.com/gagliardetto/solana-go"
)

// ErrNoKey is returned when no key source is configured.
var ErrNoKey = errors.New("authority: no private key configured")

// Delegate is the capability required for delegated transfers.
type Delegate struct {
	key solana.PrivateKey
}

// FromPrivateKey wraps key after checking it is a well-formed ed25519 key.
func FromPrivateKey(key solana.PrivateKey) (*Delegate, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("authority: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	derived := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], key[ed25519.SeedSize:]) {
		return nil, errors.New("authority: private key public half does not match its seed")
	}
	return &Delegate{key: key}, nil
}

// Identity is the delegate's public key.
func (d *Delegate) Identity() solana.PublicKey { return d.key.PublicKey() }

// Sign signs message with the delegate key.
func (d *Delegate) Sign(message []byte) (solana.Signature, error) {
	return d.key.Sign(message)
}

// Source names where the delegate key comes from.
type Source struct {
	PrivateKey  string
	KeypairPath string
}

// cached result; errors are not cached so a transient failure can be retried.
var (
	mu        sync.Mutex
	cached    *Delegate
	cachedSrc Source
)

// Load resolves the delegate from src and caches it for the process.
func Load(src Source) (*Delegate, error) {
	mu.Lock()
	defer mu.Unlock()
	if cached != nil && cachedSrc == src {
		return cached, nil
	}
	d, err := load(src)
	if err != nil {
		return nil, err
	}
	cached, cachedSrc = d, src
	return d, nil
}

func load(src Source) (*Delegate, error) {
	switch {
	case src.PrivateKey != "":
		key, err := solana.PrivateKeyFromBase58(src.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("authority: parse private key: %w", err)
		}
		return FromPrivateKey(key)
	case src.KeypairPath != "":
		key, err := solana.PrivateKeyFromSolanaKeygenFile(src.KeypairPath)
		if err != nil {
			return nil, fmt.Errorf("authority: read keypair %s: %w", src.KeypairPath, err)
		}
		return FromPrivateKey(key)
	case os.Getenv("MOCK_AUTHORITY") != "":
		key, err := solana.NewRandomPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("authority: generate mock key: %w", err)
		}
		return FromPrivateKey(key)
	default:
		return nil, ErrNoKey
	}
}
