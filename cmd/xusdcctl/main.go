// Command xusdcctl is the payer-side companion of the facilitator: it creates
// keys and nonces, signs payment authorizations, and signs wallet requests for
// the facilitator's authenticated routes. It never talks to the network.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	solana "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"github.com/0gfoundation/xusdc-facilitator/internal/auth"
	"github.com/0gfoundation/xusdc-facilitator/internal/authorization"
	"github.com/0gfoundation/xusdc-facilitator/internal/settlement"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var keyFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "key",
		Usage:   "base58 private key",
		EnvVars: []string{"XUSDC_PRIVATE_KEY"},
	},
	&cli.StringFlag{
		Name:    "keypair",
		Usage:   "path to a solana-keygen JSON keypair",
		EnvVars: []string{"XUSDC_KEYPAIR_PATH"},
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "xusdcctl",
		Usage: "Offline tooling for xUSDC payment authorizations",
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Generate an ed25519 keypair",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Usage: "write a solana-keygen JSON keypair to this path instead of printing the secret",
					},
				},
				Action: keygenCommand,
			},
			{
				Name:   "nonce",
				Usage:  "Print a random 32-byte nonce as 0x-hex",
				Action: nonceCommand,
			},
			{
				Name:  "sign",
				Usage: "Sign a payment authorization and print the settle request JSON",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "to", Usage: "payee identity (base58)", Required: true},
					&cli.Uint64Flag{Name: "amount", Usage: "amount in xUSDC base units", Required: true},
					&cli.StringFlag{Name: "nonce", Usage: "0x-hex nonce; random when omitted"},
					&cli.DurationFlag{Name: "valid-for", Usage: "validity window from now", Value: time.Hour},
					&cli.Int64Flag{Name: "valid-until", Usage: "absolute unix expiry; overrides --valid-for"},
					&cli.StringFlag{Name: "facilitator", Usage: "facilitator identity credited for rent (base58)"},
					&cli.BoolFlag{Name: "message", Usage: "also include the 0x-hex canonical message"},
				}, keyFlags...),
				Action: signCommand,
			},
			{
				Name:  "decode",
				Usage: "Decode a 0x-hex canonical authorization",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "message", Usage: "0x-hex encoded authorization", Required: true},
				},
				Action: decodeCommand,
			},
			{
				Name:  "auth-headers",
				Usage: "Sign a wallet request and print the X-Wallet-* headers",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "action", Usage: "route action, e.g. rent.contribute", Required: true},
					&cli.StringFlag{Name: "payload", Usage: "JSON payload", Value: "{}"},
					&cli.DurationFlag{Name: "ttl", Usage: "request lifetime (max 5m)", Value: 2 * time.Minute},
				}, keyFlags...),
				Action: authHeadersCommand,
			},
			{
				Name:      "verify-receipt",
				Usage:     "Verify a settlement receipt JSON read from a file or stdin",
				ArgsUsage: "[file]",
				Action:    verifyReceiptCommand,
			},
		},
	}
}

// ── key handling ──────────────────────────────────────────────────────────────

func loadKey(c *cli.Context) (solana.PrivateKey, error) {
	switch {
	case c.String("key") != "":
		return solana.PrivateKeyFromBase58(c.String("key"))
	case c.String("keypair") != "":
		return solana.PrivateKeyFromSolanaKeygenFile(c.String("keypair"))
	default:
		return nil, errors.New("one of --key or --keypair is required")
	}
}

func keygenCommand(c *cli.Context) error {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	out := c.App.Writer
	if path := c.String("out"); path != "" {
		ints := make([]int, len(key))
		for i, b := range key {
			ints[i] = int(b)
		}
		raw, _ := json.Marshal(ints)
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return fmt.Errorf("write keypair: %w", err)
		}
		fmt.Fprintf(out, "identity: %s\nkeypair:  %s\n", key.PublicKey(), path)
		return nil
	}
	fmt.Fprintf(out, "identity:    %s\nprivate_key: %s\n", key.PublicKey(), key)
	return nil
}

func randomNonce() (authorization.Nonce, error) {
	var n authorization.Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("read random nonce: %w", err)
	}
	return n, nil
}

func nonceCommand(c *cli.Context) error {
	n, err := randomNonce()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, n)
	return nil
}

// ── authorizations ────────────────────────────────────────────────────────────

func signCommand(c *cli.Context) error {
	key, err := loadKey(c)
	if err != nil {
		return err
	}
	to, err := solana.PublicKeyFromBase58(c.String("to"))
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	n, err := randomNonce()
	if err != nil {
		return err
	}
	if s := c.String("nonce"); s != "" {
		if n, err = authorization.ParseNonce(s); err != nil {
			return fmt.Errorf("--nonce: %w", err)
		}
	}
	validUntil := time.Now().Add(c.Duration("valid-for")).Unix()
	if c.IsSet("valid-until") {
		validUntil = c.Int64("valid-until")
	}

	req, err := authorization.NewSettleRequest(authorization.PaymentAuthorization{
		From:       key.PublicKey(),
		To:         to,
		Amount:     c.Uint64("amount"),
		Nonce:      n,
		ValidUntil: validUntil,
	}, key)
	if err != nil {
		return err
	}
	if s := c.String("facilitator"); s != "" {
		if req.Facilitator, err = solana.PublicKeyFromBase58(s); err != nil {
			return fmt.Errorf("--facilitator: %w", err)
		}
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if c.Bool("message") {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		m["message"], _ = json.Marshal(hexutil.Bytes(authorization.Encode(&req.Authorization)))
		raw, _ = json.Marshal(m)
	}
	fmt.Fprintln(c.App.Writer, string(raw))
	return nil
}

func decodeCommand(c *cli.Context) error {
	b, err := hexutil.Decode(c.String("message"))
	if err != nil {
		return fmt.Errorf("--message: %w", err)
	}
	a, err := authorization.Decode(b)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

// ── wallet requests ───────────────────────────────────────────────────────────

func authHeadersCommand(c *cli.Context) error {
	key, err := loadKey(c)
	if err != nil {
		return err
	}
	payload := json.RawMessage(c.String("payload"))
	if !json.Valid(payload) {
		return errors.New("--payload is not valid JSON")
	}
	n, err := randomNonce()
	if err != nil {
		return err
	}
	msg, err := json.Marshal(auth.SignedRequest{
		Action:    c.String("action"),
		ExpiresAt: time.Now().Add(c.Duration("ttl")).Unix(),
		Nonce:     n.String(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	out := c.App.Writer
	fmt.Fprintf(out, "X-Wallet-Address: %s\n", key.PublicKey())
	fmt.Fprintf(out, "X-Signed-Message: %s\n", base64.StdEncoding.EncodeToString(msg))
	fmt.Fprintf(out, "X-Wallet-Signature: %s\n", sig)
	return nil
}

// ── receipts ──────────────────────────────────────────────────────────────────

func verifyReceiptCommand(c *cli.Context) error {
	var r io.Reader = os.Stdin
	if path := c.Args().First(); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	var body struct {
		Receipt *settlement.Receipt `json:"receipt"`
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Receipt == nil {
		// accept a bare receipt too
		body.Receipt = new(settlement.Receipt)
		if err := json.Unmarshal(raw, body.Receipt); err != nil {
			return fmt.Errorf("decode receipt: %w", err)
		}
	}
	if !body.Receipt.Verify() {
		return fmt.Errorf("receipt signature is not valid for authority %s", body.Receipt.Authority)
	}
	fmt.Fprintf(c.App.Writer, "valid: nonce %s settled at %d by %s\n",
		body.Receipt.Authorization.Nonce, body.Receipt.SettledAt, body.Receipt.Authority)
	return nil
}
