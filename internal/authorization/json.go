package authorization

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	solana "github.com/gagliardetto/solana-go"

	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
)

// settleRequestJSON is the wire form of a SettleRequest. The authorization may
// be given as fields, as its 0x-hex canonical encoding in message, or both if
// they agree. Identities and the signature are base58.
type settleRequestJSON struct {
	Authorization *PaymentAuthorization `json:"authorization,omitempty"`
	Message       hexutil.Bytes         `json:"message,omitempty"`
	Signature     solana.Signature      `json:"signature"`
	Signer        solana.PublicKey      `json:"signer"`
	FromAccount   *solana.PublicKey     `json:"from_account,omitempty"`
	ToAccount     *solana.PublicKey     `json:"to_account,omitempty"`
	Facilitator   *solana.PublicKey     `json:"facilitator,omitempty"`
}

func optionalKey(k solana.PublicKey) *solana.PublicKey {
	if k.IsZero() {
		return nil
	}
	return &k
}

func (r SettleRequest) MarshalJSON() ([]byte, error) {
	a := r.Authorization
	return json.Marshal(settleRequestJSON{
		Authorization: &a,
		Signature:     r.Signature,
		Signer:        r.Signer,
		FromAccount:   optionalKey(r.FromAccount),
		ToAccount:     optionalKey(r.ToAccount),
		Facilitator:   optionalKey(r.Facilitator),
	})
}

func (r *SettleRequest) UnmarshalJSON(data []byte) error {
	var w settleRequestJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", errcode.MalformedAuthorization, err)
	}
	var a *PaymentAuthorization
	switch {
	case w.Message != nil:
		decoded, err := Decode(w.Message)
		if err != nil {
			return err
		}
		if w.Authorization != nil && !bytes.Equal(Encode(w.Authorization), w.Message) {
			return fmt.Errorf("%w: message and authorization disagree", errcode.MalformedAuthorization)
		}
		a = decoded
	case w.Authorization != nil:
		a = w.Authorization
	default:
		return fmt.Errorf("%w: authorization or message is required", errcode.MalformedAuthorization)
	}

	*r = SettleRequest{
		Authorization: *a,
		Signature:     w.Signature,
		Signer:        w.Signer,
	}
	if w.FromAccount != nil {
		r.FromAccount = *w.FromAccount
	}
	if w.ToAccount != nil {
		r.ToAccount = *w.ToAccount
	}
	if w.Facilitator != nil {
		r.Facilitator = *w.Facilitator
	}
	return nil
}
