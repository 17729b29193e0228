package authorization

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	solana "github.com/gagliardetto/solana-go"

	"github.com/0gfoundation/xusdc-facilitator/internal/errcode"
)

func TestSettleRequestJSON_RoundTrip(t *testing.T) {
	key := newKey(t)
	a := testAuthorization(t)
	a.From = key.PublicKey()
	req, err := NewSettleRequest(a, key)
	if err != nil {
		t.Fatal(err)
	}
	req.Facilitator = solana.NewWallet().PublicKey()

	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(raw), "from_account") {
		t.Errorf("zero endpoints must be omitted: %s", raw)
	}
	var got SettleRequest
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != *req {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, *req)
	}
	if !VerifyAuthorization(&got.Authorization, got.Signature, got.Signer) {
		t.Error("signature no longer verifies after round trip")
	}
}

func TestSettleRequestJSON_Message(t *testing.T) {
	key := newKey(t)
	a := testAuthorization(t)
	a.From = key.PublicKey()
	sig, _ := Sign(&a, key)
	body := `{"message":"` + hexutil.Encode(Encode(&a)) + `","signature":"` + sig.String() +
		`","signer":"` + key.PublicKey().String() + `"}`

	var got SettleRequest
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Authorization != a {
		t.Errorf("decoded %+v, want %+v", got.Authorization, a)
	}
}

func TestSettleRequestJSON_Rejects(t *testing.T) {
	a := testAuthorization(t)
	other := a
	other.Amount++
	authJSON, _ := json.Marshal(other)

	cases := map[string]string{
		"neither":   `{"signature":"1111111111111111111111111111111111111111111111111111111111111111","signer":"11111111111111111111111111111111"}`,
		"short":     `{"message":"0x0102"}`,
		"disagree":  `{"message":"` + hexutil.Encode(Encode(&a)) + `","authorization":` + string(authJSON) + `}`,
		"not json":  `{`,
		"bad nonce": `{"authorization":{"nonce":"0x01"}}`,
	}
	for name, body := range cases {
		var got SettleRequest
		err := json.Unmarshal([]byte(body), &got)
		if !errors.Is(err, errcode.MalformedAuthorization) {
			t.Errorf("%s: expected MalformedAuthorization, got %v", name, err)
		}
	}
}
