package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("%w: nonce 0xab", NonceAlreadyUsed)
	if got := Code(err); got != "nonce_already_used" {
		t.Fatalf("Code: got %q want %q", got, "nonce_already_used")
	}
	if !errors.Is(err, NonceAlreadyUsed) {
		t.Fatal("errors.Is should match the wrapped sentinel")
	}
}

func TestCode_NonProtocolError(t *testing.T) {
	if got := Code(errors.New("disk full")); got != "internal" {
		t.Fatalf("Code: got %q want internal", got)
	}
	if got := Code(nil); got != "" {
		t.Fatalf("Code(nil): got %q want empty", got)
	}
}

func TestClasses(t *testing.T) {
	validation := []*Error{InvalidPaymentAuthorization, PaymentExpired, InvalidSignature, UnauthorizedSigner, NonceAlreadyUsed, MalformedAuthorization}
	for _, e := range validation {
		if e.Class != ClassValidation {
			t.Errorf("%s: class %s, want validation", e.Code, e.Class)
		}
	}
	resource := []*Error{InsufficientFunds, InsufficientRent, NonceDoesNotExist, NonceIsNotWritable, NonceIsNotExpired}
	for _, e := range resource {
		if e.Class != ClassResource {
			t.Errorf("%s: class %s, want resource", e.Code, e.Class)
		}
	}
}

func TestLookup(t *testing.T) {
	for _, e := range all {
		got, ok := Lookup(e.Code)
		if !ok || got != e {
			t.Errorf("Lookup(%q) did not return the sentinel", e.Code)
		}
	}
	if _, ok := Lookup("nope"); ok {
		t.Error("unknown code should not resolve")
	}
}
