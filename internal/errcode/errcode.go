// Package errcode defines the protocol error taxonomy shared by the settlement
// engine, the nonce registry, the rent pool ledger and the HTTP surface.
//
// Every protocol error is a sentinel *Error. Callers wrap them with context
// using fmt.Errorf("%w: ...") and match with errors.Is.
package errcode

import "errors"

// Class separates caller-input problems from state/environment preconditions.
type Class uint8

const (
	ClassValidation Class = iota + 1
	ClassResource
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Error is a protocol error with a stable machine-readable code.
type Error struct {
	Code  string
	Class Class
	msg   string
}

func (e *Error) Error() string { return e.msg }

func newError(code string, class Class, msg string) *Error {
	return &Error{Code: code, Class: class, msg: msg}
}

// Validation errors.
var (
	InvalidPaymentAuthorization = newError("invalid_payment_authorization", ClassValidation, "invalid payment authorization")
	PaymentExpired              = newError("payment_expired", ClassValidation, "payment has expired")
	InvalidSignature            = newError("invalid_signature", ClassValidation, "invalid signature")
	UnauthorizedSigner          = newError("unauthorized_signer", ClassValidation, "unauthorized signer")
	NonceAlreadyUsed            = newError("nonce_already_used", ClassValidation, "nonce already used")
	MalformedAuthorization      = newError("malformed_authorization", ClassValidation, "malformed payment authorization")
	InvalidAmount               = newError("invalid_amount", ClassValidation, "amount must be positive")
)

// Resource errors.
var (
	InsufficientFunds  = newError("insufficient_funds", ClassResource, "insufficient funds")
	InsufficientRent   = newError("insufficient_rent", ClassResource, "rent pool cannot cover nonce storage")
	NonceDoesNotExist  = newError("nonce_does_not_exist", ClassResource, "nonce does not exist")
	NonceIsNotWritable = newError("nonce_is_not_writable", ClassResource, "nonce is not writable")
	NonceIsNotExpired  = newError("nonce_is_not_expired", ClassResource, "nonce is not expired")
	TransferFailed     = newError("transfer_failed", ClassResource, "delegated transfer failed")
)

var all = []*Error{
	InvalidPaymentAuthorization,
	PaymentExpired,
	InvalidSignature,
	UnauthorizedSigner,
	NonceAlreadyUsed,
	MalformedAuthorization,
	InvalidAmount,
	InsufficientFunds,
	InsufficientRent,
	NonceDoesNotExist,
	NonceIsNotWritable,
	NonceIsNotExpired,
	TransferFailed,
}

// Of returns the outermost protocol error in err's chain, if any.
func Of(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Code returns the protocol code for err, "internal" for non-protocol errors
// and "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := Of(err); ok {
		return e.Code
	}
	return "internal"
}

// Lookup finds a protocol error by its code.
func Lookup(code string) (*Error, bool) {
	for _, e := range all {
		if e.Code == code {
			return e, true
		}
	}
	return nil, false
}
