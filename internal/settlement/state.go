package settlement

// State is a settlement attempt's position in the linear state machine.
// Every attempt ends in Committed or Aborted.
type State uint8

const (
	Received State = iota
	IdentityValidated
	TimeValidated
	SignatureValidated
	Transferred
	NonceRegistered
	Committed
	Aborted
)

var stateNames = [...]string{
	Received:           "received",
	IdentityValidated:  "identity_validated",
	TimeValidated:      "time_validated",
	SignatureValidated: "signature_validated",
	Transferred:        "transferred",
	NonceRegistered:    "nonce_registered",
	Committed:          "committed",
	Aborted:            "aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Committed || s == Aborted }
