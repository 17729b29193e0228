// Package rent computes the storage cost charged for a persisted record.
package rent

// Defaults match the ledger's rent-exempt schedule.
const (
	DefaultAccountOverhead     = 128
	DefaultLamportsPerByteYear = 3480
	DefaultExemptionYears      = 2
)

// Calculator prices record storage.
type Calculator struct {
	AccountOverhead     uint64
	LamportsPerByteYear uint64
	ExemptionYears      uint64
}

func Default() Calculator {
	return Calculator{
		AccountOverhead:     DefaultAccountOverhead,
		LamportsPerByteYear: DefaultLamportsPerByteYear,
		ExemptionYears:      DefaultExemptionYears,
	}
}

// MinimumBalance is the storage cost of a record holding dataLen bytes.
func (c Calculator) MinimumBalance(dataLen uint64) uint64 {
	return (c.AccountOverhead + dataLen) * c.LamportsPerByteYear * c.ExemptionYears
}
