package common

import "time"

// DustLimit is the smallest output value the builders ever emit.
const DustLimit = int64(546)

const (
	DefaultServiceFeePermille = int64(15)
	DefaultMinServiceFee      = int64(1000)

	DefaultListLockTTL = 30 * time.Minute
	DefaultBuyLockTTL  = 60 * time.Second
	DefaultQuoteTTL    = 10 * time.Minute
)

// Atomical subtypes the market trades. Request kinds ("request_realm", ...) are
// pending claims and never listable.
const (
	SubtypeRealm     = "realm"
	SubtypeSubrealm  = "subrealm"
	SubtypeContainer = "container"
	SubtypeDmitem    = "dmitem"
)

var SupportedSubtypes = map[string]bool{
	SubtypeRealm:     true,
	SubtypeSubrealm:  true,
	SubtypeContainer: true,
	SubtypeDmitem:    true,
}

// ServiceFee is 1.5% of the price by default, floored, never below the minimum.
func ServiceFee(price, permille, minFee int64) int64 {
	fee := price * permille / 1000
	if fee < minFee {
		return minFee
	}
	return fee
}
