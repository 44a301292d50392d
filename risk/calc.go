// Package risk is the pre-execution safety gate.
package risk

import "math"

// Limits are the protocol sanity bounds applied on top of the policy.
type Limits struct {
	// RebalanceMinValueUSD is the smallest position worth rebalancing.
	RebalanceMinValueUSD float64
	// ClaimMaxGasRatio caps claim gas as a fraction of the fees claimed.
	ClaimMaxGasRatio float64
}

func DefaultLimits() Limits {
	return Limits{
		RebalanceMinValueUSD: 10,
		ClaimMaxGasRatio:     0.10,
	}
}

// GasRatio is the gas cost as a fraction of the claimable amount.
func GasRatio(gasUSD, claimableUSD float64) float64 {
	if claimableUSD <= 0 {
		return math.Inf(1)
	}
	return gasUSD / claimableUSD
}
