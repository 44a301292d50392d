package model

import "time"

// Position is one open liquidity position as valued at snapshot time.
// Sources build a fresh slice every cycle; the core never mutates it.
type Position struct {
	PositionID string `json:"position_id" yaml:"position_id"`
	PoolID     string `json:"pool_id" yaml:"pool_id"`

	TokenXSymbol string  `json:"token_x_symbol" yaml:"token_x_symbol"`
	TokenYSymbol string  `json:"token_y_symbol" yaml:"token_y_symbol"`
	TokenXAmount float64 `json:"token_x_amount" yaml:"token_x_amount"`
	TokenYAmount float64 `json:"token_y_amount" yaml:"token_y_amount"`

	TotalUSD         float64 `json:"total_usd" yaml:"total_usd"`
	UnclaimedFeesUSD float64 `json:"unclaimed_fees_usd" yaml:"unclaimed_fees_usd"`
	OutOfRange       bool    `json:"is_out_of_range" yaml:"is_out_of_range"`
	FeeAPR24h        float64 `json:"fee_apr_24h" yaml:"fee_apr_24h"`

	OpenedAt        time.Time  `json:"opened_at" yaml:"opened_at"`
	LastClaimAt     *time.Time `json:"last_claim_at,omitempty" yaml:"last_claim_at,omitempty"`
	LastRebalanceAt *time.Time `json:"last_rebalance_at,omitempty" yaml:"last_rebalance_at,omitempty"`
}

// FindPosition returns the position with the given id, or nil.
func FindPosition(positions []Position, positionID string) *Position {
	if positionID == "" {
		return nil
	}
	for i := range positions {
		if positions[i].PositionID == positionID {
			return &positions[i]
		}
	}
	return nil
}
