// Package broker is the transaction collaborator: it turns an approved or
// auto-executable action into a signed, broadcast transaction. The core
// never looks inside the payload.
package broker

import (
	"context"

	"github.com/rustyeddy/lpkeeper/model"
)

// TxRequest describes the action a transaction should perform.
type TxRequest struct {
	LogID            string           `json:"-"`
	Kind             model.ActionKind `json:"kind"`
	Wallet           string           `json:"wallet"`
	PositionID       string           `json:"position_id,omitempty"`
	PoolID           string           `json:"pool_id,omitempty"`
	AmountUSD        float64          `json:"amount_usd,omitempty"`
	EstimatedCostUSD float64          `json:"-"`
}

// Receipt is what came back from a broadcast transaction.
type Receipt struct {
	Signature     string
	ActualCostUSD float64
	GasNative     float64
}

// TxBuilder returns an opaque, signable transaction payload.
type TxBuilder interface {
	Build(ctx context.Context, req TxRequest) ([]byte, error)
}

// Signer signs and broadcasts a payload built for req.
type Signer interface {
	SignAndSend(ctx context.Context, req TxRequest, payload []byte) (Receipt, error)
}
