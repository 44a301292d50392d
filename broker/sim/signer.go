// Package sim is a dry-run transaction collaborator. Nothing is broadcast;
// every request "lands" at its estimated cost.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rustyeddy/lpkeeper/broker"
	"github.com/rustyeddy/lpkeeper/pkg/id"
)

var ErrEmptyPayload = errors.New("sim: empty payload")

// Builder encodes the request itself as the payload.
type Builder struct{}

func (Builder) Build(_ context.Context, req broker.TxRequest) ([]byte, error) {
	return json.Marshal(req)
}

// Signer records every request it "sends".
type Signer struct {
	// SOLPriceUSD converts the estimated cost to native gas. Zero leaves
	// GasNative at zero.
	SOLPriceUSD float64
	// Fail, when set, is returned for every request.
	Fail error

	mu   sync.Mutex
	sent []broker.TxRequest
}

func NewSigner(solPriceUSD float64) *Signer {
	return &Signer{SOLPriceUSD: solPriceUSD}
}

func (s *Signer) SignAndSend(ctx context.Context, req broker.TxRequest, payload []byte) (broker.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return broker.Receipt{}, err
	}
	if s.Fail != nil {
		return broker.Receipt{}, s.Fail
	}
	if len(payload) == 0 {
		return broker.Receipt{}, fmt.Errorf("%s %s: %w", req.Kind, req.LogID, ErrEmptyPayload)
	}

	s.mu.Lock()
	s.sent = append(s.sent, req)
	s.mu.Unlock()

	r := broker.Receipt{
		Signature:     "sim-" + id.New(),
		ActualCostUSD: req.EstimatedCostUSD,
	}
	if s.SOLPriceUSD > 0 {
		r.GasNative = req.EstimatedCostUSD / s.SOLPriceUSD
	}
	return r, nil
}

// Sent returns the requests sent so far.
func (s *Signer) Sent() []broker.TxRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broker.TxRequest(nil), s.sent...)
}
