package positions

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoPrice = errors.New("no price")
	// ErrUnknownToken is returned for a mint that is neither registered nor
	// described by the API response.
	ErrUnknownToken = errors.New("unknown token")
)

// Token is one registry entry, keyed by mint address.
type Token struct {
	Mint     string `json:"mint" yaml:"mint"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals int    `json:"decimals" yaml:"decimals"`
	Stable   bool   `json:"stable" yaml:"stable"`
}

// TokenRegistry is the canonical mint -> token table.
type TokenRegistry struct {
	byMint map[string]Token
}

func NewTokenRegistry(tokens []Token) *TokenRegistry {
	r := &TokenRegistry{byMint: make(map[string]Token, len(tokens))}
	for _, t := range tokens {
		r.byMint[t.Mint] = t
	}
	return r
}

// DefaultTokens covers the SOL/USDC pools.
func DefaultTokens() []Token {
	return []Token{
		{Mint: "So11111111111111111111111111111111111111112", Symbol: "SOL", Decimals: 9},
		{Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Symbol: "USDC", Decimals: 6, Stable: true},
		{Mint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Symbol: "USDT", Decimals: 6, Stable: true},
	}
}

// Lookup returns the token for mint.
func (r *TokenRegistry) Lookup(mint string) (Token, bool) {
	if r == nil {
		return Token{}, false
	}
	t, ok := r.byMint[mint]
	return t, ok
}

// Quote is a pool's current price: one Base is worth Price Quote.
type Quote struct {
	Base  Token
	Quote Token
	Price float64
}

// PriceOracle values a token in USD. It returns ErrNoPrice when it cannot.
type PriceOracle interface {
	PriceUSD(ctx context.Context, tok Token, q Quote) (float64, error)
}

// StaticOracle prices stablecoins at $1, then fixed prices, then derives
// the other side of a pool quoted against a stablecoin.
type StaticOracle struct {
	Fixed map[string]float64 // by mint
}

func (o StaticOracle) PriceUSD(_ context.Context, tok Token, q Quote) (float64, error) {
	if tok.Stable {
		return 1, nil
	}
	if p, ok := o.Fixed[tok.Mint]; ok && p > 0 {
		return p, nil
	}
	if q.Price > 0 {
		switch {
		case tok.Mint == q.Base.Mint && q.Quote.Stable:
			return q.Price, nil
		case tok.Mint == q.Quote.Mint && q.Base.Stable:
			return 1 / q.Price, nil
		}
	}
	return 0, fmt.Errorf("%s (%s): %w", tok.Symbol, tok.Mint, ErrNoPrice)
}
