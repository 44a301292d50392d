package positions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
)

// Client talks to the protocol's position API.
type Client struct {
	BaseURL string // e.g. https://dlmm-api.meteora.ag
	Token   string
	HTTP    *http.Client
}

func (c *Client) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, fmt.Errorf("positions: http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp.Body, nil
}

type userPositionsResponse struct {
	UserPositions []apiPosition `json:"user_positions"`
}

type apiPosition struct {
	PositionAddress string       `json:"position_address"`
	PublicKey       string       `json:"public_key"`
	Data            positionData `json:"position_data"`
}

type positionData struct {
	TokenXMint     string      `json:"token_x_mint"`
	TokenYMint     string      `json:"token_y_mint"`
	TokenXDecimals *int        `json:"token_x_decimals"`
	TokenYDecimals *int        `json:"token_y_decimals"`
	TotalXAmount   json.Number `json:"total_x_amount"`
	TotalYAmount   json.Number `json:"total_y_amount"`
	FeeX           json.Number `json:"fee_x"`
	FeeY           json.Number `json:"fee_y"`
	CurrentPrice   float64     `json:"current_price"`
	FeeAPR24h      *float64    `json:"fee_apr_24h"`
	OpenedAt       int64       `json:"opened_at"` // unix seconds
}

// HTTPSource reads live positions for a wallet from each tracked pool.
type HTTPSource struct {
	Client   *Client
	Pools    []string
	Registry *TokenRegistry
	Oracle   PriceOracle
	Store    journal.Store
	Logger   *slog.Logger
}

func (s *HTTPSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *HTTPSource) ActivePositions(ctx context.Context, userID, wallet string) ([]model.Position, error) {
	out, _, err := s.fetch(ctx, userID, wallet)
	return out, err
}

// CountOpen counts open positions including those skipped for lack of a
// price or token metadata, so the open-position rule never stacks a new
// one on top.
func (s *HTTPSource) CountOpen(ctx context.Context, userID, wallet string) (int, error) {
	out, skipped, err := s.fetch(ctx, userID, wallet)
	return len(out) + skipped, err
}

func (s *HTTPSource) fetch(ctx context.Context, userID, wallet string) ([]model.Position, int, error) {
	h, err := loadHistory(ctx, s.Store, userID)
	if err != nil {
		return nil, 0, model.Persist("load position history", err)
	}

	var (
		out     []model.Position
		skipped int
	)
	for _, pool := range s.Pools {
		body, err := s.Client.Get(ctx, "/pair/"+url.PathEscape(pool)+"/user/"+url.PathEscape(wallet))
		if err != nil {
			return nil, 0, &model.CollaboratorError{Op: "fetch positions " + pool, Err: err}
		}
		var resp userPositionsResponse
		err = json.NewDecoder(body).Decode(&resp)
		body.Close()
		if err != nil {
			return nil, 0, &model.CollaboratorError{Op: "decode positions " + pool, Err: err}
		}

		for _, ap := range resp.UserPositions {
			pos, err := s.value(ctx, pool, ap)
			if h.closed[pos.PositionID] {
				continue
			}
			if errors.Is(err, ErrNoPrice) || errors.Is(err, ErrUnknownToken) {
				s.logger().Warn("position skipped", "wallet", wallet, "position", pos.PositionID, "err", err)
				skipped++
				continue
			}
			if err != nil {
				return nil, 0, &model.CollaboratorError{Op: "value position " + pos.PositionID, Err: err}
			}
			out = append(out, pos)
		}
	}
	return h.apply(out), skipped, nil
}

func (s *HTTPSource) value(ctx context.Context, pool string, ap apiPosition) (model.Position, error) {
	d := ap.Data
	pos := model.Position{PositionID: ap.PositionAddress, PoolID: pool}
	if pos.PositionID == "" {
		pos.PositionID = ap.PublicKey
	}
	if d.OpenedAt > 0 {
		pos.OpenedAt = time.Unix(d.OpenedAt, 0).UTC()
	}
	if d.FeeAPR24h != nil {
		pos.FeeAPR24h = *d.FeeAPR24h
	}
	pos.OutOfRange = pos.FeeAPR24h == 0

	x, err := s.token(d.TokenXMint, d.TokenXDecimals)
	if err != nil {
		return pos, err
	}
	y, err := s.token(d.TokenYMint, d.TokenYDecimals)
	if err != nil {
		return pos, err
	}
	pos.TokenXSymbol, pos.TokenYSymbol = x.Symbol, y.Symbol

	q := Quote{Base: x, Quote: y, Price: d.CurrentPrice}
	px, err := s.Oracle.PriceUSD(ctx, x, q)
	if err != nil {
		return pos, err
	}
	py, err := s.Oracle.PriceUSD(ctx, y, q)
	if err != nil {
		return pos, err
	}

	amt := func(n json.Number, dec int) (float64, error) {
		if n == "" {
			return 0, nil
		}
		v, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("amount %q: %w", n, err)
		}
		return v / math.Pow10(dec), nil
	}
	var fx, fy float64
	if pos.TokenXAmount, err = amt(d.TotalXAmount, x.Decimals); err != nil {
		return pos, err
	}
	if pos.TokenYAmount, err = amt(d.TotalYAmount, y.Decimals); err != nil {
		return pos, err
	}
	if fx, err = amt(d.FeeX, x.Decimals); err != nil {
		return pos, err
	}
	if fy, err = amt(d.FeeY, y.Decimals); err != nil {
		return pos, err
	}

	pos.TotalUSD = pos.TokenXAmount*px + pos.TokenYAmount*py
	pos.UnclaimedFeesUSD = fx*px + fy*py
	return pos, nil
}

// token resolves a mint through the registry, falling back to the
// decimals the API reported. Unknown mints without decimals are an error.
func (s *HTTPSource) token(mint string, decimals *int) (Token, error) {
	if t, ok := s.Registry.Lookup(mint); ok {
		return t, nil
	}
	if decimals == nil {
		return Token{}, fmt.Errorf("mint %q: %w", mint, ErrUnknownToken)
	}
	sym := mint
	if len(sym) > 4 {
		sym = sym[:4]
	}
	return Token{Mint: mint, Symbol: sym, Decimals: *decimals}, nil
}
