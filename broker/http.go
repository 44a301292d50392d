package broker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rustyeddy/lpkeeper/model"
)

// HTTPBuilder asks a transaction-building service for payloads.
type HTTPBuilder struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

type buildResponse struct {
	Transaction string `json:"transaction"`
	Error       string `json:"error,omitempty"`
}

func (b *HTTPBuilder) Build(ctx context.Context, req TxRequest) ([]byte, error) {
	if b.BaseURL == "" {
		return nil, errors.New("broker: missing base url")
	}
	body, err := b.post(ctx, "/v1/transactions/build", req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out buildResponse
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return nil, fmt.Errorf("broker: bad json: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("broker: build %s: %s", req.Kind, out.Error)
	}
	if out.Transaction == "" {
		return nil, fmt.Errorf("broker: build %s: empty transaction", req.Kind)
	}
	tx, err := base64.StdEncoding.DecodeString(out.Transaction)
	if err != nil {
		return nil, fmt.Errorf("broker: transaction is not base64: %w", err)
	}
	return tx, nil
}

func (b *HTTPBuilder) post(ctx context.Context, path string, v any) (io.ReadCloser, error) {
	httpClient := b.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path

	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, fmt.Errorf("broker: http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp.Body, nil
}

// HTTPSigner hands built payloads to a signing service that holds the
// wallet key and broadcasts the transaction.
type HTTPSigner struct {
	HTTPBuilder
}

type sendRequest struct {
	LogID       string           `json:"log_id"`
	Kind        model.ActionKind `json:"kind"`
	Wallet      string           `json:"wallet"`
	Transaction string           `json:"transaction"`
}

type sendResponse struct {
	Signature     string  `json:"signature"`
	ActualCostUSD float64 `json:"actual_cost_usd"`
	GasNative     float64 `json:"gas_native"`
	Error         string  `json:"error,omitempty"`
}

func (s *HTTPSigner) SignAndSend(ctx context.Context, req TxRequest, payload []byte) (Receipt, error) {
	if s.BaseURL == "" {
		return Receipt{}, errors.New("broker: missing base url")
	}
	body, err := s.post(ctx, "/v1/transactions/send", sendRequest{
		LogID:       req.LogID,
		Kind:        req.Kind,
		Wallet:      req.Wallet,
		Transaction: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return Receipt{}, err
	}
	defer body.Close()

	var out sendResponse
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return Receipt{}, fmt.Errorf("broker: bad json: %w", err)
	}
	if out.Error != "" {
		return Receipt{}, fmt.Errorf("broker: send %s: %s", req.Kind, out.Error)
	}
	if out.Signature == "" {
		return Receipt{}, fmt.Errorf("broker: send %s: no signature", req.Kind)
	}
	return Receipt{Signature: out.Signature, ActualCostUSD: out.ActualCostUSD, GasNative: out.GasNative}, nil
}
