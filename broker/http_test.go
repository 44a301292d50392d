package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/lpkeeper/model"
)

func TestHTTPBuilder(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/transactions/build", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"transaction": base64.StdEncoding.EncodeToString([]byte("signable")),
		})
	}))
	defer srv.Close()

	b := &HTTPBuilder{BaseURL: srv.URL + "/api/", Token: "secret", HTTP: srv.Client()}
	tx, err := b.Build(context.Background(), TxRequest{
		LogID:            "log-1",
		Kind:             model.ActionClaimFees,
		Wallet:           "wallet-1",
		PositionID:       "pos-1",
		PoolID:           "pool-1",
		EstimatedCostUSD: 0.19,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("signable"), tx)

	assert.Equal(t, "claim_fees", got["kind"])
	assert.Equal(t, "wallet-1", got["wallet"])
	assert.Equal(t, "pos-1", got["position_id"])
	assert.NotContains(t, got, "amount_usd")
	assert.NotContains(t, got, "LogID")
}

func TestHTTPBuilderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http error", http.StatusBadGateway, "upstream down", "http 502: upstream down"},
		{"service error", http.StatusOK, `{"error":"pool not found"}`, "pool not found"},
		{"empty tx", http.StatusOK, `{"transaction":""}`, "empty transaction"},
		{"bad base64", http.StatusOK, `{"transaction":"!!"}`, "not base64"},
		{"bad json", http.StatusOK, `{`, "bad json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			b := &HTTPBuilder{BaseURL: srv.URL, HTTP: srv.Client()}
			_, err := b.Build(context.Background(), TxRequest{Kind: model.ActionRebalance})
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestHTTPBuilderMissingBase(t *testing.T) {
	t.Parallel()

	_, err := (&HTTPBuilder{}).Build(context.Background(), TxRequest{})
	assert.ErrorContains(t, err, "missing base url")
}

func TestHTTPSigner(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions/send", r.URL.Path)
		var in map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "log-1", in["log_id"])
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("tx")), in["transaction"])
		_, _ = w.Write([]byte(`{"signature":"5xSig","actual_cost_usd":0.21,"gas_native":0.0011}`))
	}))
	defer srv.Close()

	s := &HTTPSigner{HTTPBuilder{BaseURL: srv.URL, HTTP: srv.Client()}}
	r, err := s.SignAndSend(context.Background(), TxRequest{LogID: "log-1", Kind: model.ActionClaimFees}, []byte("tx"))
	require.NoError(t, err)
	assert.Equal(t, Receipt{Signature: "5xSig", ActualCostUSD: 0.21, GasNative: 0.0011}, r)
}

func TestHTTPSignerRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"blockhash expired"}`))
	}))
	defer srv.Close()

	s := &HTTPSigner{HTTPBuilder{BaseURL: srv.URL, HTTP: srv.Client()}}
	_, err := s.SignAndSend(context.Background(), TxRequest{Kind: model.ActionRebalance}, []byte("tx"))
	assert.ErrorContains(t, err, "blockhash expired")
}
