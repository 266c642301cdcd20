package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/ledger"
	"creditledger/internal/store/memory"
	transportHTTP "creditledger/internal/transport/http"
)

func newTestMux(t *testing.T) (*http.ServeMux, *ledger.Processor) {
	t.Helper()
	processor := ledger.NewProcessor(memory.New(), nil, nil)
	mux := http.NewServeMux()
	transportHTTP.NewHandler(processor).Register(mux)
	return mux, processor
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAccountLifecycleOverHTTP(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/accounts", map[string]any{
		"account_id": "acct-1", "initial_grant": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, mux, http.MethodGet, "/accounts/acct-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, int64(10), bal["balance"])

	rec = doJSON(t, mux, http.MethodPost, "/accounts", map[string]any{"account_id": "acct-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, mux, http.MethodDelete, "/accounts/acct-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/credit", map[string]any{
		"account_id": "acct-1", "amount": 5, "reason": "purchase",
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "closed account rejects mutation")
}

func TestCreditDebitAndEntries(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/accounts", map[string]any{"account_id": "acct-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/credit", map[string]any{
		"account_id": "acct-1", "amount": 50, "reason": "purchase", "external_ref": "txn-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, mux, http.MethodPost, "/debit", map[string]any{
		"account_id": "acct-1", "amount": 20, "reason": "job_charge",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var res struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(30), res.Balance)

	rec = doJSON(t, mux, http.MethodGet, "/accounts/acct-1/entries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)
}

func TestInsufficientFundsSurfacesShortfall(t *testing.T) {
	mux, processor := newTestMux(t)
	_, err := processor.CreateAccount(context.Background(), "acct-1", 5)
	require.NoError(t, err)

	rec := doJSON(t, mux, http.MethodPost, "/debit", map[string]any{
		"account_id": "acct-1", "amount": 12, "reason": "job_charge",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_funds", body["error"])
	assert.Equal(t, float64(7), body["shortfall"])
	assert.Equal(t, float64(5), body["available"])
}

func TestErrorStatuses(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := doJSON(t, mux, http.MethodGet, "/accounts/missing/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/credit", map[string]any{
		"account_id": "missing", "amount": 0, "reason": "purchase",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "invalid amount")

	req := httptest.NewRequest(http.MethodPost, "/credit", bytes.NewBufferString("{"))
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestTransferOverHTTP(t *testing.T) {
	mux, processor := newTestMux(t)
	ctx := context.Background()
	_, err := processor.CreateAccount(ctx, "temp-1", 40)
	require.NoError(t, err)
	_, err = processor.CreateAccount(ctx, "user-1", 0)
	require.NoError(t, err)

	rec := doJSON(t, mux, http.MethodPost, "/transfer", map[string]any{
		"source_id": "temp-1", "dest_id": "user-1", "amount": 40, "reason": "account_merge",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	balTemp, _ := processor.Balance(ctx, "temp-1")
	balUser, _ := processor.Balance(ctx, "user-1")
	assert.Equal(t, int64(0), balTemp)
	assert.Equal(t, int64(40), balUser)
}
