package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/domatrade/internal/domain"
	"github.com/alanyoungcy/domatrade/internal/ledger"
	"github.com/alanyoungcy/domatrade/internal/server/handler"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type stubOracle struct{}

func (stubOracle) SetPrice(context.Context, [32]byte, *big.Int) (domain.TxResult, error) {
	return domain.TxResult{}, nil
}

func (stubOracle) Price(context.Context, [32]byte) (*big.Int, error) {
	return big.NewInt(1_503_257_400), nil
}

func newTestServer(t *testing.T, cfg Config) (http.Handler, *ledger.Ledger) {
	t.Helper()
	n := 0
	l := ledger.New(ledger.NewMemoryStore(), ledger.Config{}, testLogger(),
		ledger.WithClock(func() time.Time { return time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC) }),
		ledger.WithIDFunc(func() string { n++; return fmt.Sprintf("id-%d", n) }),
	)
	require.NoError(t, l.Load(context.Background()))

	h := Handlers{
		Health:     handler.NewHealthHandler(nil, testLogger()),
		Status:     &handler.StatusHandler{Mode: "ledger", StartedAt: time.Now(), Ledger: l},
		Ledger:     handler.NewLedgerHandler(l, testLogger()),
		Settlement: handler.NewSettlementHandler(nil, stubOracle{}, testLogger()),
	}
	return NewHandler(cfg, h, nil, testLogger()), l
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestPositionLifecycle(t *testing.T) {
	h, l := newTestServer(t, Config{})

	rec := do(t, h, http.MethodPost, "/api/positions", `{"domain":"beta","price":3000,"size":1,"side":"buy"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var pos domain.Position
	decode(t, rec, &pos)
	assert.Equal(t, "beta", pos.Asset)

	rec = do(t, h, http.MethodPut, "/api/positions/"+pos.ID+"/stop-loss", `{"price":2900}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.NotNil(t, l.Positions()[0].StopLoss)

	rec = do(t, h, http.MethodPost, "/api/prices", `{"prices":{"beta":2850}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Closures []map[string]any `json:"closures"`
	}
	decode(t, rec, &res)
	require.Len(t, res.Closures, 1)
	assert.Equal(t, "stop-loss", res.Closures[0]["reason"])
	assert.Empty(t, l.Positions())

	rec = do(t, h, http.MethodDelete, "/api/positions/"+pos.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenPosition_Validation(t *testing.T) {
	h, _ := newTestServer(t, Config{})

	rec := do(t, h, http.MethodPost, "/api/positions", `{"domain":"beta","price":-1,"size":1,"side":"buy"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/positions", `{"domain":"beta","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/positions/x?price=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderLifecycle(t *testing.T) {
	h, l := newTestServer(t, Config{})

	rec := do(t, h, http.MethodPost, "/api/orders", `{"domain":"alpha","type":"limit","price":100,"size":5,"side":"buy"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var order domain.ConditionalOrder
	decode(t, rec, &order)

	rec = do(t, h, http.MethodPatch, "/api/orders/"+order.ID, `{"price":98}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 98.0, l.PendingOrders()[0].Price)

	rec = do(t, h, http.MethodPatch, "/api/orders/"+order.ID, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/orders/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending struct {
		Orders []domain.ConditionalOrder `json:"orders"`
	}
	decode(t, rec, &pending)
	assert.Len(t, pending.Orders, 1)

	rec = do(t, h, http.MethodDelete, "/api/orders/"+order.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, l.PendingOrders())

	rec = do(t, h, http.MethodDelete, "/api/orders/"+order.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/orders/history?limit=1", "")
	var history struct {
		Orders []domain.HistoryRecord `json:"orders"`
	}
	decode(t, rec, &history)
	require.Len(t, history.Orders, 1)
	assert.Equal(t, domain.OrderStatusCancelled, history.Orders[0].Status)
}

func TestListsAreNeverNull(t *testing.T) {
	h, _ := newTestServer(t, Config{})
	rec := do(t, h, http.MethodGet, "/api/positions", "")
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())
	rec = do(t, h, http.MethodGet, "/api/activity", "")
	assert.JSONEq(t, `{"activities":[]}`, rec.Body.String())
}

func TestSettlementUnavailable(t *testing.T) {
	h, _ := newTestServer(t, Config{})
	rec := do(t, h, http.MethodPost, "/api/settlement/close", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not configured")
}

func TestOraclePrice(t *testing.T) {
	h, _ := newTestServer(t, Config{})
	rec := do(t, h, http.MethodGet, "/api/oracle/price?asset=hackathon.doma", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Scaled string  `json:"scaled"`
		Price  float64 `json:"price"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "1503257400", body.Scaled)
	assert.True(t, decimal.NewFromFloat(body.Price).Equal(decimal.RequireFromString("1503.2574")))

	rec = do(t, h, http.MethodGet, "/api/oracle/price", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuth(t *testing.T) {
	h, _ := newTestServer(t, Config{APIKey: "secret"})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/positions", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/positions", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/positions", "", "Authorization", "Bearer secret").Code)
}

func TestRateLimit(t *testing.T) {
	h, _ := newTestServer(t, Config{RateLimit: 1, RateBurst: 2})
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/status", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/status", "").Code)
	rec := do(t, h, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/status", "", "X-Forwarded-For", "10.0.0.9").Code)
}

func TestCORSPreflightAndRequestID(t *testing.T) {
	h, _ := newTestServer(t, Config{CORSOrigins: []string{"http://localhost:3000"}})
	rec := do(t, h, http.MethodOptions, "/api/orders/abc", "", "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")

	rec = do(t, h, http.MethodGet, "/api/health", "", "X-Request-ID", "req-1")
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

type stubReader struct {
	prefix string
	blobs  []domain.BlobInfo
}

func (s *stubReader) Get(_ context.Context, path string) (io.ReadCloser, error) {
	for _, b := range s.blobs {
		if b.Path == path {
			return io.NopCloser(strings.NewReader(`{"positions":[]}`)), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *stubReader) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	s.prefix = prefix
	return s.blobs, nil
}

func TestArchiveList(t *testing.T) {
	ts := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	reader := &stubReader{blobs: []domain.BlobInfo{
		{Path: "ledger/2025/10/01/a-20251001T100000Z.json", Size: 10, LastModified: ts},
		{Path: "ledger/2025/10/01/a-20251001T110000Z.json", Size: 12, LastModified: ts},
		{Path: "ledger/2025/10/01/a-20251001T110000Z.json.sig", Size: 132, LastModified: ts},
	}}
	h := NewHandler(Config{}, Handlers{
		Archive: handler.NewArchiveHandler(reader, "/ledger/", testLogger()),
	}, nil, testLogger())

	rec := do(t, h, http.MethodGet, "/api/archives?day=2025/10/01", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ledger/2025/10/01", reader.prefix)

	var body struct {
		Archives []struct {
			Path   string `json:"path"`
			Signed bool   `json:"signed"`
		} `json:"archives"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Archives, 2)
	assert.Equal(t, "ledger/2025/10/01/a-20251001T110000Z.json", body.Archives[0].Path)
	assert.True(t, body.Archives[0].Signed)
	assert.False(t, body.Archives[1].Signed)
}

func TestArchiveGet(t *testing.T) {
	reader := &stubReader{blobs: []domain.BlobInfo{{Path: "ledger/2025/10/01/a.json"}}}
	h := NewHandler(Config{}, Handlers{
		Archive: handler.NewArchiveHandler(reader, "ledger", testLogger()),
	}, nil, testLogger())

	rec := do(t, h, http.MethodGet, "/api/archives/object?path=ledger/2025/10/01/a.json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/archives/object?path=ledger/missing.json", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/archives/object?path=secrets/key.json", "").Code)
}
