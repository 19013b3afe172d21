package stockreport

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, repo Repository) http.Handler {
	t.Helper()
	svc, _ := newTestService(t, repo)
	r := chi.NewRouter()
	r.Route("/api/reports", NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc).MountRoutes)
	return r
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerLowStock(t *testing.T) {
	repo := &mockRepo{lowStock: []LowStockRow{{VariantID: 4, WarehouseID: 2, QtyAvailable: d("1")}}}
	h := newTestRouter(t, repo)

	rr := get(h, "/api/reports/low-stock?warehouse_id=2&threshold=5")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var rows []LowStockRow
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Equal(t, int64(4), rows[0].VariantID)
	require.Equal(t, int64(2), repo.lastFilter.WarehouseID)

	require.Equal(t, http.StatusBadRequest, get(h, "/api/reports/low-stock?threshold=abc").Code)
	require.Equal(t, http.StatusBadRequest, get(h, "/api/reports/low-stock?threshold=-1").Code)
	require.Equal(t, http.StatusBadRequest, get(h, "/api/reports/low-stock?warehouse_id=x").Code)
}

func TestHandlerExpiringAndValuation(t *testing.T) {
	h := newTestRouter(t, &mockRepo{})

	require.Equal(t, http.StatusOK, get(h, "/api/reports/expiring?days=7").Code)
	require.Equal(t, http.StatusBadRequest, get(h, "/api/reports/expiring?days=-1").Code)

	rr := get(h, "/api/reports/valuation")
	require.Equal(t, http.StatusOK, rr.Code)
	var v Valuation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	require.True(t, v.TotalValue.IsZero())
}

func TestHandlerValuationIsRateLimited(t *testing.T) {
	h := newTestRouter(t, &mockRepo{})
	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, get(h, "/api/reports/valuation").Code)
	}
	require.Equal(t, http.StatusTooManyRequests, get(h, "/api/reports/valuation").Code)
	require.Equal(t, http.StatusOK, get(h, "/api/reports/low-stock").Code)
}
