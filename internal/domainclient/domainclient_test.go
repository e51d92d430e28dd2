package domainclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentOrders_DecodesListAndScopesQuery(t *testing.T) {
	var gotTenant, gotWindow string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.URL.Query().Get("tenant_id")
		gotWindow = r.URL.Query().Get("window_hours")
		w.Write([]byte(`[{"ID":"o1","Status":"in_progress"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	orders, err := c.RecentOrders(context.Background(), "tenant-a", 24*time.Hour, 50)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o1", orders[0].ID)
	assert.Equal(t, "tenant-a", gotTenant)
	assert.Equal(t, "24", gotWindow)
}

func TestCurrentKPIs_NonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.CurrentKPIs(context.Background(), "tenant-a")
	require.Error(t, err)
}
