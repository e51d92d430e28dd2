// Package domainclient implements the Context Builder's three reader
// interfaces (OrdersReader, ErrorsReader, AllocationsReader) against
// the ERP's own bounded list read APIs (spec §6's "Domain read APIs"),
// reached over HTTP JSON the same way the Model Gateway reaches the
// LLM server: a plain *http.Client with a fixed timeout, no breaker --
// these are internal ERP reads, not a third-party dependency whose
// failure the rest of the fleet needs to be insulated from.
package domainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prodplan-one/copilot-core/pkg/contextbuilder"
	"github.com/prodplan-one/copilot-core/pkg/types"
)

// Client reads orders, errors, and allocations from the ERP's bounded
// list endpoints. It satisfies contextbuilder.OrdersReader,
// contextbuilder.ErrorsReader, and contextbuilder.AllocationsReader.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "http://erp-api.internal").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("domainclient: %s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func windowQuery(tenantID string, window time.Duration, limit int) url.Values {
	q := url.Values{}
	q.Set("tenant_id", tenantID)
	q.Set("window_hours", fmt.Sprintf("%d", int(window.Hours())))
	q.Set("limit", fmt.Sprintf("%d", limit))
	return q
}

// RecentOrders implements contextbuilder.OrdersReader.
func (c *Client) RecentOrders(ctx context.Context, tenantID string, window time.Duration, limit int) ([]contextbuilder.Order, error) {
	var out []contextbuilder.Order
	if err := c.getJSON(ctx, "/orders/recent", windowQuery(tenantID, window, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CurrentKPIs implements contextbuilder.OrdersReader.
func (c *Client) CurrentKPIs(ctx context.Context, tenantID string) (types.KPISet, error) {
	var out types.KPISet
	q := url.Values{"tenant_id": []string{tenantID}}
	if err := c.getJSON(ctx, "/kpis/current", q, &out); err != nil {
		return types.KPISet{}, err
	}
	return out, nil
}

// RecentErrors implements contextbuilder.ErrorsReader.
func (c *Client) RecentErrors(ctx context.Context, tenantID string, window time.Duration, limit int) ([]contextbuilder.ErrorRecord, error) {
	var out []contextbuilder.ErrorRecord
	if err := c.getJSON(ctx, "/errors/recent", windowQuery(tenantID, window, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecentAllocations implements contextbuilder.AllocationsReader.
func (c *Client) RecentAllocations(ctx context.Context, tenantID string, window time.Duration, limit int) ([]contextbuilder.Allocation, error) {
	var out []contextbuilder.Allocation
	if err := c.getJSON(ctx, "/allocations/recent", windowQuery(tenantID, window, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}
