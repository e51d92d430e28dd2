package contextbuilder

import (
	"context"
	"time"

	"github.com/prodplan-one/copilot-core/pkg/types"
)

// FakeOrders is an in-memory OrdersReader for tests and local
// development, standing in for the ERP's production-order module.
type FakeOrders struct {
	Orders map[string][]Order
	KPIs   map[string]types.KPISet
	Err    error
}

func NewFakeOrders() *FakeOrders {
	return &FakeOrders{Orders: map[string][]Order{}, KPIs: map[string]types.KPISet{}}
}

func (f *FakeOrders) RecentOrders(_ context.Context, tenantID string, _ time.Duration, limit int) ([]Order, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	orders := f.Orders[tenantID]
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (f *FakeOrders) CurrentKPIs(_ context.Context, tenantID string) (types.KPISet, error) {
	if f.Err != nil {
		return types.KPISet{}, f.Err
	}
	return f.KPIs[tenantID], nil
}

// FakeErrors is an in-memory ErrorsReader for tests and local
// development, standing in for the ERP's quality-error module.
type FakeErrors struct {
	Errors map[string][]ErrorRecord
	Err    error
}

func NewFakeErrors() *FakeErrors {
	return &FakeErrors{Errors: map[string][]ErrorRecord{}}
}

func (f *FakeErrors) RecentErrors(_ context.Context, tenantID string, _ time.Duration, limit int) ([]ErrorRecord, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	errs := f.Errors[tenantID]
	if limit > 0 && len(errs) > limit {
		errs = errs[:limit]
	}
	return errs, nil
}

// FakeAllocations is an in-memory AllocationsReader for tests and local
// development, standing in for the ERP's HR/phase-allocation module.
type FakeAllocations struct {
	Allocations map[string][]Allocation
	Err         error
}

func NewFakeAllocations() *FakeAllocations {
	return &FakeAllocations{Allocations: map[string][]Allocation{}}
}

func (f *FakeAllocations) RecentAllocations(_ context.Context, tenantID string, _ time.Duration, limit int) ([]Allocation, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	allocs := f.Allocations[tenantID]
	if limit > 0 && len(allocs) > limit {
		allocs = allocs[:limit]
	}
	return allocs, nil
}
