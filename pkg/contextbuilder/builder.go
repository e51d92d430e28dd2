// Package contextbuilder is the Context Builder (C3): assembles a
// bounded OperationalSnapshot from domain collaborators. Sub-queries
// run sequentially and each failure becomes a data_gaps[] entry rather
// than aborting the snapshot — per spec §5, the request's pipeline
// (of which snapshot construction is one stage) is never fanned out.
package contextbuilder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prodplan-one/copilot-core/pkg/types"
)

// Order is the bounded shape a domain order read returns.
type Order struct {
	ID     string
	Status string
}

// ErrorRecord is the bounded shape a domain error read returns.
type ErrorRecord struct {
	ID        string
	Phase     string
	Severity  types.Severity
	Timestamp time.Time
}

// Allocation is the bounded shape a domain allocation read returns,
// contributing to the top-N-phases-by-WIP computation.
type Allocation struct {
	Phase string
	WIP   int
}

// OrdersReader is the narrow read-only interface onto the ERP's
// production-order module (external collaborator, out of scope per
// spec §1).
type OrdersReader interface {
	RecentOrders(ctx context.Context, tenantID string, window time.Duration, limit int) ([]Order, error)
	CurrentKPIs(ctx context.Context, tenantID string) (types.KPISet, error)
}

// ErrorsReader is the narrow read-only interface onto the ERP's
// quality-error module.
type ErrorsReader interface {
	RecentErrors(ctx context.Context, tenantID string, window time.Duration, limit int) ([]ErrorRecord, error)
}

// AllocationsReader is the narrow read-only interface onto the ERP's
// HR/phase-allocation module.
type AllocationsReader interface {
	RecentAllocations(ctx context.Context, tenantID string, window time.Duration, limit int) ([]Allocation, error)
}

// Limits bounds each collaborator read (spec §4.3).
type Limits struct {
	MaxOrders      int
	MaxErrors      int
	MaxAllocations int
	SoftCapBytes   int
	HardCapBytes   int
}

// DefaultLimits returns the documented operational defaults.
func DefaultLimits() Limits {
	return Limits{MaxOrders: 50, MaxErrors: 100, MaxAllocations: 50, SoftCapBytes: 8 * 1024, HardCapBytes: 16 * 1024}
}

// Builder is the Context Builder's public surface.
type Builder struct {
	orders      OrdersReader
	errors      ErrorsReader
	allocations AllocationsReader
	limits      Limits
}

// New constructs a Builder over the three domain collaborator readers.
func New(orders OrdersReader, errs ErrorsReader, allocations AllocationsReader, limits Limits) *Builder {
	return &Builder{orders: orders, errors: errs, allocations: allocations, limits: limits}
}

// Build assembles the OperationalSnapshot for one request. It is
// best-effort: a collaborator failure or timeout is recorded in
// DataGaps and construction continues.
func (b *Builder) Build(ctx context.Context, tenantID string, windowHours int) *types.OperationalSnapshot {
	if windowHours <= 0 {
		windowHours = 24
	}
	window := time.Duration(windowHours) * time.Hour
	now := time.Now()

	snap := &types.OperationalSnapshot{
		TenantID:      tenantID,
		WindowHours:   windowHours,
		WindowStart:   now.Add(-window),
		WindowEnd:     now,
		OrdersByState: types.OrderCounts{},
	}

	if b.orders != nil {
		kpis, err := b.orders.CurrentKPIs(ctx, tenantID)
		if err != nil {
			addGap(snap, "kpis", fmt.Sprintf("kpis: %v", err))
		} else {
			snap.KPIs = kpis
		}

		orders, err := b.orders.RecentOrders(ctx, tenantID, window, b.limits.MaxOrders)
		if err != nil {
			addGap(snap, "orders", fmt.Sprintf("orders: %v", err))
		} else {
			for _, o := range orders {
				snap.OrdersByState[o.Status]++
			}
		}
	} else {
		addGap(snap, "orders", "orders: collaborator not configured")
	}

	if b.errors != nil {
		errs, err := b.errors.RecentErrors(ctx, tenantID, window, b.limits.MaxErrors)
		if err != nil {
			addGap(snap, "errors", fmt.Sprintf("errors: %v", err))
		} else {
			for _, e := range errs {
				snap.RecentErrors = append(snap.RecentErrors, types.RecentError{
					ID: e.ID, Phase: e.Phase, Severity: e.Severity, Timestamp: e.Timestamp,
				})
			}
		}
	} else {
		addGap(snap, "errors", "errors: collaborator not configured")
	}

	if b.allocations != nil {
		allocs, err := b.allocations.RecentAllocations(ctx, tenantID, window, b.limits.MaxAllocations)
		if err != nil {
			addGap(snap, "allocations", fmt.Sprintf("allocations: %v", err))
		} else {
			snap.TopPhasesWIP = topPhasesByWIP(allocs, 5)
		}
	} else {
		addGap(snap, "allocations", "allocations: collaborator not configured")
	}

	return snap
}

// addGap records a collaborator failure both as free text (for the
// prompt) and as a synthetic low-trust Citation of source kind
// "calculation" (spec §4.3), so a gap is always citable evidence, not
// only an LLM-optional mention.
func addGap(snap *types.OperationalSnapshot, kind, detail string) {
	snap.DataGaps = append(snap.DataGaps, detail)
	snap.GapCitations = append(snap.GapCitations, types.Citation{
		SourceType: string(types.SourceCalculation),
		Ref:        "gap:" + kind,
		Label:      detail,
		TrustIndex: 0.5,
	})
}

func topPhasesByWIP(allocs []Allocation, n int) []types.PhaseWIP {
	byPhase := map[string]int{}
	order := []string{}
	for _, a := range allocs {
		if _, seen := byPhase[a.Phase]; !seen {
			order = append(order, a.Phase)
		}
		byPhase[a.Phase] += a.WIP
	}
	out := make([]types.PhaseWIP, 0, len(order))
	for _, phase := range order {
		out = append(out, types.PhaseWIP{Phase: phase, WIP: byPhase[phase]})
	}
	// simple insertion sort descending by WIP; N is small (≤ allocation limit)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].WIP > out[j-1].WIP; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Serialize renders the snapshot to the compact, human-readable text
// block the Prompt Renderer embeds, bounded to the soft/hard caps in
// Limits. Every line the model may cite is preceded by a
// "[DB:<kind>:<ref>]" marker so the Guardrail Validator can later
// confirm a citation's ref resolves against this exact set.
func (b *Builder) Serialize(snap *types.OperationalSnapshot) string {
	var sb strings.Builder

	ref := fmt.Sprintf("snapshot:%s:%d-%d", snap.TenantID, snap.WindowStart.Unix(), snap.WindowEnd.Unix())

	writeKPI := func(name string, v *float64) {
		if v == nil {
			return
		}
		fmt.Fprintf(&sb, "[DB:calculation:%s:kpi:%s] %s = %.1f\n", ref, name, name, *v)
	}
	writeKPI("availability", snap.KPIs.Availability)
	writeKPI("performance", snap.KPIs.Performance)
	writeKPI("quality", snap.KPIs.Quality)
	writeKPI("oee", snap.KPIs.OEE)
	writeKPI("fpy", snap.KPIs.FPY)
	writeKPI("rework_rate", snap.KPIs.ReworkRate)

	for status, count := range snap.OrdersByState {
		fmt.Fprintf(&sb, "[DB:db:%s:orders:%s] orders in status %s = %d\n", ref, status, status, count)
	}

	for _, e := range snap.RecentErrors {
		if sb.Len() >= b.limits.SoftCapBytes {
			break
		}
		fmt.Fprintf(&sb, "[DB:db:%s:error:%s] %s error in phase %s at %s\n",
			ref, e.ID, e.Severity, e.Phase, e.Timestamp.Format(time.RFC3339))
	}

	for _, p := range snap.TopPhasesWIP {
		fmt.Fprintf(&sb, "[DB:db:%s:wip:%s] phase %s WIP = %d\n", ref, p.Phase, p.Phase, p.WIP)
	}

	for _, gap := range snap.DataGaps {
		fmt.Fprintf(&sb, "[DB:calculation:%s:gap] data gap: %s\n", ref, gap)
	}

	out := sb.String()
	if len(out) > b.limits.HardCapBytes {
		out = out[:b.limits.HardCapBytes]
	}
	return out
}

// SnapshotRef returns the marker ref used by Serialize for this
// snapshot, so the Fast-Path Resolver can cite the same window.
func SnapshotRef(snap *types.OperationalSnapshot) string {
	return fmt.Sprintf("snapshot:%s:%d-%d", snap.TenantID, snap.WindowStart.Unix(), snap.WindowEnd.Unix())
}
