// Package guardrail is the Guardrail Validator (C7): the last line of
// defense between a raw model reply and a CopilotResponse the rest of
// the system will trust, persist, and show a user.
package guardrail

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	goerrors "github.com/go-faster/errors"
	"github.com/go-faster/jx"
	validatorpkg "github.com/go-playground/validator/v10"
	"github.com/itchyny/gojq"
	"github.com/open-policy-agent/opa/rego"

	"github.com/prodplan-one/copilot-core/pkg/promptrenderer"
	"github.com/prodplan-one/copilot-core/pkg/types"
)

//go:embed policy.rego
var policySource string

var structValidator = validatorpkg.New()

// GroundingSet is the request-scoped universe a citation's ref may
// resolve against: retrieved DocumentChunk ids and snapshot markers
// emitted by the Prompt Renderer.
type GroundingSet struct {
	ChunkIDs     map[string]bool
	SnapshotRefs map[string]bool
}

// NewGroundingSet builds a GroundingSet from the chunk ids retrieved
// for this request and the snapshot refs the renderer embedded.
func NewGroundingSet(chunkIDs, snapshotRefs []string) GroundingSet {
	gs := GroundingSet{ChunkIDs: map[string]bool{}, SnapshotRefs: map[string]bool{}}
	for _, id := range chunkIDs {
		gs.ChunkIDs[id] = true
	}
	for _, ref := range snapshotRefs {
		gs.SnapshotRefs[ref] = true
	}
	return gs
}

func (gs GroundingSet) resolves(ref string) bool {
	if gs.ChunkIDs[ref] {
		return true
	}
	if gs.SnapshotRefs[ref] {
		return true
	}
	// snapshot markers are "<ref>:kpi:<name>" / "<ref>:error:<id>" etc.;
	// a citation may cite the exact marker or the bare snapshot ref.
	for base := range gs.SnapshotRefs {
		if strings.HasPrefix(ref, base) {
			return true
		}
	}
	return false
}

// Options tunes validator behavior per tenant config.
type Options struct {
	LowTrustThreshold   float64
	RedactEmployeeNames bool
	TenantID            string
}

// DefaultOptions returns the documented operational defaults.
func DefaultOptions() Options {
	return Options{LowTrustThreshold: 0.6}
}

// LiveOptionsSource supplies hot-reloadable validator tuning, re-read
// on every Validate call so a config file change takes effect without
// rebuilding the Orchestrator. config.Watcher satisfies this directly
// (it already exposes LowTrustThreshold()/RedactEmployeeNames()).
type LiveOptionsSource interface {
	LowTrustThreshold() float64
	RedactEmployeeNames() bool
}

var strictDecoder = func(raw string) (*types.CopilotResponse, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var resp types.CopilotResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Parse attempts the strict JSON decode and requires the type, summary
// and facts fields to be present. On failure it probes the raw reply
// with a partial jq shape so the caller can build a targeted
// repair-instruction prompt instead of a bare "invalid JSON" retry.
func Parse(raw string) (resp *types.CopilotResponse, repairHint string, err error) {
	if valErr := jx.DecodeStr(raw).Validate(); valErr != nil {
		return nil, probeRepairHint(raw), goerrors.Wrap(valErr, "guardrail: raw reply is not valid JSON")
	}

	resp, err = strictDecoder(raw)
	if err != nil {
		return nil, probeRepairHint(raw), err
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal([]byte(raw), &fields) == nil {
		for _, name := range []string{"type", "summary", "facts"} {
			if _, ok := fields[name]; !ok {
				return nil, probeRepairHint(raw), fmt.Errorf("guardrail: reply is missing required field %q", name)
			}
		}
	}
	return resp, "", nil
}

var probeQuery = mustParseJQ(`{summary: (.summary? // null), facts: (.facts? // null), type: (.type? // null)}`)

func mustParseJQ(src string) *gojq.Query {
	q, err := gojq.Parse(src)
	if err != nil {
		panic(err)
	}
	return q
}

// probeRepairHint runs a best-effort jq probe over raw (which may not
// even be valid JSON) to describe what's missing for the repair
// instruction. A probe that also fails just reports "not valid JSON".
func probeRepairHint(raw string) string {
	var input any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return "the reply was not valid JSON; respond with a single JSON object matching the CopilotResponse shape"
	}

	iter := probeQuery.Run(input)
	v, ok := iter.Next()
	if !ok {
		return "the reply's JSON shape could not be probed; ensure summary, facts, and type are present"
	}
	if probeErr, isErr := v.(error); isErr {
		return fmt.Sprintf("the reply's JSON shape could not be probed (%v)", probeErr)
	}

	shape, _ := v.(map[string]any)
	var missing []string
	if shape["summary"] == nil {
		missing = append(missing, "summary")
	}
	if shape["facts"] == nil {
		missing = append(missing, "facts")
	}
	if shape["type"] == nil {
		missing = append(missing, "type")
	}
	if len(missing) == 0 {
		return "the reply's JSON did not strictly match the CopilotResponse shape; remove any extra fields"
	}
	return fmt.Sprintf("the reply was missing required field(s): %s", strings.Join(missing, ", "))
}

var (
	leakPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`),
		regexp.MustCompile(`(?i)you are the ProdPlan ONE operational copilot`),
		regexp.MustCompile(`(?i)never invent facts`),
		regexp.MustCompile(`(?i)reveal (these|your) (rules|system prompt)`),
	}
	tenantTokenPattern = regexp.MustCompile(`(?i)\btenant[-_]([a-z0-9]+)\b`)
)

// containsLeak reports whether text discloses the system rules
// verbatim, attempts an instruction override, or references a tenant
// other than ownTenantID.
func containsLeak(text, ownTenantID string) bool {
	if text == "" {
		return false
	}
	for _, p := range leakPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	if strings.Contains(text, promptrenderer.SystemRules[:40]) {
		return true
	}
	for _, m := range tenantTokenPattern.FindAllStringSubmatch(text, -1) {
		if ownTenantID != "" && !strings.EqualFold("tenant-"+m[1], ownTenantID) && !strings.EqualFold(m[1], ownTenantID) {
			return true
		}
	}
	return false
}

// Validate runs structural checks, citation grounding, prompt-leak
// detection, redaction, and low-trust detection against resp in
// place, per spec §4.7 steps 2-6, and returns the (possibly mutated)
// response.
func Validate(ctx context.Context, resp *types.CopilotResponse, grounding GroundingSet, opts Options) *types.CopilotResponse {
	if opts.LowTrustThreshold == 0 {
		opts.LowTrustThreshold = 0.6
	}

	if strings.TrimSpace(resp.Summary) == "" {
		resp.Summary = ""
		resp.Warnings = append(resp.Warnings, types.Warning{Code: types.WarningValidationFailed, Message: "summary was empty"})
	}

	if containsLeak(resp.Summary, opts.TenantID) {
		return blankForLeak(resp)
	}
	for _, f := range resp.Facts {
		if containsLeak(f.Text, opts.TenantID) {
			return blankForLeak(resp)
		}
	}

	groundFacts(resp, grounding)

	allowActions(ctx, resp)

	if opts.RedactEmployeeNames {
		redact(ctx, resp)
	}

	checkLowTrust(resp, opts.LowTrustThreshold)

	if err := structValidator.Struct(resp); err != nil {
		resp.Warnings = append(resp.Warnings, types.Warning{Code: types.WarningValidationFailed, Message: err.Error()})
	}

	if resp.Type.RequiresGrounding() && len(resp.Facts) == 0 && !types.HasCode(resp.Warnings, types.WarningInsufficientEvidence) {
		resp.Warnings = append(resp.Warnings, types.Warning{Code: types.WarningInsufficientEvidence})
	}

	return resp
}

func blankForLeak(resp *types.CopilotResponse) *types.CopilotResponse {
	resp.Summary = ""
	resp.Facts = nil
	resp.Actions = nil
	resp.Type = types.ResponseError
	resp.Warnings = append(resp.Warnings, types.Warning{Code: types.WarningSecurityFlag, Message: "response withheld: prompt-leak or cross-tenant pattern detected"})
	return resp
}

// groundFacts removes citations whose ref resolves against nothing in
// grounding, removes facts left with no citations, and appends
// INSUFFICIENT_EVIDENCE if this empties facts on a grounded response type.
func groundFacts(resp *types.CopilotResponse, grounding GroundingSet) {
	var kept []types.Fact
	for _, fact := range resp.Facts {
		var keptCitations []types.Citation
		for _, c := range fact.Citations {
			if grounding.resolves(c.Ref) {
				keptCitations = append(keptCitations, c)
			}
		}
		if len(keptCitations) == 0 {
			continue
		}
		fact.Citations = keptCitations
		kept = append(kept, fact)
	}
	resp.Facts = kept

	if resp.Type.RequiresGrounding() && len(resp.Facts) == 0 && !types.HasCode(resp.Warnings, types.WarningInsufficientEvidence) {
		resp.Warnings = append(resp.Warnings, types.Warning{Code: types.WarningInsufficientEvidence})
	}
}

// allowActions evaluates each action's type against the bundled Rego
// policy; actions outside the allow-list are dropped and flag SECURITY_FLAG.
func allowActions(ctx context.Context, resp *types.CopilotResponse) {
	if len(resp.Actions) == 0 {
		return
	}
	var kept []types.Action
	flagged := false
	for _, a := range resp.Actions {
		if !a.ActionType.IsAllowed() {
			// Not a member of the closed action-type set at all; skip
			// the OPA round trip entirely rather than asking Rego to
			// reject something Go already knows is invalid.
			flagged = true
			continue
		}
		ok, err := evalAllowedAction(ctx, string(a.ActionType))
		if err != nil || !ok {
			flagged = true
			continue
		}
		kept = append(kept, a)
	}
	resp.Actions = kept
	if flagged {
		resp.Warnings = append(resp.Warnings, types.Warning{Code: types.WarningSecurityFlag, Message: "one or more actions were outside the allow-list"})
	}
}

func evalAllowedAction(ctx context.Context, actionType string) (bool, error) {
	r := rego.New(
		rego.Query("data.guardrail.allowed_action(input.action_type)"),
		rego.Module("policy.rego", policySource),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return false, err
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(map[string]any{"action_type": actionType}))
	if err != nil {
		return false, err
	}
	return len(rs) > 0 && len(rs[0].Expressions) > 0 && rs[0].Expressions[0].Value == true, nil
}

// redact replaces employee-name-shaped identifiers in the response
// text with role+id tags, governed by the bundled Rego policy's
// REDACT_EMPLOYEE_NAMES flag. Runs after grounding so citation refs
// still resolve.
func redact(ctx context.Context, resp *types.CopilotResponse) {
	ok, err := evalRedact(ctx, true)
	if err != nil || !ok {
		return
	}
	resp.Summary = employeeNamePattern.ReplaceAllString(resp.Summary, "[operator:$1]")
	for i := range resp.Facts {
		resp.Facts[i].Text = employeeNamePattern.ReplaceAllString(resp.Facts[i].Text, "[operator:$1]")
	}
}

var employeeNamePattern = regexp.MustCompile(`\bemployee[-_ ]?#?(\d{3,})\b`)

// Redactor exposes the employee-name redaction step standalone so
// other delivery paths (pkg/notify's Slack backend) can reuse it
// instead of duplicating the pattern.
type Redactor struct {
	Enabled bool
}

// RedactText replaces employee-name-shaped identifiers in text with
// role+id tags when r.Enabled, matching the same pattern Validate
// applies to a CopilotResponse's fields.
func (r Redactor) RedactText(text string) string {
	if !r.Enabled {
		return text
	}
	return employeeNamePattern.ReplaceAllString(text, "[operator:$1]")
}

func evalRedact(ctx context.Context, redactEmployeeNames bool) (bool, error) {
	r := rego.New(
		rego.Query("data.guardrail.redact(input)"),
		rego.Module("policy.rego", policySource),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return false, err
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(map[string]any{"redact_employee_names": redactEmployeeNames}))
	if err != nil {
		return false, err
	}
	return len(rs) > 0 && len(rs[0].Expressions) > 0 && rs[0].Expressions[0].Value == true, nil
}

// checkLowTrust appends LOW_TRUST_INDEX if the arithmetic mean trust
// index across every surviving citation is below threshold.
func checkLowTrust(resp *types.CopilotResponse, threshold float64) {
	var sum float64
	var n int
	for _, f := range resp.Facts {
		for _, c := range f.Citations {
			sum += c.TrustIndex
			n++
		}
	}
	if n == 0 {
		return
	}
	if sum/float64(n) < threshold {
		resp.Warnings = append(resp.Warnings, types.Warning{Code: types.WarningLowTrustIndex})
	}
}
