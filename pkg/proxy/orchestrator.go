// Package proxy drives a guarded completion call end to end: scan the
// input, call the upstream provider, scan the output, hand the decision
// trail to the async audit writer. The request lifecycle is tracked by an
// explicit state machine so every audit record names the exact stage the
// request ended in.
package proxy

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arunrao/rampart/pkg/config"
	"github.com/arunrao/rampart/pkg/exfil"
	"github.com/arunrao/rampart/pkg/finding"
	"github.com/arunrao/rampart/pkg/ml"
	"github.com/arunrao/rampart/pkg/persist"
	"github.com/arunrao/rampart/pkg/pii"
	"github.com/arunrao/rampart/pkg/policy"
)

// Orchestrator wires the detector stack, the policy store, the upstream
// provider, and the audit writer behind the three public operations:
// Analyze, Filter, and ProxyCall.
type Orchestrator struct {
	cfg      *config.Config
	router   *ml.Router
	pii      *pii.Engine
	exfil    *exfil.Scanner
	policies policy.Store
	provider Provider
	writer   *persist.Writer
}

// Deps collects the orchestrator's collaborators. Router, PII, and Exfil
// are optional; a nil detector simply contributes no findings. Provider
// may be nil for analyze-only deployments, in which case ProxyCall fails
// with a provider error. Writer may be nil to skip persistence.
type Deps struct {
	Config   *config.Config
	Router   *ml.Router
	PII      *pii.Engine
	Exfil    *exfil.Scanner
	Policies policy.Store
	Provider Provider
	Writer   *persist.Writer
}

// NewOrchestrator builds an orchestrator. A nil policy store falls back to
// the builtin default policy at the configured block threshold.
func NewOrchestrator(deps Deps) *Orchestrator {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	policies := deps.Policies
	if policies == nil {
		policies = policy.NewStaticStore(policy.DefaultPolicy(cfg.BlockThreshold))
	}
	return &Orchestrator{
		cfg:      cfg,
		router:   deps.Router,
		pii:      deps.PII,
		exfil:    deps.Exfil,
		policies: policies,
		provider: deps.Provider,
		writer:   deps.Writer,
	}
}

// collect runs the detectors appropriate for the phase and merges their
// findings. Input content goes through the injection router; output content
// goes through the exfiltration scanner instead, since instruction attacks
// in a response are the provider's problem, not ours. PII detection runs on
// both phases. The returned degraded flag reports whether the ML tier was
// unavailable.
func (o *Orchestrator) collect(ctx context.Context, content string, phase policy.Phase) (finding.Set, bool) {
	var merged finding.Set
	degraded := false

	if phase == policy.PhaseInput {
		if o.router != nil {
			route := o.router.Analyze(ctx, content)
			// Copy before appending: route.Findings may share a backing
			// array with the router's cached result.
			merged = append(make(finding.Set, 0, len(route.Findings)+2), route.Findings...)
			degraded = route.Degraded
		}
	} else {
		if o.exfil != nil {
			merged = append(merged, o.exfil.Scan(content)...)
		}
	}

	if o.pii != nil {
		merged = append(merged, o.pii.DetectFindings(ctx, content)...)
	}
	return merged, degraded
}

// Analyze runs the detector stack and the active policy over a single piece
// of content and returns the decision. Nothing is forwarded anywhere; this
// is the inspection endpoint.
func (o *Orchestrator) Analyze(ctx context.Context, content string, phase policy.Phase) (*policy.Decision, error) {
	pol, err := o.policies.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy snapshot: %w", err)
	}

	findings, degraded := o.collect(ctx, content, phase)
	d := policy.Evaluate(findings, content, pol)
	d.Phase = phase
	d.Degraded = degraded
	d.TraceID = uuid.NewString()
	return &d, nil
}

// FilterResult is the lightweight verdict returned by Filter.
type FilterResult struct {
	IsSafe          bool              `json:"is_safe"`
	Findings        finding.Set       `json:"findings,omitempty"`
	Risk            finding.RiskScore `json:"risk_score"`
	RedactedContent string            `json:"redacted_content,omitempty"`
	Degraded        bool              `json:"degraded,omitempty"`
}

// Filter runs only the requested detector groups and reports a plain
// safe/unsafe verdict against the block threshold, bypassing policy rules
// entirely. An empty filter list means all groups. When redact is set the
// detected PII is masked in RedactedContent; other groups are detect-only.
func (o *Orchestrator) Filter(ctx context.Context, content string, filters []string, redact bool) (*FilterResult, error) {
	want := make(map[string]bool, len(filters))
	for _, f := range filters {
		want[strings.ToLower(strings.TrimSpace(f))] = true
	}
	all := len(want) == 0

	var merged finding.Set
	degraded := false

	if (all || want[string(finding.GroupInjection)]) && o.router != nil {
		route := o.router.Analyze(ctx, content)
		merged = append(make(finding.Set, 0, len(route.Findings)+2), route.Findings...)
		degraded = route.Degraded
	}
	if (all || want[string(finding.GroupExfiltration)]) && o.exfil != nil {
		merged = append(merged, o.exfil.Scan(content)...)
	}

	res := &FilterResult{Degraded: degraded}
	if (all || want[string(finding.GroupPII)]) && o.pii != nil {
		entities := o.pii.Detect(ctx, content)
		merged = append(merged, pii.FindingsFromEntities(entities)...)
		if redact && len(entities) > 0 {
			redacted, err := o.pii.Redact(ctx, content, entities, pii.ModeFull)
			if err != nil {
				return nil, fmt.Errorf("redact: %w", err)
			}
			res.RedactedContent = redacted
		}
	}

	res.Findings = merged
	res.Risk = finding.ComputeRisk(merged)
	res.IsSafe = res.Risk.Overall < o.cfg.BlockThreshold
	return res, nil
}

// ProxyRequest is an inbound guarded completion call. Policy selects the
// rule set: empty uses the configured store, "default", "strict", and
// "permissive" select builtin presets.
type ProxyRequest struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model,omitempty"`
	Policy   string    `json:"policy,omitempty"`
}

// ProxyResult is the outcome of a guarded completion. Exactly one of
// Response and Refusal is set on a finished request; Decisions carries the
// per-phase policy decisions in the order they were made.
type ProxyResult struct {
	Response  string            `json:"response,omitempty"`
	Refusal   string            `json:"refusal,omitempty"`
	Blocked   bool              `json:"blocked"`
	State     State             `json:"state"`
	TraceID   string            `json:"trace_id"`
	Decisions []policy.Decision `json:"decisions"`
	Model     string            `json:"model,omitempty"`
	TokensIn  int               `json:"tokens_in,omitempty"`
	TokensOut int               `json:"tokens_out,omitempty"`
	CostUSD   float64           `json:"cost_usd,omitempty"`
	LatencyMs float64           `json:"latency_ms"`
	Degraded  bool              `json:"degraded,omitempty"`
}

// policyFor resolves the per-request policy selector.
func (o *Orchestrator) policyFor(ctx context.Context, name string) (*policy.Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return o.policies.Snapshot(ctx)
	case "default":
		return policy.DefaultPolicy(o.cfg.BlockThreshold), nil
	case "strict":
		return policy.DefaultPolicy(config.NewStrictConfig().BlockThreshold), nil
	case "permissive":
		return policy.DefaultPolicy(config.NewPermissiveConfig().BlockThreshold), nil
	default:
		return nil, fmt.Errorf("unknown policy %q", name)
	}
}

// userSurface joins the user-authored message contents into the text the
// input check scans. System prompts belong to the deployer and assistant
// turns were already checked on their way out, so neither is rescanned.
func userSurface(msgs []Message) string {
	var parts []string
	for _, m := range msgs {
		if strings.EqualFold(m.Role, "user") {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// redactUserMessages rewrites each user message through full PII
// redaction, leaving other roles untouched.
func (o *Orchestrator) redactUserMessages(ctx context.Context, msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i, m := range out {
		if !strings.EqualFold(m.Role, "user") || o.pii == nil {
			continue
		}
		redacted, err := o.pii.DetectAndRedact(ctx, m.Content)
		if err != nil {
			log.Printf("[WARN] input redaction failed, forwarding original message: %v", err)
			continue
		}
		out[i].Content = redacted
	}
	return out
}

// ProxyCall runs the full guarded flow: input check, provider call, output
// check, async persistence. A policy block is a successful gateway outcome
// and returns a nil error; a provider failure returns both the partial
// result and a *ProviderError so callers can distinguish upstream trouble
// from security refusals. The orchestrator never retries the provider.
func (o *Orchestrator) ProxyCall(ctx context.Context, req ProxyRequest) (*ProxyResult, error) {
	start := time.Now()
	m := newMachine()
	res := &ProxyResult{TraceID: uuid.NewString()}

	pol, err := o.policyFor(ctx, req.Policy)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = o.cfg.ProviderModel
	}
	res.Model = model

	// Input check.
	input := userSurface(req.Messages)
	findings, degraded := o.collect(ctx, input, policy.PhaseInput)
	res.Degraded = degraded

	inDec := policy.Evaluate(findings, input, pol)
	inDec.Phase = policy.PhaseInput
	inDec.Degraded = degraded
	inDec.TraceID = res.TraceID
	res.Decisions = append(res.Decisions, inDec)
	m.to(StateInputChecked)

	if inDec.Blocked() {
		m.to(StateBlockedInput)
		res.State = m.state
		res.Blocked = true
		res.Refusal = o.cfg.RefusalMessage
		res.LatencyMs = ms(start)
		o.persist(res)
		return res, nil
	}

	messages := req.Messages
	if inDec.Action == policy.ActionRedact {
		messages = o.redactUserMessages(ctx, messages)
	}

	// Provider call.
	m.to(StateProviderCalled)
	if o.provider == nil {
		m.to(StateProviderError)
		res.State = m.state
		res.LatencyMs = ms(start)
		o.persist(res)
		return res, &ProviderError{Err: fmt.Errorf("no provider configured")}
	}

	resp, err := o.provider.Complete(ctx, CompletionRequest{Model: model, Messages: messages})
	if err != nil {
		m.to(StateProviderError)
		res.State = m.state
		res.LatencyMs = ms(start)
		o.persist(res)
		perr, ok := err.(*ProviderError)
		if !ok {
			perr = &ProviderError{Err: err}
		}
		return res, perr
	}

	res.TokensIn = resp.TokensIn
	res.TokensOut = resp.TokensOut
	if resp.Model != "" {
		res.Model = resp.Model
	}
	res.CostUSD = CostUSD(res.Model, resp.TokensIn, resp.TokensOut)

	// Output check.
	outFindings, _ := o.collect(ctx, resp.Text, policy.PhaseOutput)
	outDec := policy.Evaluate(outFindings, resp.Text, pol)
	outDec.Phase = policy.PhaseOutput
	outDec.TraceID = res.TraceID
	res.Decisions = append(res.Decisions, outDec)
	m.to(StateOutputChecked)

	if outDec.Blocked() {
		// The raw completion never leaves the gateway.
		m.to(StateBlockedOutput)
		res.State = m.state
		res.Blocked = true
		res.Refusal = o.cfg.RefusalMessage
		res.LatencyMs = ms(start)
		o.persist(res)
		return res, nil
	}

	m.to(StateCompleted)
	res.State = m.state
	if outDec.Action == policy.ActionRedact && outDec.TransformedContent != "" {
		res.Response = outDec.TransformedContent
	} else {
		res.Response = resp.Text
	}
	res.LatencyMs = ms(start)
	o.persist(res)
	return res, nil
}

// persist hands the finished result to the async audit writer. Fire and
// forget: a saturated or failing writer never delays or fails the request.
func (o *Orchestrator) persist(res *ProxyResult) {
	if o.writer == nil {
		return
	}
	o.writer.Submit(persist.Record{
		TraceID:   res.TraceID,
		State:     string(res.State),
		Model:     res.Model,
		Decisions: res.Decisions,
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
		CostUSD:   res.CostUSD,
		LatencyMs: res.LatencyMs,
		Degraded:  res.Degraded,
		CreatedAt: time.Now().UTC(),
	})
}

func ms(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
