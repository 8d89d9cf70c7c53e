package engine

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/quorumauthz/core/internal/bytecode"
	"github.com/quorumauthz/core/internal/interpreter"
	"github.com/quorumauthz/core/internal/obs/decisionlog"
	"github.com/quorumauthz/core/internal/obs/metrics"
)

var tracer = otel.Tracer("github.com/quorumauthz/core/internal/engine")

// Engine evaluates EvaluationContexts against the active snapshot in a
// PolicyDataStore, combining matched policies via deny-overrides.
type Engine struct {
	store   *PolicyDataStore
	sink    decisionlog.Sink
	metrics *metrics.Metrics
}

// Option configures optional ambient concerns on an Engine.
type Option func(*Engine)

// WithDecisionLog attaches a sink every Decision is appended to after
// Evaluate returns. A nil sink (the default) disables logging entirely.
func WithDecisionLog(sink decisionlog.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithMetrics attaches Prometheus metrics recorded on every Evaluate call.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns an Engine reading from store.
func New(store *PolicyDataStore, opts ...Option) *Engine {
	e := &Engine{store: store}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// requestID extracts a best-effort request identifier from ec.Request for
// decision-log correlation. Empty if the host didn't set one.
func requestID(ec *EvaluationContext) string {
	v, ok := ec.Request["id"]
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

func principalID(ec *EvaluationContext) string {
	v, ok := ec.Principal["id"]
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

func resourceID(ec *EvaluationContext) string {
	v, ok := ec.Resource["id"]
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

func actionID(ec *EvaluationContext) string {
	v, ok := ec.Action["id"]
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

// hostAdapter bridges an EvaluationContext's optional approval/relationship
// stores into interpreter.HostCalls. A nil store answers every call with
// "no" rather than failing, so policies that reference has_approval/
// has_relationship without a configured store simply never match on that
// predicate instead of erroring out every evaluation.
type hostAdapter struct {
	ctx *EvaluationContext
}

func (h hostAdapter) HasApproval(ctx context.Context, identity, resource, action string) (bool, error) {
	if h.ctx.ApprovalStore == nil {
		return false, nil
	}
	return h.ctx.ApprovalStore.HasLive(ctx, h.ctx.Scope, identity, resource, action)
}

func (h hostAdapter) HasRelationship(ctx context.Context, subject, relation, object string) (bool, error) {
	if h.ctx.RelationshipStore == nil {
		return false, nil
	}
	return h.ctx.RelationshipStore.Has(ctx, h.ctx.Scope, subject, relation, object)
}

func (h hostAdapter) HasTransitiveRelationship(ctx context.Context, subject, relation, object string, maxDepth int) (bool, error) {
	if h.ctx.RelationshipStore == nil {
		return false, nil
	}
	return h.ctx.RelationshipStore.HasTransitive(ctx, h.ctx.Scope, subject, relation, object, maxDepth)
}

// candidatePolicies returns the policies applicable to rt, in the order
// built by the compiler: resource-type-specific policies first, then
// wildcard (AllResourceTypes) policies.
func candidatePolicies(snap *Snapshot, rt bytecode.ResourceTypeId) []*bytecode.CompiledPolicy {
	names := snap.snap.ResourceIndex[rt]
	if rt != bytecode.AllResourceTypes {
		merged := make([]string, 0, len(names)+len(snap.snap.ResourceIndex[bytecode.AllResourceTypes]))
		merged = append(merged, names...)
		merged = append(merged, snap.snap.ResourceIndex[bytecode.AllResourceTypes]...)
		names = merged
	}
	out := make([]*bytecode.CompiledPolicy, 0, len(names))
	for _, n := range names {
		if p, ok := snap.snap.PolicyByName(n); ok {
			out = append(out, p)
		}
	}
	return out
}

func requestedResourceType(ec *EvaluationContext) bytecode.ResourceTypeId {
	v, ok := ec.Resource["type"]
	if !ok {
		return bytecode.AllResourceTypes
	}
	i, ok := v.AsInt()
	if !ok {
		return bytecode.AllResourceTypes
	}
	return bytecode.ResourceTypeId(i)
}

// deciderMatch is one policy that triggered and held, kept until the final
// deny-overrides outcome is known so the collected matches can be filtered
// down to only the policies that actually decided it.
type deciderMatch struct {
	name   string
	reason string
	effect bytecode.Effect
}

// policyReasonText renders a matched policy's contribution to Decision.Reason:
// name, optionally ": description", optionally " (custom reason)" from an
// `allow|deny with "reason"` clause.
func policyReasonText(p *bytecode.CompiledPolicy) string {
	text := p.Name
	if p.Description != "" {
		text += ": " + p.Description
	}
	if p.Reason != "" {
		text += " (" + p.Reason + ")"
	}
	return text
}

// Evaluate runs every policy applicable to ec.Resource's type against ec,
// combining the results via deny-overrides: any matched Deny policy whose
// requires clause held wins outright; otherwise any matched Allow policy
// whose requires clause held wins; otherwise the default is Deny.
//
// An error while evaluating a policy's triggers clause is absorbed: that
// policy is treated as non-matching and evaluation continues. An error
// while evaluating a matched policy's requires clause is fatal and
// fail-closed: Evaluate returns a Deny Decision carrying the error as its
// reason, without trying any further policy.
func (e *Engine) Evaluate(ctx context.Context, ec *EvaluationContext) (Decision, error) {
	ctx, span := tracer.Start(ctx, "Engine.Evaluate")
	defer span.End()

	start := time.Now()
	snap := e.store.Current()
	rt := requestedResourceType(ec)
	candidates := candidatePolicies(snap, rt)

	resolver := contextResolver{ctx: ec, fm: snap.snap.FieldMap}
	hosts := hostAdapter{ctx: ec}

	finish := func(kind Kind, reason string, names []string) Decision {
		d := Decision{Kind: kind, MatchedPolicies: names, Reason: reason, EvaluatedAt: time.Now()}
		e.record(ctx, ec, d, time.Since(start))
		return d
	}

	var all []deciderMatch
	var denyMatched, allowMatched bool

	for _, p := range candidates {
		triggered, err := interpreter.Run(ctx, p.Name, p.Triggers, p.Constants, resolver, hosts)
		if err != nil || !triggered {
			continue
		}

		held, err := interpreter.Run(ctx, p.Name, p.Requires, p.Constants, resolver, hosts)
		if err != nil {
			return finish(Deny, err.Error(), nil), nil
		}
		if !held {
			continue
		}

		all = append(all, deciderMatch{name: p.Name, reason: policyReasonText(p), effect: p.Effect})
		switch p.Effect {
		case bytecode.EffectDeny:
			denyMatched = true
		case bytecode.EffectAllow:
			allowMatched = true
		}
	}

	kind := Deny
	decidingEffect := bytecode.EffectDeny
	if !denyMatched && allowMatched {
		kind = Allow
		decidingEffect = bytecode.EffectAllow
	}

	// Only the policies whose effect matches the outcome actually decided
	// it: a predicate (EffectNone) or an Allow policy evaluated alongside a
	// winning Deny never belongs in MatchedPolicies/Reason.
	var matched []string
	var reasons []string
	for _, m := range all {
		if m.effect != decidingEffect {
			continue
		}
		matched = append(matched, m.name)
		reasons = append(reasons, m.reason)
	}

	return finish(kind, strings.Join(reasons, "; "), matched), nil
}

// record observes the completed Decision via the engine's optional metrics
// and decision-log sink. Logging failures are swallowed: a broken sink
// must never turn a successful evaluation into an error.
func (e *Engine) record(ctx context.Context, ec *EvaluationContext, d Decision, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveDecision(d.Kind.String(), elapsed.Seconds())
	}
	if e.sink != nil {
		_ = e.sink.Append(ctx, decisionlog.Record{
			Timestamp:  d.EvaluatedAt,
			RequestID:  requestID(ec),
			Principal:  principalID(ec),
			Resource:   resourceID(ec),
			Action:     actionID(ec),
			Decision:   d.Kind.String(),
			Matched:    d.MatchedPolicies,
			Reason:     d.Reason,
			LatencyMic: elapsed.Microseconds(),
		})
	}
}
