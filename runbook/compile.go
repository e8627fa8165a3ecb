package runbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lirancohen/mechane/expand"
	"github.com/lirancohen/mechane/pack"
	"github.com/lirancohen/mechane/policy"
	"github.com/lirancohen/mechane/telemetry"
	"github.com/lirancohen/mechane/verb"
)

// tracer is this package's instrumentation scope. Spans are no-ops
// until telemetry.Setup registers a global provider.
var tracer = otel.Tracer("github.com/lirancohen/mechane/runbook")

// DefaultPreviewLimit caps the steps rendered in a Compiled response.
const DefaultPreviewLimit = 5

// Response is the result of one compile call. Exactly one of the three
// implementations is returned: *Compiled, *Clarification, or
// *ConstraintViolation.
type Response interface {
	response()
}

// Compiled reports a successfully stored plan.
type Compiled struct {
	RunbookID           uuid.UUID
	Version             int64
	StepCount           int
	EnvelopeEntityCount int
	Preview             []string
}

// Clarification asks the caller to supply arguments the invocation is
// missing. It is a conversational outcome, not an error.
type Clarification struct {
	Question      string
	MissingFields []MissingField
	Context       string
}

// MissingField describes one argument the caller must provide.
type MissingField struct {
	FieldName   string
	Reason      string
	Suggestions []string
	Required    bool
}

// ConstraintViolation reports a pack gate rejection, with enough
// detail for the caller to act on it.
type ConstraintViolation struct {
	Explanation       string
	ViolatingVerbs    []string
	ActiveConstraints []string
	Remediation       []pack.Remedy
}

func (*Compiled) response()            {}
func (*Clarification) response()       {}
func (*ConstraintViolation) response() {}

// CompilerConfig configures a Compiler.
type CompilerConfig struct {
	// Registry resolves verb and macro definitions.
	// Required.
	Registry *verb.Registry

	// Oracle answers policy permission checks.
	// Required.
	Oracle policy.Oracle

	// Store persists compiled plans.
	// Required.
	Store Store

	// Catalog lists packs that remediation may propose activating.
	Catalog []pack.Pack

	// Limits bounds macro expansion. Zero fields use the expand
	// package defaults.
	Limits expand.Limits

	// PreviewLimit caps the preview lines in a Compiled response.
	// If zero, defaults to DefaultPreviewLimit.
	PreviewLimit int

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger
}

// Validate checks that the configuration is valid.
func (c *CompilerConfig) Validate() error {
	if c.Registry == nil {
		return errors.New("runbook: Registry is required")
	}
	if c.Oracle == nil {
		return errors.New("runbook: Oracle is required")
	}
	if c.Store == nil {
		return errors.New("runbook: Store is required")
	}
	return nil
}

func (c *CompilerConfig) withDefaults() CompilerConfig {
	cfg := *c
	if cfg.PreviewLimit <= 0 {
		cfg.PreviewLimit = DefaultPreviewLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return cfg
}

// Compiler turns invocations into stored, versioned runbooks. Safe for
// concurrent use.
type Compiler struct {
	registry *verb.Registry
	expander *expand.Expander
	oracle   policy.Oracle
	store    Store
	catalog  []pack.Pack
	preview  int
	logger   Logger
}

// NewCompiler creates a Compiler from the given configuration.
func NewCompiler(config CompilerConfig) (*Compiler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()
	return &Compiler{
		registry: cfg.Registry,
		expander: expand.New(cfg.Registry, cfg.Limits),
		oracle:   cfg.Oracle,
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		preview:  cfg.PreviewLimit,
		logger:   cfg.Logger,
	}, nil
}

// CompileInvocation runs the full pipeline: clarification check, macro
// expansion, DAG assembly, pack gate, policy gate, write-set and
// envelope derivation, then persistence. A hard failure in any phase
// aborts the compile with a *CompileError and nothing is stored.
func (c *Compiler) CompileInvocation(ctx context.Context, inv Invocation, sess Session) (_ Response, err error) {
	ctx, span := tracer.Start(ctx, "mechane.compile", trace.WithAttributes(
		attribute.String("mechane.invocation", inv.Name),
		attribute.String("mechane.session_id", sess.ID),
	))
	defer func() { telemetry.End(span, err) }()

	if clar := c.clarify(inv); clar != nil {
		c.logger.Debug("compilation needs clarification", "invocation", inv.Name, "missing", len(clar.MissingFields))
		return clar, nil
	}

	expanded, audits, err := c.expander.Expand(inv.Name, inv.Args, sess.Bindings)
	if err != nil {
		return nil, mapExpandError(err)
	}

	steps, err := Assemble(expanded, sess.Bindings)
	if err != nil {
		var dagErr *DagError
		if errors.As(err, &dagErr) {
			return nil, &CompileError{Phase: PhaseDag, Kind: KindDagError, Reason: dagErr.Reason, Verb: dagErr.Verb, cause: err}
		}
		return nil, compileError(PhaseDag, KindInternalError, err, "dag assembly: %v", err)
	}

	if resp := c.gatePacks(steps, sess); resp != nil {
		c.logger.Info("compilation rejected by pack constraints",
			"invocation", inv.Name, "session_id", sess.ID, "violating_verbs", resp.ViolatingVerbs)
		return resp, nil
	}

	if err := c.gatePolicy(ctx, steps, sess); err != nil {
		return nil, err
	}

	env := DeriveEnvelope(steps)
	ws := DeriveWriteSet(steps)

	rb := &Runbook{
		ID:            ContentID(steps, env),
		SessionID:     sess.ID,
		Invocation:    inv.Name,
		Steps:         steps,
		Envelope:      env,
		WriteSet:      ws,
		Audits:        convertAudits(audits),
		IntegrityHash: ComputeIntegrityHash(steps, env),
		CreatedAt:     time.Now().UTC(),
	}

	stored, err := c.store.Insert(ctx, rb)
	if err != nil {
		return nil, compileError(PhaseStore, KindStoreFailed, err, "persist runbook: %v", err)
	}
	span.SetAttributes(attribute.String("mechane.runbook_id", stored.ID.String()))

	c.logger.Info("runbook compiled",
		"runbook_id", stored.ID,
		"session_id", sess.ID,
		"version", stored.Version,
		"steps", len(stored.Steps),
		"envelope_entities", len(stored.Envelope.EntityIDs))

	return &Compiled{
		RunbookID:           stored.ID,
		Version:             stored.Version,
		StepCount:           len(stored.Steps),
		EnvelopeEntityCount: len(stored.Envelope.EntityIDs),
		Preview:             stored.Preview(c.preview),
	}, nil
}

// clarify checks the invocation's own required arguments. Unknown names
// fall through to expansion, which reports them as hard errors.
func (c *Compiler) clarify(inv Invocation) *Clarification {
	have := make(map[string]bool, len(inv.Args))
	for k := range inv.Args {
		have[k] = true
	}

	var missing []verb.ArgSpec
	switch c.registry.Classify(inv.Name) {
	case verb.ClassPrimitive:
		spec, err := c.registry.Verb(inv.Name)
		if err != nil {
			return nil
		}
		missing = spec.Missing(have)
	case verb.ClassMacro:
		m, err := c.registry.Macro(inv.Name)
		if err != nil {
			return nil
		}
		missing = m.Missing(have)
	default:
		return nil
	}
	if len(missing) == 0 {
		return nil
	}

	fields := make([]MissingField, 0, len(missing))
	names := make([]string, 0, len(missing))
	for _, m := range missing {
		names = append(names, m.Name)
		fields = append(fields, MissingField{
			FieldName:   m.Name,
			Reason:      m.Reason,
			Suggestions: m.Suggestions,
			Required:    m.Required,
		})
	}
	return &Clarification{
		Question:      fmt.Sprintf("%s is missing required arguments: %s", inv.Name, strings.Join(names, ", ")),
		MissingFields: fields,
		Context:       fmt.Sprintf("invocation %s with %d bound arguments", inv.Name, len(inv.Args)),
	}
}

// gatePacks checks the expanded verb and entity kind sets against the
// session's active packs. A rejection is a response, never an error.
func (c *Compiler) gatePacks(steps []Step, sess Session) *ConstraintViolation {
	constraints := pack.Effective(sess.Packs)
	if constraints.Unconstrained() {
		return nil
	}

	verbs := make([]string, 0, len(steps))
	kinds := make(map[string]string)
	for _, s := range steps {
		verbs = append(verbs, s.Verb)
		if spec, err := c.registry.Verb(s.Verb); err == nil {
			kinds[s.Verb] = spec.EntityKind
		}
	}

	violations := constraints.Check(verbs)
	flagged := make(map[string]bool, len(violations))
	for _, v := range violations {
		flagged[v.Verb] = true
	}
	for _, v := range constraints.CheckKinds(verbs, kinds) {
		if !flagged[v.Verb] {
			flagged[v.Verb] = true
			violations = append(violations, v)
		}
	}
	if len(violations) == 0 {
		return nil
	}

	violating := make([]string, 0, len(violations))
	for _, v := range violations {
		violating = append(violating, v.Verb)
	}
	return &ConstraintViolation{
		Explanation: fmt.Sprintf("the plan uses %d verbs the active packs do not permit: %s",
			len(violating), strings.Join(violating, ", ")),
		ViolatingVerbs:    violating,
		ActiveConstraints: describeRules(constraints.Rules()),
		Remediation:       pack.Remedies(constraints, violations, c.catalog, c.registry),
	}
}

// gatePolicy consults the oracle once per distinct verb, in step order.
// The first denial short-circuits the compile.
func (c *Compiler) gatePolicy(ctx context.Context, steps []Step, sess Session) error {
	seen := make(map[string]bool)
	for _, s := range steps {
		if seen[s.Verb] {
			continue
		}
		seen[s.Verb] = true

		decision, err := c.oracle.IsPermitted(ctx, s.Verb, sess.Actor, sess.Mode)
		if err != nil {
			return compileError(PhasePolicy, KindInternalError, err, "policy oracle unavailable: %v", err)
		}
		if !decision.Allowed {
			return &CompileError{Phase: PhasePolicy, Kind: KindSemRegDenied, Reason: decision.Reason, Verb: s.Verb}
		}
	}
	return nil
}

func describeRules(rules []pack.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		switch r.Kind {
		case pack.RuleAllow:
			out = append(out, fmt.Sprintf("pack %q allows only verbs: %s", r.Pack, strings.Join(r.Values, ", ")))
		case pack.RuleForbid:
			out = append(out, fmt.Sprintf("pack %q forbids verbs: %s", r.Pack, strings.Join(r.Values, ", ")))
		case pack.RuleAllowKinds:
			out = append(out, fmt.Sprintf("pack %q allows only entity kinds: %s", r.Pack, strings.Join(r.Values, ", ")))
		}
	}
	return out
}

func mapExpandError(err error) *CompileError {
	var cycleErr *expand.CycleError
	if errors.As(err, &cycleErr) {
		return &CompileError{
			Phase:  PhaseExpand,
			Kind:   KindCycleDetected,
			Reason: err.Error(),
			Trail:  cycleErr.Trail,
			cause:  err,
		}
	}
	if errors.Is(err, expand.ErrDepthExceeded) || errors.Is(err, expand.ErrStepsExceeded) {
		return compileError(PhaseExpand, KindLimitsExceeded, err, "%v", err)
	}
	return compileError(PhaseExpand, KindExpansionFailed, err, "%v", err)
}

func convertAudits(audits []expand.Audit) []ExpansionAudit {
	if len(audits) == 0 {
		return nil
	}
	out := make([]ExpansionAudit, len(audits))
	for i, a := range audits {
		out[i] = ExpansionAudit{
			Macro:        a.Macro,
			ArgsDigest:   a.ArgsDigest,
			OutputDigest: a.OutputDigest,
			Depth:        a.Depth,
		}
	}
	return out
}
