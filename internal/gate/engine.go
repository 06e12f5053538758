// Package gate decides whether the assistant may give actionable numeric guidance
// (chemical dosing, medication treatment) for a conversation turn, or must first
// collect mandatory context from the user.
//
// Evaluation is a pure function of the transcript and the structured context: it
// keeps no state between calls, performs no I/O, and is safe for concurrent use.
// The engine never computes a dose and never fills in a value on the user's behalf;
// it only reports what is missing and how the response generator should ask for it.
package gate

import (
	"fmt"
	"log/slog"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	"github.com/AllybyWaiter/AllyGate/internal/registry"
	"github.com/AllybyWaiter/AllyGate/internal/textmatch"
)

// Opts holds configuration options for the gate engine.
type Opts struct {
	Registry         *registry.Registry
	BoundaryMatching bool
}

// Option defines a configuration option for the gate engine.
type Option func(*Opts)

// WithRegistry overrides the embedded requirement tables.
func WithRegistry(reg *registry.Registry) Option {
	return func(o *Opts) { o.Registry = reg }
}

// WithBoundaryMatching controls whether short trigger phrases such as "ph" or
// "cc" ignore occurrences inside longer words. It is on by default; passing
// false falls back to plain substring matching.
func WithBoundaryMatching(enabled bool) Option {
	return func(o *Opts) { o.BoundaryMatching = enabled }
}

// Engine combines classification, prefill and detection into a GateDecision.
type Engine struct {
	registry *registry.Registry
	mode     textmatch.Mode
}

// NewEngine creates a gate engine.
func NewEngine(opts ...Option) *Engine {
	cfg := Opts{BoundaryMatching: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.Default()
	}
	mode := textmatch.Substring
	if cfg.BoundaryMatching {
		mode = textmatch.Boundary
	}
	slog.Debug("gate.NewEngine: engine configured", "matchMode", mode.String())
	return &Engine{registry: cfg.Registry, mode: mode}
}

// Registry returns the requirement tables the engine evaluates against.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// MatchMode returns the phrase matching mode in use.
func (e *Engine) MatchMode() textmatch.Mode {
	return e.mode
}

// Requirements returns the trimmed requirement set for a conversation type under
// the given structured context.
func (e *Engine) Requirements(t models.ConversationType, sc models.StructuredContext) registry.RequirementSet {
	return Prefill(e.registry, e.registry.Requirements(t), sc, t)
}

// Evaluate runs the gate for one turn. It returns a *models.ValidationError when
// the transcript or context is structurally malformed.
func (e *Engine) Evaluate(messages []models.Message, sc models.StructuredContext) (models.GateDecision, error) {
	if err := models.ValidateTranscript(messages); err != nil {
		return models.GateDecision{}, fmt.Errorf("gate: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return models.GateDecision{}, fmt.Errorf("gate: %w", err)
	}

	convType := Classify(messages, sc.DeclaredWaterType, e.mode)
	if convType == models.ConversationGeneral {
		return models.GateDecision{
			ConversationType: convType,
			MissingFields:    []models.FieldID{},
			Detected:         models.DetectionMap{},
		}, nil
	}

	set := e.Requirements(convType, sc)
	detected := Detect(messages, set, e.mode)

	missing := []models.FieldID{}
	for _, id := range set.IDs() {
		if !detected[id] {
			missing = append(missing, id)
		}
	}

	requiresGate := false
	for _, id := range set.Critical() {
		if !detected[id] {
			requiresGate = true
			break
		}
	}

	decision := models.GateDecision{
		ConversationType: convType,
		MissingFields:    missing,
		Detected:         detected,
		RequiresGate:     requiresGate,
	}
	if requiresGate {
		instructions := BuildInstructions(convType, missing, e.registry.Label)
		decision.Instructions = &instructions
	}

	slog.Debug("Engine.Evaluate: gate decision", "conversationType", convType, "requiresGate", requiresGate, "missingFields", missing)
	return decision, nil
}

var defaultEngine = NewEngine()

// Evaluate runs the gate with the embedded requirement tables and substring matching.
func Evaluate(messages []models.Message, sc models.StructuredContext) (models.GateDecision, error) {
	return defaultEngine.Evaluate(messages, sc)
}
