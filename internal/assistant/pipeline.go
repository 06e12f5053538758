// Package assistant runs one conversation turn end to end: persist the user's
// message, decide scope, run the safety gate, generate a reply and record what
// was decided.
//
// The pipeline is the only caller of the response generator. An out-of-scope
// turn never reaches the gate or the generator, and a gated turn always carries
// the gate's instructions to the generator as system guidance.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/cache"
	"github.com/AllybyWaiter/AllyGate/internal/gate"
	"github.com/AllybyWaiter/AllyGate/internal/genai"
	"github.com/AllybyWaiter/AllyGate/internal/metrics"
	"github.com/AllybyWaiter/AllyGate/internal/models"
	"github.com/AllybyWaiter/AllyGate/internal/scope"
	"github.com/AllybyWaiter/AllyGate/internal/store"
)

// ErrGeneratorNotConfigured is returned when a reply is needed but no generator
// is wired into the pipeline.
var ErrGeneratorNotConfigured = errors.New("response generator not configured")

// Turn outcomes, used as metric labels and log attributes.
const (
	OutcomeRedirected = "redirected"
	OutcomeGated      = "gated"
	OutcomeAnswered   = "answered"
	OutcomeError      = "error"
)

// DecisionCache memoizes evaluations keyed by transcript, context and configuration.
type DecisionCache interface {
	Get(ctx context.Context, key string) (cache.Decisions, bool)
	Set(ctx context.Context, key string, d cache.Decisions)
}

// TurnResult is the outcome of one processed turn.
type TurnResult struct {
	ConversationID string               `json:"conversation_id"`
	Reply          string               `json:"reply,omitempty"`
	Scope          models.ScopeDecision `json:"scope"`
	Gate           *models.GateDecision `json:"gate,omitempty"`
	Generated      bool                 `json:"generated"`
}

// Outcome classifies the turn for metrics and logs.
func (r TurnResult) Outcome() string {
	switch {
	case !r.Scope.InScope:
		return OutcomeRedirected
	case r.Gate != nil && r.Gate.RequiresGate:
		return OutcomeGated
	default:
		return OutcomeAnswered
	}
}

// ReplyText returns the text to send back to the user: the redirect for an
// out-of-scope turn, otherwise the generated reply.
func (r TurnResult) ReplyText() (string, error) {
	if !r.Scope.InScope && r.Scope.RedirectMessage != nil {
		return *r.Scope.RedirectMessage, nil
	}
	if r.Generated {
		return r.Reply, nil
	}
	return "", ErrGeneratorNotConfigured
}

// Opts holds configuration options for the pipeline.
type Opts struct {
	Scope     *scope.Classifier
	Gate      *gate.Engine
	Generator genai.ClientInterface
	Cache     DecisionCache
	Metrics   *metrics.Recorder
}

// Option defines a configuration option for the pipeline.
type Option func(*Opts)

// WithScopeClassifier overrides the default scope classifier.
func WithScopeClassifier(c *scope.Classifier) Option {
	return func(o *Opts) { o.Scope = c }
}

// WithGateEngine overrides the default gate engine.
func WithGateEngine(e *gate.Engine) Option {
	return func(o *Opts) { o.Gate = e }
}

// WithGenerator sets the response generator. Without one the pipeline returns
// decisions only.
func WithGenerator(g genai.ClientInterface) Option {
	return func(o *Opts) { o.Generator = g }
}

// WithCache enables decision memoization.
func WithCache(c DecisionCache) Option {
	return func(o *Opts) { o.Cache = c }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Pipeline processes conversation turns against a store.
type Pipeline struct {
	store       store.Store
	scope       *scope.Classifier
	gate        *gate.Engine
	generator   genai.ClientInterface
	cache       DecisionCache
	metrics     *metrics.Recorder
	fingerprint string
}

// NewPipeline creates a pipeline over st.
func NewPipeline(st store.Store, opts ...Option) *Pipeline {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Scope == nil {
		cfg.Scope = scope.NewClassifier()
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.NewEngine()
	}
	p := &Pipeline{
		store:     st,
		scope:     cfg.Scope,
		gate:      cfg.Gate,
		generator: cfg.Generator,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
	}
	p.fingerprint = strings.Join([]string{
		"registry=" + cfg.Gate.Registry().Digest(),
		"gate=" + cfg.Gate.MatchMode().String(),
		"scope=" + cfg.Scope.MatchMode().String(),
		"vocabulary=" + strings.Join(cfg.Scope.Vocabulary(), "|"),
	}, ";")
	slog.Debug("assistant.NewPipeline: pipeline configured",
		"generator", cfg.Generator != nil, "cache", cfg.Cache != nil, "metrics", cfg.Metrics != nil)
	return p
}

// Store returns the conversation store.
func (p *Pipeline) Store() store.Store {
	return p.store
}

// HasGenerator reports whether replies are generated.
func (p *Pipeline) HasGenerator() bool {
	return p.generator != nil
}

// SetContext validates and stores a conversation's structured context.
func (p *Pipeline) SetContext(conversationID string, sc models.StructuredContext) error {
	id, err := models.CanonicalConversationID(conversationID)
	if err != nil {
		return err
	}
	if err := sc.Validate(); err != nil {
		return err
	}
	if err := p.store.SetContext(id, sc); err != nil {
		return fmt.Errorf("failed to store context: %w", err)
	}
	slog.Debug("Pipeline.SetContext: context updated", "conversationID", id)
	return nil
}

// EvaluateScope runs the scope classifier without touching the store.
func (p *Pipeline) EvaluateScope(messages []models.Message) (models.ScopeDecision, error) {
	d, err := p.scope.Evaluate(messages)
	if err == nil && p.metrics != nil {
		p.metrics.ObserveScope(d)
	}
	return d, err
}

// EvaluateGate runs the gate engine without touching the store.
func (p *Pipeline) EvaluateGate(messages []models.Message, sc models.StructuredContext) (models.GateDecision, error) {
	d, err := p.gate.Evaluate(messages, sc)
	if err == nil && p.metrics != nil {
		p.metrics.ObserveGate(d)
	}
	return d, err
}

// Evaluate runs scope and, when in scope, the gate, consulting the decision
// cache first. Gate is nil for an out-of-scope turn.
func (p *Pipeline) Evaluate(ctx context.Context, messages []models.Message, sc models.StructuredContext) (cache.Decisions, error) {
	var key string
	if p.cache != nil {
		k, err := cache.Key(messages, sc, p.fingerprint)
		if err != nil {
			slog.Warn("Pipeline.Evaluate: failed to derive cache key", "error", err)
		} else {
			key = k
			d, hit := p.cache.Get(ctx, key)
			if p.metrics != nil {
				p.metrics.ObserveCacheLookup(hit)
			}
			if hit {
				return d, nil
			}
		}
	}

	scopeDecision, err := p.scope.Evaluate(messages)
	if err != nil {
		return cache.Decisions{}, err
	}
	d := cache.Decisions{Scope: scopeDecision}
	if scopeDecision.InScope {
		gateDecision, err := p.gate.Evaluate(messages, sc)
		if err != nil {
			return cache.Decisions{}, err
		}
		d.Gate = &gateDecision
	}

	if key != "" {
		p.cache.Set(ctx, key, d)
	}
	return d, nil
}

// HandleTurn appends a user message to a conversation and produces the turn's
// decisions and, when a generator is configured, the assistant's reply.
func (p *Pipeline) HandleTurn(ctx context.Context, conversationID string, req models.TurnRequest) (TurnResult, error) {
	start := time.Now()
	result, err := p.handleTurn(ctx, conversationID, req)
	if p.metrics != nil {
		outcome := result.Outcome()
		if err != nil {
			outcome = OutcomeError
		}
		p.metrics.ObserveTurn(outcome, time.Since(start))
	}
	return result, err
}

func (p *Pipeline) handleTurn(ctx context.Context, conversationID string, req models.TurnRequest) (TurnResult, error) {
	id, err := models.CanonicalConversationID(conversationID)
	if err != nil {
		return TurnResult{}, err
	}
	if err := req.Validate(); err != nil {
		return TurnResult{}, err
	}

	userMessage := models.Message{Role: models.RoleUser, Content: req.Content, HasAttachment: req.HasAttachment, ExternalID: req.MessageID}
	if err := p.store.AppendMessage(id, userMessage); err != nil {
		return TurnResult{}, fmt.Errorf("failed to store user message: %w", err)
	}
	conv, err := p.store.GetConversation(id)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to load conversation: %w", err)
	}

	decisions, err := p.Evaluate(ctx, conv.Messages, conv.Context)
	if err != nil {
		return TurnResult{}, err
	}
	result := TurnResult{ConversationID: id, Scope: decisions.Scope, Gate: decisions.Gate}
	if p.metrics != nil {
		p.metrics.ObserveScope(decisions.Scope)
		if decisions.Gate != nil {
			p.metrics.ObserveGate(*decisions.Gate)
		}
	}

	switch {
	case !decisions.Scope.InScope:
		if decisions.Scope.RedirectMessage != nil {
			result.Reply = *decisions.Scope.RedirectMessage
			if err := p.store.AppendMessage(id, models.Message{Role: models.RoleAssistant, Content: result.Reply}); err != nil {
				return result, fmt.Errorf("failed to store redirect: %w", err)
			}
		}
	case p.generator != nil:
		var guidance string
		if decisions.Gate != nil && decisions.Gate.RequiresGate && decisions.Gate.Instructions != nil {
			guidance = *decisions.Gate.Instructions
		}
		reply, err := p.generator.Respond(ctx, conv.Messages, guidance)
		if err != nil {
			p.record(id, result)
			return result, fmt.Errorf("failed to generate reply: %w", err)
		}
		result.Reply = reply
		result.Generated = true
		if err := p.store.AppendMessage(id, models.Message{Role: models.RoleAssistant, Content: reply}); err != nil {
			return result, fmt.Errorf("failed to store reply: %w", err)
		}
	}

	p.record(id, result)
	slog.Info("Pipeline.HandleTurn: turn processed", "conversationID", id, "outcome", result.Outcome(),
		"scopeReason", result.Scope.Reason, "generated", result.Generated)
	return result, nil
}

// record writes the decision audit entry. Failures are logged and never fail the turn.
func (p *Pipeline) record(id string, result TurnResult) {
	rec := models.DecisionRecord{
		ConversationID: id,
		Scope:          result.Scope,
		Gate:           result.Gate,
		Generated:      result.Generated,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.AddDecision(rec); err != nil {
		slog.Error("Pipeline.record: failed to store decision", "error", err, "conversationID", id)
	}
}
