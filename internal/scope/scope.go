// Package scope decides whether the assistant should engage with a conversation
// turn at all.
//
// It runs before the safety gate. Short acknowledgements inside an established
// water-care conversation stay in scope, while genuine topic drift is redirected.
// When in doubt the classifier answers out of scope.
package scope

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	"github.com/AllybyWaiter/AllyGate/internal/textmatch"
)

const (
	// RecentWindow is the number of recent user messages checked for an
	// established domain context.
	RecentWindow = 4
	// ShortMessageTokens is the longest message, in whitespace-separated tokens,
	// treated as a continuation of an in-domain conversation.
	ShortMessageTokens = 6
)

// RedirectMessage is returned to the user when a turn is out of scope.
const RedirectMessage = "I'm Ally, your water care assistant. I can help with pools, spas and hot tubs, " +
	"and aquariums: water testing, chemical balance, equipment, and fish health. " +
	"What would you like to know about your water?"

// DomainKeywords is the fixed vocabulary that marks a message as in-domain.
// Keywords match as whole words, so "spa" never matches "space" or "spain".
var DomainKeywords = []string{
	// water bodies
	"pool", "spa", "hot tub", "hottub", "jacuzzi", "aquarium", "tank", "fish", "reef",
	"coral", "pond", "koi", "shrimp", "water",
	// parameters
	"chlorine", "bromine", "ph level", "ph is", "my ph", "alkalinity", "ammonia", "nitrite",
	"nitrate", "salinity", "cyanuric", "cya", "stabilizer", "calcium", "hardness",
	"phosphate", "sanitizer", "shock",
	// equipment and testing
	"filter", "pump", "heater", "skimmer", "salt cell", "test strip", "test kit",
	// problems and livestock
	"algae", "betta", "goldfish", "cichlid", "guppy", "guppies", "tetra", "pleco", "ich", "fin rot",
}

// SoftInteraction is a kind of message that carries no new topic.
type SoftInteraction struct {
	Kind    string
	Pattern *regexp.Regexp
}

// SoftInteractions are matched against the trimmed last user message.
var SoftInteractions = []SoftInteraction{
	{
		Kind:    "greeting",
		Pattern: regexp.MustCompile(`(?i)^(hi|hello|hey|hiya|howdy|good (morning|afternoon|evening))( there| ally)?[\s!.,?]*$`),
	},
	{
		Kind:    "acknowledgement",
		Pattern: regexp.MustCompile(`(?i)^(thanks|thank you|thx|ty|ok|okay|k|got it|cool|great|awesome|perfect|nice|sounds good|will do|makes sense)( so much| a lot| again)?[\s!.,?]*$`),
	},
	{
		Kind:    "confirmation",
		Pattern: regexp.MustCompile(`(?i)^(yes|yeah|yep|yup|sure|correct|right|no|nope|nah|not yet)[\s!.,?]*$`),
	},
	{
		Kind:    "help",
		Pattern: regexp.MustCompile(`(?i)^(help|help me|help please|can you help( me)?|i need help)[\s!.,?]*$`),
	},
}

// MatchSoftInteraction returns the kind of soft interaction message is, if any.
func MatchSoftInteraction(message string) (string, bool) {
	trimmed := strings.TrimSpace(message)
	for _, s := range SoftInteractions {
		if s.Pattern.MatchString(trimmed) {
			return s.Kind, true
		}
	}
	return "", false
}

// Opts holds configuration options for the scope classifier.
type Opts struct {
	Vocabulary []string
	MatchMode  textmatch.Mode
}

// Option defines a configuration option for the scope classifier.
type Option func(*Opts)

// WithVocabulary replaces the domain keyword list.
func WithVocabulary(words []string) Option {
	return func(o *Opts) { o.Vocabulary = words }
}

// WithMatchMode overrides how keywords are matched. The default is textmatch.Word.
func WithMatchMode(m textmatch.Mode) Option {
	return func(o *Opts) { o.MatchMode = m }
}

// Classifier evaluates whether turns are within the assistant's domain.
type Classifier struct {
	vocabulary []string
	mode       textmatch.Mode
}

// NewClassifier creates a scope classifier.
func NewClassifier(opts ...Option) *Classifier {
	cfg := Opts{MatchMode: textmatch.Word}
	for _, opt := range opts {
		opt(&cfg)
	}
	vocab := DomainKeywords
	if len(cfg.Vocabulary) > 0 {
		vocab = make([]string, 0, len(cfg.Vocabulary))
		for _, w := range cfg.Vocabulary {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				vocab = append(vocab, w)
			}
		}
	}
	return &Classifier{vocabulary: vocab, mode: cfg.MatchMode}
}

// Evaluate decides whether the last user turn is in scope. It returns a
// *models.ValidationError when the transcript is structurally malformed.
func (c *Classifier) Evaluate(messages []models.Message) (models.ScopeDecision, error) {
	if err := models.ValidateTranscript(messages); err != nil {
		return models.ScopeDecision{}, fmt.Errorf("scope: %w", err)
	}

	last, ok := models.LastUserMessage(messages)
	switch {
	case !ok:
		return inScope(models.ScopeReasonEmpty), nil
	case last.HasAttachment:
		return inScope(models.ScopeReasonAttachment), nil
	case strings.TrimSpace(last.Content) == "":
		return inScope(models.ScopeReasonEmpty), nil
	}

	if c.hasDomainKeyword(last.Content) {
		return inScope(models.ScopeReasonKeyword), nil
	}

	users := models.UserContents(messages)
	if len(users) > RecentWindow {
		users = users[len(users)-RecentWindow:]
	}
	if c.hasDomainKeyword(strings.Join(users, " ")) {
		kind, soft := MatchSoftInteraction(last.Content)
		short := len(strings.Fields(last.Content)) <= ShortMessageTokens
		if soft || short {
			slog.Debug("Classifier.Evaluate: continuation of in-domain conversation", "softInteraction", kind, "short", short)
			return inScope(models.ScopeReasonContinuation), nil
		}
	}

	redirect := RedirectMessage
	return models.ScopeDecision{
		InScope:         false,
		Reason:          models.ScopeReasonOffTopic,
		RedirectMessage: &redirect,
	}, nil
}

// Vocabulary returns a copy of the domain keywords in use.
func (c *Classifier) Vocabulary() []string {
	return append([]string{}, c.vocabulary...)
}

// MatchMode returns the phrase matching mode in use.
func (c *Classifier) MatchMode() textmatch.Mode {
	return c.mode
}

func (c *Classifier) hasDomainKeyword(text string) bool {
	return c.mode.ContainsAny(strings.ToLower(text), c.vocabulary)
}

func inScope(reason models.ScopeReason) models.ScopeDecision {
	return models.ScopeDecision{InScope: true, Reason: reason}
}

var defaultClassifier = NewClassifier()

// Evaluate runs the scope check with the default vocabulary.
func Evaluate(messages []models.Message) (models.ScopeDecision, error) {
	return defaultClassifier.Evaluate(messages)
}
