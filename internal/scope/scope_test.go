package scope

import (
	"errors"
	"testing"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	"github.com/AllybyWaiter/AllyGate/internal/textmatch"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func user(content string) models.Message {
	return models.Message{Role: models.RoleUser, Content: content}
}

func assistant(content string) models.Message {
	return models.Message{Role: models.RoleAssistant, Content: content}
}

func TestEvaluate_ScenarioC_ThanksWithoutContext(t *testing.T) {
	decision, err := Evaluate([]models.Message{user("thanks!")})
	require.NoError(t, err)

	assert.False(t, decision.InScope)
	assert.Equal(t, models.ScopeReasonOffTopic, decision.Reason)
	require.NotNil(t, decision.RedirectMessage)
	assert.Equal(t, RedirectMessage, *decision.RedirectMessage)
}

func TestEvaluate_ScenarioD_ThanksAfterAquariumQuestion(t *testing.T) {
	decision, err := Evaluate([]models.Message{
		user("my tank's ammonia is high"),
		assistant("Ammonia spikes are stressful for fish. How big is the tank?"),
		user("thanks"),
	})
	require.NoError(t, err)

	assert.True(t, decision.InScope)
	assert.Equal(t, models.ScopeReasonContinuation, decision.Reason)
	assert.Nil(t, decision.RedirectMessage)
}

func TestEvaluate_Rules(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
		inScope  bool
		reason   models.ScopeReason
	}{
		{
			name:     "attachment wins over off-topic text",
			messages: []models.Message{{Role: models.RoleUser, Content: "what is this?", HasAttachment: true}},
			inScope:  true,
			reason:   models.ScopeReasonAttachment,
		},
		{
			name:     "whitespace only",
			messages: []models.Message{user("   \n\t")},
			inScope:  true,
			reason:   models.ScopeReasonEmpty,
		},
		{
			name:     "no user messages",
			messages: []models.Message{assistant("Hi! How can I help?")},
			inScope:  true,
			reason:   models.ScopeReasonEmpty,
		},
		{
			name:     "empty transcript",
			messages: nil,
			inScope:  true,
			reason:   models.ScopeReasonEmpty,
		},
		{
			name:     "domain keyword",
			messages: []models.Message{user("Why is my POOL turning green?")},
			inScope:  true,
			reason:   models.ScopeReasonKeyword,
		},
		{
			name:     "off topic question",
			messages: []models.Message{user("Can you write me a cover letter for a marketing job?")},
			inScope:  false,
			reason:   models.ScopeReasonOffTopic,
		},
		{
			name:     "which is not ich",
			messages: []models.Message{user("Which laptop should I buy for college?")},
			inScope:  false,
			reason:   models.ScopeReasonOffTopic,
		},
		{
			name:     "space is not spa",
			messages: []models.Message{user("Recommend a good space documentary")},
			inScope:  false,
			reason:   models.ScopeReasonOffTopic,
		},
		{
			name:     "spain is not spa",
			messages: []models.Message{user("What is the capital of Spain?")},
			inScope:  false,
			reason:   models.ScopeReasonOffTopic,
		},
		{
			name:     "liverpool is not pool",
			messages: []models.Message{user("Is Liverpool playing tonight?")},
			inScope:  false,
			reason:   models.ScopeReasonOffTopic,
		},
		{
			name:     "graph is not ph",
			messages: []models.Message{user("This bar graph is confusing, can you explain the axes?")},
			inScope:  false,
			reason:   models.ScopeReasonOffTopic,
		},
		{
			name:     "plural keyword",
			messages: []models.Message{user("Do spas need a cover in winter?")},
			inScope:  true,
			reason:   models.ScopeReasonKeyword,
		},
		{
			name:     "fish has ich",
			messages: []models.Message{user("I think my guppies have ich")},
			inScope:  true,
			reason:   models.ScopeReasonKeyword,
		},
		{
			name: "short follow-up in context",
			messages: []models.Message{
				user("how much chlorine for my spa?"),
				assistant("What's the volume?"),
				user("about 400 gallons I think"),
			},
			inScope: true,
			reason:  models.ScopeReasonContinuation,
		},
		{
			name: "greeting in context",
			messages: []models.Message{
				user("my betta looks sick"),
				user("hello again"),
			},
			inScope: true,
			reason:  models.ScopeReasonContinuation,
		},
		{
			name: "long drift in context",
			messages: []models.Message{
				user("my pool is cloudy"),
				assistant("Let's check your readings."),
				user("actually can you tell me who won the football game last night and the final score?"),
			},
			inScope: false,
			reason:  models.ScopeReasonOffTopic,
		},
		{
			name: "assistant keywords do not establish context",
			messages: []models.Message{
				assistant("I can help with your pool, spa, or aquarium."),
				user("ok"),
			},
			inScope: false,
			reason:  models.ScopeReasonOffTopic,
		},
		{
			name: "context older than the window",
			messages: []models.Message{
				user("my koi look sick"),
				user("ok"),
				user("sure"),
				user("great"),
				user("bye now"),
			},
			inScope: false,
			reason:  models.ScopeReasonOffTopic,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := Evaluate(tt.messages)
			require.NoError(t, err)
			assert.Equal(t, tt.inScope, decision.InScope)
			assert.Equal(t, tt.reason, decision.Reason)
			if tt.inScope {
				assert.Nil(t, decision.RedirectMessage)
			} else {
				assert.NotNil(t, decision.RedirectMessage)
			}
		})
	}
}

func TestMatchSoftInteraction(t *testing.T) {
	tests := []struct {
		message string
		kind    string
		ok      bool
	}{
		{"hi", "greeting", true},
		{"Good morning!", "greeting", true},
		{"thanks!", "acknowledgement", true},
		{"Thank you so much.", "acknowledgement", true},
		{"  ok  ", "acknowledgement", true},
		{"yes", "confirmation", true},
		{"Nope", "confirmation", true},
		{"help", "help", true},
		{"can you help me?", "help", true},
		{"thanks, now write me a poem about cats", "", false},
		{"okay so what's the capital of France", "", false},
		{"history of rome", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			kind, ok := MatchSoftInteraction(tt.message)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestEvaluate_MalformedRole(t *testing.T) {
	_, err := Evaluate([]models.Message{{Role: "tool", Content: "x"}})
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "messages[0].role", verr.Field)
}

func TestEvaluate_Idempotent(t *testing.T) {
	messages := []models.Message{user("my tank's ammonia is high"), user("thanks")}
	first, err := Evaluate(messages)
	require.NoError(t, err)
	second, err := Evaluate(messages)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated evaluation differs (-first +second):\n%s", diff)
	}
}

func TestClassifier_CustomVocabulary(t *testing.T) {
	c := NewClassifier(WithVocabulary([]string{"  Terrarium ", ""}))

	decision, err := c.Evaluate([]models.Message{user("my terrarium is foggy")})
	require.NoError(t, err)
	assert.True(t, decision.InScope)

	decision, err = c.Evaluate([]models.Message{user("my pool is green")})
	require.NoError(t, err)
	assert.False(t, decision.InScope)
}

func TestClassifier_MatchMode(t *testing.T) {
	messages := []models.Message{user("which laptop has the best screen for graphic design work these days")}
	c := NewClassifier(WithVocabulary([]string{"ph"}))
	assert.Equal(t, textmatch.Word, c.MatchMode())
	decision, err := c.Evaluate(messages)
	require.NoError(t, err)
	assert.False(t, decision.InScope)

	decision, err = NewClassifier(WithVocabulary([]string{"ph"}), WithMatchMode(textmatch.Substring)).Evaluate(messages)
	require.NoError(t, err)
	assert.True(t, decision.InScope)
}
