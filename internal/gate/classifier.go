package gate

import (
	"slices"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	"github.com/AllybyWaiter/AllyGate/internal/textmatch"
)

// classifierWindow is how many recent user messages the classifier reads.
const classifierWindow = 3

// ClassificationRule describes how a conversation type is recognized. A rule matches
// when a topic keyword appears and the category is confirmed either by the declared
// water type or by a same-named keyword in the text.
type ClassificationRule struct {
	Type              models.ConversationType
	TopicKeywords     []string
	ConfirmWaterTypes []models.WaterType
	ConfirmKeywords   []string
}

var dosingTopics = []string{
	"chlorine", "bromine", "shock", "dose", "dosing", "how much", "ph", "alkalinity",
	"cya", "stabilizer", "chemical", "acid", "sanitizer", "algae", "cloudy", "green",
	"salt", "calcium", "hardness", "balance",
}

// ClassificationOrder is the priority in which rules are tested: pool, then spa,
// then aquarium. The first confirmed rule wins; General is the fallback. A message
// can match several categories' raw keywords, so this order must be kept.
var ClassificationOrder = []ClassificationRule{
	{
		Type:              models.ConversationPoolDosing,
		TopicKeywords:     dosingTopics,
		ConfirmWaterTypes: []models.WaterType{models.WaterTypePool},
		ConfirmKeywords:   []string{"pool"},
	},
	{
		Type:              models.ConversationSpaDosing,
		TopicKeywords:     dosingTopics,
		ConfirmWaterTypes: []models.WaterType{models.WaterTypeSpa},
		ConfirmKeywords:   []string{"spa", "hot tub", "hottub", "jacuzzi"},
	},
	{
		Type: models.ConversationAquariumTreatment,
		TopicKeywords: []string{
			"sick", "disease", "treat", "medication", "medicine", "medicate", "cure",
			"ammonia", "nitrite", "ich", "fin rot", "dying", "died", "dead", "symptom",
			"spots", "parasite", "fungus", "infection", "lethargic", "gasping",
			"not eating", "bloated",
		},
		ConfirmWaterTypes: []models.WaterType{
			models.WaterTypeFreshwater, models.WaterTypeSaltwater, models.WaterTypeBrackish,
		},
		ConfirmKeywords: []string{"fish", "tank", "aquarium"},
	},
}

// Classify maps the recent user messages and declared water type to a
// conversation type. Ambiguity and empty input fall back to General.
func Classify(messages []models.Message, declared *models.WaterType, mode textmatch.Mode) models.ConversationType {
	users := models.UserContents(messages)
	if len(users) > classifierWindow {
		users = users[len(users)-classifierWindow:]
	}
	text := textmatch.Normalize(users)
	if text == "" {
		return models.ConversationGeneral
	}

	for _, rule := range ClassificationOrder {
		if rule.matches(text, declared, mode) {
			return rule.Type
		}
	}
	return models.ConversationGeneral
}

func (r ClassificationRule) matches(text string, declared *models.WaterType, mode textmatch.Mode) bool {
	if !mode.ContainsAny(text, r.TopicKeywords) {
		return false
	}
	if declared != nil && slices.Contains(r.ConfirmWaterTypes, *declared) {
		return true
	}
	return mode.ContainsAny(text, r.ConfirmKeywords)
}
