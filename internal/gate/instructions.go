package gate

import (
	"slices"
	"strings"

	"github.com/AllybyWaiter/AllyGate/internal/models"
)

var intentDescriptions = map[models.ConversationType]string{
	models.ConversationPoolDosing:        "pool chemical dosing guidance",
	models.ConversationSpaDosing:         "spa or hot tub chemical dosing guidance",
	models.ConversationAquariumTreatment: "help treating a sick fish or an aquarium water problem",
}

var bodyNames = map[models.ConversationType]string{
	models.ConversationPoolDosing: "pool",
	models.ConversationSpaDosing:  "spa",
}

// BuildInstructions produces the steering block passed to the response generator
// when the gate is closed. labelOf maps a field id to the name shown to the user.
// It returns an empty string when nothing is missing.
func BuildInstructions(t models.ConversationType, missing []models.FieldID, labelOf func(models.FieldID) string) string {
	if len(missing) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n<SAFETY GATE>\n")
	b.WriteString("The user is asking for ")
	b.WriteString(intentDescriptions[t])
	b.WriteString(", but required information is missing.\nRespond as follows:\n")
	b.WriteString("1. Briefly acknowledge what the user is trying to do.\n")
	b.WriteString("2. Explain that you cannot give specific amounts, doses, or treatment steps until you have a few details.\n")
	b.WriteString("3. Ask for exactly these missing details:\n")
	for _, id := range missing {
		b.WriteString("   - ")
		b.WriteString(labelOf(id))
		b.WriteString("\n")
	}
	b.WriteString("4. Keep the reply short and friendly.\n")

	switch t {
	case models.ConversationPoolDosing, models.ConversationSpaDosing:
		if slices.Contains(missing, models.FieldVolume) {
			b.WriteString("- If the user does not know the ")
			b.WriteString(bodyNames[t])
			b.WriteString(" volume, offer the volume estimation helper (shape plus length, width, and average depth).\n")
		}
		b.WriteString("- Test strips or a test kit reading is enough; do not ask the user to buy anything.\n")
	case models.ConversationAquariumTreatment:
		b.WriteString("- If the symptoms sound severe or urgent (fish gasping at the surface, rapid deaths, open wounds), recommend contacting an aquatic veterinarian right away.\n")
		b.WriteString("- General tank care such as a partial water change may be mentioned, without quantities or medication.\n")
	}

	b.WriteString("- NEVER guess, assume, or invent any missing value, and NEVER state a dose, amount, or medication quantity in this reply.\n")
	b.WriteString("</SAFETY GATE>\n")

	return b.String()
}
