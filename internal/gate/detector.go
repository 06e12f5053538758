package gate

import (
	"github.com/AllybyWaiter/AllyGate/internal/models"
	"github.com/AllybyWaiter/AllyGate/internal/registry"
	"github.com/AllybyWaiter/AllyGate/internal/textmatch"
)

// Detect reports, for every field in set, whether any of its trigger phrases
// appears in the user-authored messages. Assistant messages are never scanned so
// that the assistant's own questions cannot count as evidence. The returned map
// always has an entry for every field in set.
func Detect(messages []models.Message, set registry.RequirementSet, mode textmatch.Mode) models.DetectionMap {
	text := textmatch.Normalize(models.UserContents(messages))

	detected := make(models.DetectionMap, set.Len())
	for _, f := range set.Fields() {
		detected[f.ID] = mode.ContainsAny(text, f.Triggers)
	}
	return detected
}
