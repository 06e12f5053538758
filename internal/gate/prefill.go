package gate

import (
	"github.com/AllybyWaiter/AllyGate/internal/models"
	"github.com/AllybyWaiter/AllyGate/internal/registry"
)

// Prefill trims and extends a requirement set using structured context. Rules
// only ever remove or add fields; nothing is marked as satisfied. The input set
// is left untouched and a new set is returned.
func Prefill(reg *registry.Registry, set registry.RequirementSet, sc models.StructuredContext, t models.ConversationType) registry.RequirementSet {
	var remove []models.FieldID

	if sc.KnownVolumeGallons != nil {
		remove = append(remove, models.FieldVolume, models.FieldTankSize)
	}

	switch {
	case t == models.ConversationPoolDosing && sc.WaterTypeIs(models.WaterTypePool),
		t == models.ConversationSpaDosing && sc.WaterTypeIs(models.WaterTypeSpa):
		remove = append(remove, models.FieldSanitizerType)
	}

	out := set.Without(remove...)

	if t == models.ConversationAquariumTreatment &&
		(sc.WaterTypeIs(models.WaterTypeSaltwater) || sc.WaterTypeIs(models.WaterTypeBrackish)) {
		if spec, ok := reg.Conditional(models.FieldSalinity); ok {
			out = out.With(spec)
		}
	}
	return out
}
