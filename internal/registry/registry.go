// Package registry holds the requirement tables for the safety gate.
//
// A Registry maps each dosing or treatment conversation type to the ordered set of
// fields the assistant must collect before giving actionable guidance, together with
// the trigger phrases that count as evidence a user supplied each field. Registries
// are built once and never mutated; every transform on a RequirementSet returns a
// new set.
package registry

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed requirements.yaml
var defaultRequirements []byte

// gatedTypes are the conversation types that must have a requirement table.
var gatedTypes = []models.ConversationType{
	models.ConversationPoolDosing,
	models.ConversationSpaDosing,
	models.ConversationAquariumTreatment,
}

var (
	// ErrMissingType is returned when a loaded document omits a gated conversation type.
	ErrMissingType = errors.New("registry: missing conversation type")
	// ErrInvalidField is returned for a field with no id or no trigger phrases.
	ErrInvalidField = errors.New("registry: invalid field")
)

// FieldSpec describes one required field.
type FieldSpec struct {
	ID       models.FieldID `yaml:"id"`
	Label    string         `yaml:"label"`
	Triggers []string       `yaml:"triggers"`
}

func (f FieldSpec) clone() FieldSpec {
	f.Triggers = slices.Clone(f.Triggers)
	return f
}

// RequirementSet is an ordered, immutable collection of required fields.
type RequirementSet struct {
	fields []FieldSpec
}

// NewRequirementSet builds a set from the given specs. Later duplicates of an id
// are ignored.
func NewRequirementSet(specs ...FieldSpec) RequirementSet {
	out := make([]FieldSpec, 0, len(specs))
	seen := make(map[models.FieldID]bool, len(specs))
	for _, s := range specs {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s.clone())
	}
	return RequirementSet{fields: out}
}

// Len returns the number of fields in the set.
func (s RequirementSet) Len() int { return len(s.fields) }

// IDs returns the field ids in declaration order.
func (s RequirementSet) IDs() []models.FieldID {
	ids := make([]models.FieldID, len(s.fields))
	for i, f := range s.fields {
		ids[i] = f.ID
	}
	return ids
}

// Fields returns a copy of the field specs in declaration order.
func (s RequirementSet) Fields() []FieldSpec {
	out := make([]FieldSpec, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.clone()
	}
	return out
}

// Has reports whether the set contains id.
func (s RequirementSet) Has(id models.FieldID) bool {
	for _, f := range s.fields {
		if f.ID == id {
			return true
		}
	}
	return false
}

// Field returns the spec for id.
func (s RequirementSet) Field(id models.FieldID) (FieldSpec, bool) {
	for _, f := range s.fields {
		if f.ID == id {
			return f.clone(), true
		}
	}
	return FieldSpec{}, false
}

// Without returns a new set with the given ids removed.
func (s RequirementSet) Without(ids ...models.FieldID) RequirementSet {
	out := make([]FieldSpec, 0, len(s.fields))
	for _, f := range s.fields {
		if slices.Contains(ids, f.ID) {
			continue
		}
		out = append(out, f.clone())
	}
	return RequirementSet{fields: out}
}

// With returns a new set with spec appended. If the id is already present the
// result is an unchanged copy.
func (s RequirementSet) With(spec FieldSpec) RequirementSet {
	return NewRequirementSet(append(s.Fields(), spec)...)
}

// Critical returns the ids that must all be satisfied before the gate releases.
// Every required field is critical; there is no non-blocking tier.
func (s RequirementSet) Critical() []models.FieldID {
	return s.IDs()
}

// Registry holds the requirement table for every gated conversation type plus the
// conditional fields that context prefill may add.
type Registry struct {
	sets        map[models.ConversationType]RequirementSet
	conditional map[models.FieldID]FieldSpec
	labels      map[models.FieldID]string
	digest      string
}

type document struct {
	Version     int                                     `yaml:"version"`
	Types       map[models.ConversationType][]FieldSpec `yaml:"types"`
	Conditional []FieldSpec                             `yaml:"conditional"`
}

var defaultRegistry *Registry

func init() {
	reg, err := Parse(defaultRequirements)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse embedded requirement tables at startup: %v", err))
	}
	defaultRegistry = reg
}

// Default returns the registry built from the embedded requirement tables.
func Default() *Registry {
	return defaultRegistry
}

// Parse builds a registry from a YAML document.
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: failed to decode requirement tables: %w", err)
	}

	reg := &Registry{
		sets:        make(map[models.ConversationType]RequirementSet, len(gatedTypes)),
		conditional: make(map[models.FieldID]FieldSpec, len(doc.Conditional)),
		labels:      make(map[models.FieldID]string),
	}
	sum := sha256.Sum256(data)
	reg.digest = hex.EncodeToString(sum[:8])

	for _, t := range gatedTypes {
		specs, ok := doc.Types[t]
		if !ok || len(specs) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingType, t)
		}
		for i := range specs {
			normalized, err := normalizeSpec(specs[i])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", t, err)
			}
			specs[i] = normalized
			reg.addLabel(normalized)
		}
		reg.sets[t] = NewRequirementSet(specs...)
	}

	for _, spec := range doc.Conditional {
		normalized, err := normalizeSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("conditional: %w", err)
		}
		reg.conditional[normalized.ID] = normalized
		reg.addLabel(normalized)
	}

	slog.Debug("Registry.Parse: requirement tables loaded", "version", doc.Version, "types", len(reg.sets), "conditional", len(reg.conditional))
	return reg, nil
}

// Digest identifies the source document the registry was parsed from.
func (r *Registry) Digest() string {
	return r.digest
}

// Load builds a registry from a YAML stream.
func Load(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to read requirement tables: %w", err)
	}
	return Parse(data)
}

// LoadFile builds a registry from a YAML file on disk.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

func normalizeSpec(spec FieldSpec) (FieldSpec, error) {
	spec.ID = models.FieldID(strings.TrimSpace(string(spec.ID)))
	if spec.ID == "" {
		return spec, fmt.Errorf("%w: empty id", ErrInvalidField)
	}
	triggers := make([]string, 0, len(spec.Triggers))
	for _, t := range spec.Triggers {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			triggers = append(triggers, t)
		}
	}
	if len(triggers) == 0 {
		return spec, fmt.Errorf("%w: %s has no trigger phrases", ErrInvalidField, spec.ID)
	}
	spec.Triggers = triggers
	if spec.Label == "" {
		spec.Label = strings.ReplaceAll(string(spec.ID), "_", " ")
	}
	return spec, nil
}

func (r *Registry) addLabel(spec FieldSpec) {
	if _, ok := r.labels[spec.ID]; !ok {
		r.labels[spec.ID] = spec.Label
	}
}

// Requirements returns the base requirement set for t. General and unknown types
// have an empty set.
func (r *Registry) Requirements(t models.ConversationType) RequirementSet {
	return r.sets[t]
}

// Conditional returns a field that is only required in some contexts.
func (r *Registry) Conditional(id models.FieldID) (FieldSpec, bool) {
	spec, ok := r.conditional[id]
	if !ok {
		return FieldSpec{}, false
	}
	return spec.clone(), true
}

// Label returns the human-readable name of a field.
func (r *Registry) Label(id models.FieldID) string {
	if l, ok := r.labels[id]; ok {
		return l
	}
	return strings.ReplaceAll(string(id), "_", " ")
}
