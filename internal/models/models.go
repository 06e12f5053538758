// Package models defines the core data structures for AllyGate.
//
// It includes the transcript, structured context and decision types shared by the
// gate engine, the scope classifier, the store and the HTTP API.
package models

import (
	"errors"
	"fmt"
	"math"
)

// Role identifies who authored a message in a transcript.
type Role string

const (
	// RoleUser marks content written by the person talking to the assistant.
	RoleUser Role = "user"
	// RoleAssistant marks content produced by the assistant.
	RoleAssistant Role = "assistant"
)

// IsValidRole checks if the given role is supported.
func IsValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Message is one turn of a conversation transcript.
type Message struct {
	Role          Role   `json:"role"`
	Content       string `json:"content"`
	HasAttachment bool   `json:"has_attachment,omitempty"`
	// ExternalID is the channel's ID for an inbound message, such as a Twilio MessageSid.
	ExternalID string `json:"external_id,omitempty"`
}

// WaterType is the declared kind of water body the conversation is about.
type WaterType string

const (
	WaterTypePool       WaterType = "pool"
	WaterTypeSpa        WaterType = "spa"
	WaterTypeFreshwater WaterType = "freshwater"
	WaterTypeSaltwater  WaterType = "saltwater"
	WaterTypeBrackish   WaterType = "brackish"
)

// IsValidWaterType checks if the given water type is supported.
func IsValidWaterType(w WaterType) bool {
	switch w {
	case WaterTypePool, WaterTypeSpa, WaterTypeFreshwater, WaterTypeSaltwater, WaterTypeBrackish:
		return true
	default:
		return false
	}
}

// StructuredContext carries facts already known about the user's water body.
// Nil pointers mean "unknown".
type StructuredContext struct {
	DeclaredWaterType  *WaterType `json:"declared_water_type,omitempty"`
	KnownVolumeGallons *float64   `json:"known_volume_gallons,omitempty"`
}

// WaterTypeIs reports whether a water type was declared and equals w.
func (c StructuredContext) WaterTypeIs(w WaterType) bool {
	return c.DeclaredWaterType != nil && *c.DeclaredWaterType == w
}

// ConversationType is the topical category of a turn.
type ConversationType string

const (
	ConversationPoolDosing        ConversationType = "pool_dosing"
	ConversationSpaDosing         ConversationType = "spa_dosing"
	ConversationAquariumTreatment ConversationType = "aquarium_treatment"
	ConversationGeneral           ConversationType = "general"
)

// IsValidConversationType checks if the given conversation type is supported.
func IsValidConversationType(t ConversationType) bool {
	switch t {
	case ConversationPoolDosing, ConversationSpaDosing, ConversationAquariumTreatment, ConversationGeneral:
		return true
	default:
		return false
	}
}

// FieldID names a datum the assistant needs before giving actionable guidance.
type FieldID string

const (
	FieldVolume           FieldID = "volume"
	FieldFreeChlorine     FieldID = "free_chlorine"
	FieldCombinedChlorine FieldID = "combined_chlorine"
	FieldPH               FieldID = "ph"
	FieldAlkalinity       FieldID = "alkalinity"
	FieldCYA              FieldID = "cya"
	FieldSanitizerType    FieldID = "sanitizer_type"
	FieldSanitizerLevel   FieldID = "sanitizer_level"
	FieldSpecies          FieldID = "species"
	FieldTankSize         FieldID = "tank_size"
	FieldAmmonia          FieldID = "ammonia"
	FieldNitrite          FieldID = "nitrite"
	FieldNitrate          FieldID = "nitrate"
	FieldTemperature      FieldID = "temperature"
	FieldSymptoms         FieldID = "symptoms"
	FieldTimeline         FieldID = "timeline"
	FieldSalinity         FieldID = "salinity"
)

// DetectionMap records, per required field, whether user text supplied it.
type DetectionMap map[FieldID]bool

// GateDecision is the outcome of the safety gate for a single turn.
type GateDecision struct {
	ConversationType ConversationType `json:"conversation_type"`
	MissingFields    []FieldID        `json:"missing_fields"`
	Detected         DetectionMap     `json:"detected"`
	RequiresGate     bool             `json:"requires_gate"`
	Instructions     *string          `json:"instructions,omitempty"`
}

// ScopeReason explains why a scope decision was reached.
type ScopeReason string

const (
	ScopeReasonAttachment   ScopeReason = "attachment"
	ScopeReasonEmpty        ScopeReason = "empty_message"
	ScopeReasonKeyword      ScopeReason = "domain_keyword"
	ScopeReasonContinuation ScopeReason = "conversation_continuation"
	ScopeReasonOffTopic     ScopeReason = "off_topic"
)

// ScopeDecision is the outcome of the domain-scope check for a single turn.
type ScopeDecision struct {
	InScope         bool        `json:"in_scope"`
	Reason          ScopeReason `json:"reason,omitempty"`
	RedirectMessage *string     `json:"redirect_message,omitempty"`
}

// ValidationError reports structurally malformed input. It indicates a broken
// integration rather than an ambiguous user message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrEmptyConversationID is returned when a conversation identifier is blank.
var ErrEmptyConversationID = errors.New("conversation id cannot be empty")

// ValidateTranscript checks every message for a known role.
func ValidateTranscript(messages []Message) error {
	for i, m := range messages {
		if !IsValidRole(m.Role) {
			return &ValidationError{
				Field:  fmt.Sprintf("messages[%d].role", i),
				Reason: fmt.Sprintf("unknown role %q", m.Role),
			}
		}
	}
	return nil
}

// Validate checks the structured context for unknown water types and
// non-finite or negative volumes.
func (c StructuredContext) Validate() error {
	if c.DeclaredWaterType != nil && !IsValidWaterType(*c.DeclaredWaterType) {
		return &ValidationError{
			Field:  "declared_water_type",
			Reason: fmt.Sprintf("unknown water type %q", *c.DeclaredWaterType),
		}
	}
	if v := c.KnownVolumeGallons; v != nil {
		if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
			return &ValidationError{
				Field:  "known_volume_gallons",
				Reason: fmt.Sprintf("must be a finite non-negative number, got %v", *v),
			}
		}
	}
	return nil
}

// UserContents returns the content of every user-authored message, in order.
func UserContents(messages []Message) []string {
	var out []string
	for _, m := range messages {
		if m.Role == RoleUser {
			out = append(out, m.Content)
		}
	}
	return out
}

// LastUserMessage returns the most recent user-authored message.
func LastUserMessage(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i], true
		}
	}
	return Message{}, false
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Recorded creates a recorded API response.
func Recorded() APIResponse {
	return APIResponse{Status: string(APIStatusRecorded)}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
