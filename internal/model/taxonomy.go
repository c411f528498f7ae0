package model

import "strings"

// EntityType identifies a synchronizable entity family.
type EntityType string

// Operation identifies what a queued mutation does to its entity.
type Operation string

// Canonical entity types.
const (
	EntityUserProfile   EntityType = "user_profile"
	EntityWeightHistory EntityType = "weight_history"
	EntitySessions      EntityType = "sessions"
	EntitySetLogs       EntityType = "set_logs"
	EntityEstimatedMax  EntityType = "estimated_maxes"
	EntityAIFeedback    EntityType = "ai_feedback"
)

// Canonical operations.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// AllEntityTypes returns every entity type the engine synchronizes,
// in a stable order suitable for per-type pull iteration.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityUserProfile,
		EntityWeightHistory,
		EntitySessions,
		EntitySetLogs,
		EntityEstimatedMax,
		EntityAIFeedback,
	}
}

// IsValidEntityType checks if the given entity type string is known.
func IsValidEntityType(et string) bool {
	switch EntityType(et) {
	case EntityUserProfile, EntityWeightHistory, EntitySessions,
		EntitySetLogs, EntityEstimatedMax, EntityAIFeedback:
		return true
	default:
		return false
	}
}

// IsValidOperation checks if the given operation string is known.
func IsValidOperation(op string) bool {
	switch Operation(op) {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// NormalizeEntityType maps singular and plural spellings to the canonical
// entity type. Returns false when the entity type is not synchronizable.
func NormalizeEntityType(et string) (EntityType, bool) {
	switch strings.ToLower(et) {
	case "user_profile", "user_profiles", "profile":
		return EntityUserProfile, true
	case "weight", "weight_history", "weight_entries":
		return EntityWeightHistory, true
	case "session", "sessions":
		return EntitySessions, true
	case "set_log", "set_logs", "set":
		return EntitySetLogs, true
	case "estimated_max", "estimated_maxes":
		return EntityEstimatedMax, true
	case "ai_feedback":
		return EntityAIFeedback, true
	default:
		return "", false
	}
}
