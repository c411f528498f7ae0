// Package model defines the synchronizable domain records and the
// entity/operation taxonomy shared by the store, queue, and sync engine.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is the envelope for any synchronizable entity. The payload carries
// the entity-specific fields; the envelope carries what the sync engine needs
// to order and address writes.
type Record struct {
	Type      EntityType      `json:"type"`
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Deleted   bool            `json:"deleted,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewID mints a client-side record identifier. IDs are generated locally so
// a new record never needs a server round-trip before its first write.
func NewID() string {
	return uuid.NewString()
}

// NewRecord builds a Record envelope around a payload struct, stamping
// UpdatedAt with the current UTC time.
func NewRecord(et EntityType, id string, payload any) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s payload: %w", et, err)
	}
	return Record{
		Type:      et,
		ID:        id,
		UpdatedAt: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// Validate checks the envelope invariants common to every record.
func (r Record) Validate() error {
	if !IsValidEntityType(string(r.Type)) {
		return fmt.Errorf("unknown entity type %q", r.Type)
	}
	if r.ID == "" {
		return fmt.Errorf("record of type %s has empty id", r.Type)
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("record %s/%s has zero updatedAt", r.Type, r.ID)
	}
	return nil
}

// UserProfile is the single per-user profile record. Its existence gates
// onboarding: no profile means the app shows the onboarding flow.
type UserProfile struct {
	Name            string  `json:"name"`
	BirthYear       int     `json:"birthYear,omitempty"`
	Sex             string  `json:"sex,omitempty"`
	CurrentWeightKg float64 `json:"currentWeightKg"`
	Unit            string  `json:"unit"` // "kg" or "lb", display only
}

// WeightEntry is one bodyweight measurement.
type WeightEntry struct {
	WeightKg   float64   `json:"weightKg"`
	MeasuredAt time.Time `json:"measuredAt"`
}

// Session is one workout session.
type Session struct {
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// SetLog is one logged set within a session.
type SetLog struct {
	SessionID  string  `json:"sessionId"`
	ExerciseID string  `json:"exerciseId"`
	Reps       int     `json:"reps"`
	WeightKg   float64 `json:"weightKg"`
	RPE        float64 `json:"rpe,omitempty"`
}

// EstimatedMax is a computed one-rep-max estimate for an exercise. The
// arithmetic lives outside the engine; the engine only syncs the result.
type EstimatedMax struct {
	ExerciseID  string    `json:"exerciseId"`
	OneRepMaxKg float64   `json:"oneRepMaxKg"`
	ComputedAt  time.Time `json:"computedAt"`
}

// AIFeedback is a stored piece of generated coaching text for a session.
type AIFeedback struct {
	SessionID   string    `json:"sessionId"`
	Text        string    `json:"text"`
	GeneratedAt time.Time `json:"generatedAt"`
}
