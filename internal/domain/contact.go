// Package domain contains core domain types for the funnel relay.
package domain

import (
	"time"
)

// Stage is the coarse lifecycle marker of a contact. It is orthogonal to the
// fine-grained funnel step pointer.
type Stage string

const (
	// StageLead marks a contact that is being driven through the funnel.
	StageLead Stage = "lead"
	// StageHandoff marks a contact escalated to a human operator. It is sticky:
	// automation stays off until an operator releases the contact.
	StageHandoff Stage = "handoff"
)

// Contact represents one customer address on the messaging channel.
type Contact struct {
	ID                string    `json:"id"`
	Phone             string    `json:"phone"`
	Name              string    `json:"name"`
	Stage             Stage     `json:"current_stage"`
	CurrentStepKey    *string   `json:"current_step_key"`
	LastInteractionAt time.Time `json:"last_interaction_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// InHandoff returns true if a human operator owns the conversation.
func (c *Contact) InHandoff() bool {
	return c.Stage == StageHandoff
}

// Started returns true once the contact has been placed on a funnel step.
func (c *Contact) Started() bool {
	return c.CurrentStepKey != nil && *c.CurrentStepKey != ""
}

// StepKey returns the current step key or an empty string.
func (c *Contact) StepKey() string {
	if c.CurrentStepKey == nil {
		return ""
	}
	return *c.CurrentStepKey
}

// ContactUpdate is a partial update. Nil fields are left untouched.
type ContactUpdate struct {
	Name              *string
	Stage             *Stage
	CurrentStepKey    *string
	ClearStep         bool
	LastInteractionAt *time.Time
}

// IsEmpty reports whether the update would change nothing.
func (u ContactUpdate) IsEmpty() bool {
	return u.Name == nil && u.Stage == nil && u.CurrentStepKey == nil && !u.ClearStep && u.LastInteractionAt == nil
}

// Apply mirrors the store semantics on an in-memory contact.
func (u ContactUpdate) Apply(c *Contact) {
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Stage != nil {
		c.Stage = *u.Stage
	}
	if u.ClearStep {
		c.CurrentStepKey = nil
	}
	if u.CurrentStepKey != nil {
		key := *u.CurrentStepKey
		c.CurrentStepKey = &key
	}
	if u.LastInteractionAt != nil && u.LastInteractionAt.After(c.LastInteractionAt) {
		c.LastInteractionAt = *u.LastInteractionAt
	}
}
