package models

import (
	"time"

	"github.com/google/uuid"
)

// ActionType is the change log action taxonomy.
type ActionType string

// Actions written by CRUD collaborators. The consolidation core never writes
// these, but they share the ledger and decode as GenericDetails.
const (
	ActionCreateAccount   ActionType = "create_account"
	ActionUpdateAccount   ActionType = "update_account"
	ActionCreateLocation  ActionType = "create_location"
	ActionUpdateLocation  ActionType = "update_location"
	ActionCreateAgreement ActionType = "create_agreement"
	ActionUpdateAgreement ActionType = "update_agreement"
	ActionUploadContract  ActionType = "upload_contract"
	ActionAddNote         ActionType = "add_note"
	ActionLogActivity     ActionType = "log_activity"
)

// Actions written by the consolidation core.
const (
	ActionMergeAccount      ActionType = "merge_account"
	ActionMergeLocation     ActionType = "merge_location"
	ActionApplyScrapedField ActionType = "apply_scraped_field"
)

var knownActions = map[ActionType]bool{
	ActionCreateAccount:     true,
	ActionUpdateAccount:     true,
	ActionCreateLocation:    true,
	ActionUpdateLocation:    true,
	ActionCreateAgreement:   true,
	ActionUpdateAgreement:   true,
	ActionUploadContract:    true,
	ActionAddNote:           true,
	ActionLogActivity:       true,
	ActionMergeAccount:      true,
	ActionMergeLocation:     true,
	ActionApplyScrapedField: true,
}

// IsValid reports whether the action belongs to the taxonomy.
func (a ActionType) IsValid() bool {
	return knownActions[a]
}

func (a ActionType) String() string {
	return string(a)
}

// Entity types recorded in the change log.
const (
	EntityTypeAccount   = "account"
	EntityTypeLocation  = "location"
	EntityTypeAgreement = "agreement"
	EntityTypeActivity  = "activity"
	EntityTypeNote      = "note"
	EntityTypeUpload    = "upload"
)

// DefaultChangeLogLimit and MaxChangeLogLimit bound change log queries.
const (
	DefaultChangeLogLimit = 50
	MaxChangeLogLimit     = 500
)

// ChangeLogEntry is one immutable row of the change_log table.
type ChangeLogEntry struct {
	ID          uuid.UUID     `json:"id"`
	Sequence    int64         `json:"sequence"`
	ActionType  ActionType    `json:"action_type"`
	EntityType  string        `json:"entity_type"`
	EntityID    uuid.UUID     `json:"entity_id"`
	EntityName  string        `json:"entity_name"` // denormalized label for history views
	ActorID     string        `json:"actor_id"`
	Description string        `json:"description"`
	Details     ChangeDetails `json:"details,omitempty"`
	RelatedIDs  []uuid.UUID   `json:"related_ids,omitempty"` // other entities touched by the action
	CreatedAt   time.Time     `json:"created_at"`
}

// ChangeLogDraft is what a mutation hands to the ledger. The actor is filled
// in by the unit of work; id, sequence and timestamp by the ledger.
type ChangeLogDraft struct {
	EntityType  string
	EntityID    uuid.UUID
	EntityName  string
	Description string
	Details     ChangeDetails
	RelatedIDs  []uuid.UUID
}

// ChangeLogFilters narrows a change log query. Zero values mean "any".
type ChangeLogFilters struct {
	ActionType ActionType `json:"action_type,omitempty"`
	EntityType string     `json:"entity_type,omitempty"`
	EntityID   *uuid.UUID `json:"entity_id,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// EffectiveLimit applies the default and the hard cap.
func (f ChangeLogFilters) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultChangeLogLimit
	case f.Limit > MaxChangeLogLimit:
		return MaxChangeLogLimit
	default:
		return f.Limit
	}
}
