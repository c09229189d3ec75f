package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ChangeDetails is the structured payload of a change log entry. Each action
// type has its own variant; all of them serialize to a JSON object stored in
// the details jsonb column.
type ChangeDetails interface {
	Action() ActionType
}

// FieldChange records one field's value before and after a mutation.
type FieldChange struct {
	Field    string `json:"field"`
	Old      string `json:"old"`
	New      string `json:"new"`
	Source   string `json:"source,omitempty"`
	Verified bool   `json:"verified,omitempty"`
}

// MovedChild is a child whose foreign key was repointed.
type MovedChild struct {
	Kind         ChildKind `json:"kind"`
	ID           uuid.UUID `json:"id"`
	Label        string    `json:"label"`
	FromParentID uuid.UUID `json:"from_parent_id"`
	ToParentID   uuid.UUID `json:"to_parent_id"`
}

// FoldedChild is a duplicate child folded into its destination counterpart.
type FoldedChild struct {
	Kind          ChildKind     `json:"kind"`
	SourceID      uuid.UUID     `json:"source_id"`
	DestinationID uuid.UUID     `json:"destination_id"`
	Label         string        `json:"label"`
	MatchKey      string        `json:"match_key"`
	Reconciled    []FieldChange `json:"reconciled,omitempty"`
	Moved         []MovedChild  `json:"moved,omitempty"`
	Folded        []FoldedChild `json:"folded,omitempty"`
}

// MergeDetails is recorded for merge_account and merge_location.
type MergeDetails struct {
	Kind            MergeKind     `json:"kind"`
	PlanID          uuid.UUID     `json:"plan_id"`
	SourceID        uuid.UUID     `json:"source_id"`
	SourceName      string        `json:"source_name"`
	DestinationID   uuid.UUID     `json:"destination_id"`
	DestinationName string        `json:"destination_name"`
	Moved           []MovedChild  `json:"moved"`
	Folded          []FoldedChild `json:"folded"`
}

func (d *MergeDetails) Action() ActionType {
	return d.Kind.Action()
}

// ApplyFieldsDetails is recorded for apply_scraped_field.
type ApplyFieldsDetails struct {
	CandidateID uuid.UUID     `json:"candidate_id"`
	SourceURL   string        `json:"source_url,omitempty"`
	LocationID  uuid.UUID     `json:"location_id"`
	Fields      []string      `json:"fields"`
	Changes     []FieldChange `json:"changes"`
}

func (d *ApplyFieldsDetails) Action() ActionType {
	return ActionApplyScrapedField
}

// GenericDetails carries the free-form payload of actions written by CRUD
// collaborators.
type GenericDetails struct {
	ActionType ActionType     `json:"-"`
	Values     map[string]any `json:"-"`
}

func (d *GenericDetails) Action() ActionType {
	return d.ActionType
}

// MarshalJSON writes the values as a flat object.
func (d *GenericDetails) MarshalJSON() ([]byte, error) {
	if d.Values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.Values)
}

// EncodeChangeDetails serializes details for the details column.
func EncodeChangeDetails(details ChangeDetails) ([]byte, error) {
	if details == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(details)
}

// DecodeChangeDetails rebuilds the typed variant for an action from its
// stored JSON form.
func DecodeChangeDetails(action ActionType, raw []byte) (ChangeDetails, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}

	switch action {
	case ActionMergeAccount, ActionMergeLocation:
		var d MergeDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", action, err)
		}
		if d.Kind == "" {
			d.Kind = MergeKindAccount
			if action == ActionMergeLocation {
				d.Kind = MergeKindLocation
			}
		}
		return &d, nil
	case ActionApplyScrapedField:
		var d ApplyFieldsDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", action, err)
		}
		return &d, nil
	default:
		values := map[string]any{}
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", action, err)
		}
		return &GenericDetails{ActionType: action, Values: values}, nil
	}
}
