package models

import (
	"time"

	"github.com/google/uuid"
)

// MergeKind selects which kind of entity a plan consolidates.
type MergeKind string

const (
	MergeKindAccount  MergeKind = "account"
	MergeKindLocation MergeKind = "location"
)

// IsValid reports whether the kind is supported.
func (k MergeKind) IsValid() bool {
	return k == MergeKindAccount || k == MergeKindLocation
}

// Action returns the change log action recorded for this kind of merge.
func (k MergeKind) Action() ActionType {
	if k == MergeKindLocation {
		return ActionMergeLocation
	}
	return ActionMergeAccount
}

// ChildKind identifies a dependent record type.
type ChildKind string

const (
	ChildLocation  ChildKind = "location"
	ChildAgreement ChildKind = "agreement"
	ChildActivity  ChildKind = "activity"
	ChildNote      ChildKind = "note"
	ChildUpload    ChildKind = "upload"

	// ChildCandidate is a scraped result matched to a location. Matches are
	// never planned; they follow the surviving location when one is retired.
	ChildCandidate ChildKind = "candidate"
)

// Conflict reasons.
const (
	ConflictAmbiguous     = "ambiguous_match" // several destination children share the identity key
	ConflictNearDuplicate = "near_duplicate"  // name/title matches but the identity key differs
)

// Resolution targets a source child can be pinned to when resubmitting a plan.
const ResolutionReassign = "reassign"

// ChildRef is a lightweight reference to a dependent record.
type ChildRef struct {
	Kind      ChildKind `json:"kind"`
	ID        uuid.UUID `json:"id"`
	Label     string    `json:"label"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReassignAction moves a child's foreign key from the source to the
// destination, keeping its content and its own children unchanged.
type ReassignAction struct {
	Child ChildRef `json:"child"`
}

// DuplicateAction folds a source child into the destination child it was
// matched to. Nested is set for location duplicates inside an account merge
// and describes how the folded location's own children are consolidated.
type DuplicateAction struct {
	Source      ChildRef   `json:"source"`
	Destination ChildRef   `json:"destination"`
	MatchKey    string     `json:"match_key"`
	Nested      *MergePlan `json:"nested,omitempty"`
}

// UnresolvedConflict is a source child the planner refused to auto-resolve.
type UnresolvedConflict struct {
	Source     ChildRef   `json:"source"`
	Candidates []ChildRef `json:"candidates"`
	Reason     string     `json:"reason"`
	MatchKey   string     `json:"match_key,omitempty"`
}

// MergePlan is a pure description of a merge. Computing one never mutates
// stored data; only the executor acts on it.
type MergePlan struct {
	ID              uuid.UUID            `json:"id"`
	Kind            MergeKind            `json:"kind"`
	SourceID        uuid.UUID            `json:"source_id"`
	DestinationID   uuid.UUID            `json:"destination_id"`
	SourceName      string               `json:"source_name"`
	DestinationName string               `json:"destination_name"`
	Reassignments   []ReassignAction     `json:"reassignments"`
	Duplicates      []DuplicateAction    `json:"duplicates"`
	Conflicts       []UnresolvedConflict `json:"conflicts"`
	Unresolved      bool                 `json:"unresolved"`
	PlannedAt       time.Time            `json:"planned_at"`
}

// HasConflicts reports whether this plan or any nested plan carries an
// unresolved conflict. It does not trust the Unresolved flag alone.
func (p *MergePlan) HasConflicts() bool {
	if p.Unresolved || len(p.Conflicts) > 0 {
		return true
	}
	for _, d := range p.Duplicates {
		if d.Nested != nil && d.Nested.HasConflicts() {
			return true
		}
	}
	return false
}

// SourceChildIDs returns every direct source child the plan accounts for.
func (p *MergePlan) SourceChildIDs() []uuid.UUID {
	refs := p.SourceChildren()
	ids := make([]uuid.UUID, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	return ids
}

// SourceChildren returns the same children as SourceChildIDs, with the kind
// each action claims for them.
func (p *MergePlan) SourceChildren() []ChildRef {
	refs := make([]ChildRef, 0, len(p.Reassignments)+len(p.Duplicates)+len(p.Conflicts))
	for _, r := range p.Reassignments {
		refs = append(refs, r.Child)
	}
	for _, d := range p.Duplicates {
		refs = append(refs, d.Source)
	}
	for _, c := range p.Conflicts {
		refs = append(refs, c.Source)
	}
	return refs
}

// PlanRequest asks the planner for a plan. Resolutions pin source children
// (by id) either to a destination child id or to ResolutionReassign.
type PlanRequest struct {
	SourceID      uuid.UUID         `json:"source_id"`
	DestinationID uuid.UUID         `json:"destination_id"`
	Kind          MergeKind         `json:"kind"`
	Resolutions   map[string]string `json:"resolutions,omitempty"`
}

// MergeResult summarizes an executed merge.
type MergeResult struct {
	PlanID        uuid.UUID       `json:"plan_id"`
	Kind          MergeKind       `json:"kind"`
	SourceID      uuid.UUID       `json:"source_id"`
	DestinationID uuid.UUID       `json:"destination_id"`
	Moved         []MovedChild    `json:"moved"`
	Folded        []FoldedChild   `json:"folded"`
	ChangeLog     *ChangeLogEntry `json:"change_log"`
}
