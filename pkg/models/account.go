// Package models contains the entity graph for accounts-engine: corporate
// accounts, their locations, agreements, history records, the change log and
// the merge plan that the consolidation core computes.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity status values shared by accounts and locations.
const (
	StatusActive   = "active"
	StatusMerged   = "merged"
	StatusInactive = "inactive"
)

// Account types.
const (
	AccountTypeSingleLocation = "single_location"
	AccountTypeMultiLocation  = "multi_location"
)

// Account is a top-level corporate customer. Stored in the accounts table.
type Account struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`       // 'active', 'merged', 'inactive'
	AccountType  string     `json:"account_type"` // 'single_location', 'multi_location'
	MergedIntoID *uuid.UUID `json:"merged_into_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsMerged reports whether the account was retired by a merge.
func (a *Account) IsMerged() bool {
	return a.Status == StatusMerged
}
