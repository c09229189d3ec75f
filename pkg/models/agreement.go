package models

import (
	"time"

	"github.com/google/uuid"
)

// Agreement status values.
const (
	AgreementStatusDraft      = "draft"
	AgreementStatusActive     = "active"
	AgreementStatusExpired    = "expired"
	AgreementStatusTerminated = "terminated"
	AgreementStatusMerged     = "merged"
)

// Agreement is a contract attached to a Location. Agreements never attach
// directly to an Account.
type Agreement struct {
	ID            uuid.UUID  `json:"id"`
	LocationID    uuid.UUID  `json:"location_id"`
	AgreementType string     `json:"agreement_type"`
	Status        string     `json:"status"`
	Title         string     `json:"title"`
	DocumentURL   string     `json:"document_url"`
	MergedIntoID  *uuid.UUID `json:"merged_into_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsMerged reports whether the agreement was folded into another one.
func (a *Agreement) IsMerged() bool {
	return a.Status == AgreementStatusMerged
}

// AgreementFieldDocumentURL is the only agreement column a fold may fill in.
// Title and type form the identity key and never change during a merge.
const AgreementFieldDocumentURL = "document_url"

// ReconcilableAgreementFields lists the agreement fields filled from a folded
// duplicate when blank on the survivor.
var ReconcilableAgreementFields = []string{AgreementFieldDocumentURL}

// Field returns the value of a reconcilable field.
func (a *Agreement) Field(name string) (string, bool) {
	if name == AgreementFieldDocumentURL {
		return a.DocumentURL, true
	}
	return "", false
}

// SetField sets a reconcilable field. Returns false for unknown names.
func (a *Agreement) SetField(name, value string) bool {
	if name == AgreementFieldDocumentURL {
		a.DocumentURL = value
		return true
	}
	return false
}
