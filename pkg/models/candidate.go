package models

import (
	"time"

	"github.com/google/uuid"
)

// CandidateField is one proposed value from a scraped listing.
type CandidateField struct {
	Value      string  `json:"value"`
	Source     string  `json:"source"`
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence,omitempty"`
}

// CandidateRecord is an externally sourced proposal for a Location's fields.
// Rows are written by the scraping pipeline into scraped_results; the core
// only reads them and stamps LastAppliedAt.
type CandidateRecord struct {
	ID                uuid.UUID                 `json:"id"`
	MatchedLocationID *uuid.UUID                `json:"matched_location_id,omitempty"`
	SourceURL         string                    `json:"source_url"`
	ProposedFields    map[string]CandidateField `json:"proposed_fields"`
	LastAppliedAt     *time.Time                `json:"last_applied_at,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
}

// IsMatchedTo reports whether the candidate was matched to the location.
func (c *CandidateRecord) IsMatchedTo(locationID uuid.UUID) bool {
	return c.MatchedLocationID != nil && *c.MatchedLocationID == locationID
}
