package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParentKind identifies which kind of entity owns a history record.
type ParentKind string

const (
	ParentAccount  ParentKind = "account"
	ParentLocation ParentKind = "location"
)

// ParentRef points at the account or location owning a record.
// Exactly one of the account_id/location_id columns is set in storage.
type ParentRef struct {
	Kind ParentKind `json:"kind"`
	ID   uuid.UUID  `json:"id"`
}

// AccountParent returns a reference to an account.
func AccountParent(id uuid.UUID) ParentRef {
	return ParentRef{Kind: ParentAccount, ID: id}
}

// LocationParent returns a reference to a location.
func LocationParent(id uuid.UUID) ParentRef {
	return ParentRef{Kind: ParentLocation, ID: id}
}

func (p ParentRef) String() string {
	return fmt.Sprintf("%s:%s", p.Kind, p.ID)
}

// Activity types.
const (
	ActivityTypeCall    = "call"
	ActivityTypeEmail   = "email"
	ActivityTypeMeeting = "meeting"
	ActivityTypeVisit   = "visit"
	ActivityTypeOther   = "other"
)

// Activity is a logged interaction with an account or location.
type Activity struct {
	ID           uuid.UUID `json:"id"`
	Parent       ParentRef `json:"parent"`
	ActivityType string    `json:"activity_type"`
	Author       string    `json:"author"`
	OccurredAt   time.Time `json:"occurred_at"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}

// Note is a free-text note on an account or location.
type Note struct {
	ID        uuid.UUID `json:"id"`
	Parent    ParentRef `json:"parent"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Upload references a document held by external storage. Only the URL is
// ever stored here; binary content lives elsewhere.
type Upload struct {
	ID          uuid.UUID      `json:"id"`
	Parent      ParentRef      `json:"parent"`
	StorageURL  string         `json:"storage_url"`
	FileName    string         `json:"file_name"`
	ContentType string         `json:"content_type"`
	SizeBytes   int64          `json:"size_bytes"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
