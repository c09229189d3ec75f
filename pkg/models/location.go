package models

import (
	"time"

	"github.com/google/uuid"
)

// Patchable location field names. These are the only fields a candidate
// record may propose and the only columns ApplyFields will ever write.
const (
	LocationFieldName               = "name"
	LocationFieldPhone              = "phone"
	LocationFieldWebsite            = "website"
	LocationFieldEmail              = "email"
	LocationFieldAddressLine1       = "address_line1"
	LocationFieldAddressLine2       = "address_line2"
	LocationFieldCity               = "city"
	LocationFieldState              = "state"
	LocationFieldPostalCode         = "postal_code"
	LocationFieldLicenseDocumentURL = "license_document_url"
)

// PatchableLocationFields lists the patchable fields in column order.
var PatchableLocationFields = []string{
	LocationFieldName,
	LocationFieldPhone,
	LocationFieldWebsite,
	LocationFieldEmail,
	LocationFieldAddressLine1,
	LocationFieldAddressLine2,
	LocationFieldCity,
	LocationFieldState,
	LocationFieldPostalCode,
	LocationFieldLicenseDocumentURL,
}

// IsPatchableLocationField reports whether name is a known patchable field.
func IsPatchableLocationField(name string) bool {
	for _, f := range PatchableLocationFields {
		if f == name {
			return true
		}
	}
	return false
}

// LocationFieldAddress selects every address column at once.
const LocationFieldAddress = "address"

// LocationFieldGroups maps a group name to the columns it selects. A group
// applies whichever of its columns the candidate proposes.
var LocationFieldGroups = map[string][]string{
	LocationFieldAddress: {
		LocationFieldAddressLine1,
		LocationFieldAddressLine2,
		LocationFieldCity,
		LocationFieldState,
		LocationFieldPostalCode,
	},
}

// Location is a physical clinic site owned by exactly one Account.
type Location struct {
	ID                 uuid.UUID  `json:"id"`
	AccountID          uuid.UUID  `json:"account_id"`
	Name               string     `json:"name"`
	AddressLine1       string     `json:"address_line1"`
	AddressLine2       string     `json:"address_line2"`
	City               string     `json:"city"`
	State              string     `json:"state"`
	PostalCode         string     `json:"postal_code"`
	Phone              string     `json:"phone"`
	Website            string     `json:"website"`
	Email              string     `json:"email"`
	LicenseDocumentURL string     `json:"license_document_url"`
	Status             string     `json:"status"`
	MergedIntoID       *uuid.UUID `json:"merged_into_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsMerged reports whether the location was retired by a merge.
func (l *Location) IsMerged() bool {
	return l.Status == StatusMerged
}

// Field returns the value of a patchable field.
func (l *Location) Field(name string) (string, bool) {
	if p := l.fieldPtr(name); p != nil {
		return *p, true
	}
	return "", false
}

// SetField sets a patchable field. Returns false for unknown names.
func (l *Location) SetField(name, value string) bool {
	p := l.fieldPtr(name)
	if p == nil {
		return false
	}
	*p = value
	return true
}

func (l *Location) fieldPtr(name string) *string {
	switch name {
	case LocationFieldName:
		return &l.Name
	case LocationFieldPhone:
		return &l.Phone
	case LocationFieldWebsite:
		return &l.Website
	case LocationFieldEmail:
		return &l.Email
	case LocationFieldAddressLine1:
		return &l.AddressLine1
	case LocationFieldAddressLine2:
		return &l.AddressLine2
	case LocationFieldCity:
		return &l.City
	case LocationFieldState:
		return &l.State
	case LocationFieldPostalCode:
		return &l.PostalCode
	case LocationFieldLicenseDocumentURL:
		return &l.LicenseDocumentURL
	default:
		return nil
	}
}
