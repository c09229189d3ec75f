package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/apperrors"
	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/repositories"
)

// FieldPatchService applies operator-selected fields from a scraped
// candidate onto a canonical location.
type FieldPatchService interface {
	// ApplyFields overwrites exactly the listed fields of the location with
	// the candidate's proposed values. Unlisted fields are never written.
	ApplyFields(ctx context.Context, actor models.Actor, candidateID, locationID uuid.UUID, fields []string) (*models.Location, error)
}

type fieldPatchService struct {
	uow        UnitOfWork
	locations  repositories.LocationRepository
	candidates repositories.CandidateRepository
	logger     *zap.Logger
}

// NewFieldPatchService creates a FieldPatchService.
func NewFieldPatchService(
	uow UnitOfWork,
	locations repositories.LocationRepository,
	candidates repositories.CandidateRepository,
	logger *zap.Logger,
) FieldPatchService {
	return &fieldPatchService{
		uow:        uow,
		locations:  locations,
		candidates: candidates,
		logger:     logger.Named("field-patch"),
	}
}

var _ FieldPatchService = (*fieldPatchService)(nil)

func (s *fieldPatchService) ApplyFields(ctx context.Context, actor models.Actor, candidateID, locationID uuid.UUID, fields []string) (*models.Location, error) {
	const op = "ApplyFields"

	if err := requireAdmin(op, actor); err != nil {
		return nil, err
	}
	requested, err := validateFieldList(op, candidateID, locationID, fields)
	if err != nil {
		return nil, err
	}

	var updated *models.Location
	var applied []string
	_, err = s.uow.Run(ctx, actor, op, func(ctx context.Context, q database.Querier) (*models.ChangeLogDraft, error) {
		locked, err := s.locations.LockByIDs(ctx, q, []uuid.UUID{locationID})
		if err != nil {
			return nil, err
		}
		location, ok := locked[locationID]
		if !ok {
			return nil, apperrors.NotFound(op, "location %s not found", locationID)
		}
		if location.IsMerged() {
			return nil, apperrors.NotFound(op, "location %s was merged into %s", locationID, location.MergedIntoID)
		}

		candidate, err := s.candidates.GetByID(ctx, q, candidateID)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, apperrors.NotFound(op, "candidate record %s not found", candidateID)
		}
		if !candidate.IsMatchedTo(locationID) {
			return nil, apperrors.Conflict(op, "candidate record %s is not matched to location %s", candidateID, locationID)
		}

		values := make(map[string]string, len(requested))
		changes := make([]models.FieldChange, 0, len(requested))
		applied = make([]string, 0, len(requested))
		groupHits := map[string]int{}
		for _, r := range requested {
			proposed, ok := candidate.ProposedFields[r.field]
			switch {
			case r.group != "":
				if _, tracked := groupHits[r.group]; !tracked {
					groupHits[r.group] = 0
				}
				if !ok {
					continue
				}
				groupHits[r.group]++
			case !ok:
				return nil, apperrors.Validation(op, "candidate record %s proposes no value for %q", candidateID, r.field)
			}
			old, _ := location.Field(r.field)
			values[r.field] = proposed.Value
			applied = append(applied, r.field)
			changes = append(changes, models.FieldChange{
				Field:    r.field,
				Old:      old,
				New:      proposed.Value,
				Source:   proposed.Source,
				Verified: proposed.Verified,
			})
		}
		for group, hits := range groupHits {
			if hits == 0 {
				return nil, apperrors.Validation(op, "candidate record %s proposes no %s fields", candidateID, group)
			}
		}

		updated, err = s.locations.UpdateFields(ctx, q, locationID, values)
		if err != nil {
			return nil, err
		}
		if updated == nil {
			return nil, fmt.Errorf("location %s disappeared during update", locationID)
		}
		if err := s.candidates.MarkApplied(ctx, q, candidateID, time.Now().UTC()); err != nil {
			return nil, err
		}

		return &models.ChangeLogDraft{
			EntityType:  models.EntityTypeLocation,
			EntityID:    locationID,
			EntityName:  updated.Name,
			Description: applyFieldsDescription(applied, candidate.SourceURL),
			Details: &models.ApplyFieldsDetails{
				CandidateID: candidateID,
				SourceURL:   candidate.SourceURL,
				LocationID:  locationID,
				Fields:      applied,
				Changes:     changes,
			},
			RelatedIDs: []uuid.UUID{candidateID},
		}, nil
	})
	if err != nil {
		s.logger.Info("Apply fields rejected",
			zap.String("candidate_id", candidateID.String()),
			zap.String("location_id", locationID.String()),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Applied candidate fields",
		zap.String("candidate_id", candidateID.String()),
		zap.String("location_id", locationID.String()),
		zap.Strings("fields", applied))
	return updated, nil
}

// requestedField is one column selected for patching, directly or through a
// field group.
type requestedField struct {
	field string
	group string
}

// validateFieldList checks the request before any state is read and expands
// field groups into their columns, keeping request order.
func validateFieldList(op string, candidateID, locationID uuid.UUID, fields []string) ([]requestedField, error) {
	if candidateID == uuid.Nil {
		return nil, apperrors.Validation(op, "candidate id is required")
	}
	if locationID == uuid.Nil {
		return nil, apperrors.Validation(op, "location id is required")
	}
	if len(fields) == 0 {
		return nil, apperrors.Validation(op, "at least one field is required")
	}

	requested := make([]requestedField, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	add := func(field, group string) error {
		if seen[field] {
			return apperrors.Validation(op, "field %q listed more than once", field)
		}
		seen[field] = true
		requested = append(requested, requestedField{field: field, group: group})
		return nil
	}

	for _, f := range fields {
		if members, ok := models.LocationFieldGroups[f]; ok {
			for _, m := range members {
				if err := add(m, f); err != nil {
					return nil, err
				}
			}
			continue
		}
		if !models.IsPatchableLocationField(f) {
			return nil, apperrors.Validation(op, "field %q is not a patchable location field", f)
		}
		if err := add(f, ""); err != nil {
			return nil, err
		}
	}
	return requested, nil
}

func applyFieldsDescription(fields []string, sourceURL string) string {
	noun := "field"
	if len(fields) != 1 {
		noun = inflection.Plural(noun)
	}
	desc := fmt.Sprintf("Applied %d scraped %s (%s)", len(fields), noun, strings.Join(fields, ", "))
	if sourceURL != "" {
		desc += " from " + sourceURL
	}
	return desc
}

// fieldAccessor is implemented by entities whose string fields can be
// reconciled by name.
type fieldAccessor interface {
	Field(name string) (string, bool)
	SetField(name, value string) bool
}

// reconcileBlanks copies src values onto dst for the named fields where dst
// is blank and src is not. The destination's existing data always wins.
// dst is updated in place; the returned map holds the columns to persist.
func reconcileBlanks(dst, src fieldAccessor, fields []string, source string) (map[string]string, []models.FieldChange) {
	values := map[string]string{}
	var changes []models.FieldChange
	for _, field := range fields {
		have, ok := dst.Field(field)
		if !ok || strings.TrimSpace(have) != "" {
			continue
		}
		offered, _ := src.Field(field)
		if strings.TrimSpace(offered) == "" {
			continue
		}
		dst.SetField(field, offered)
		values[field] = offered
		changes = append(changes, models.FieldChange{
			Field:  field,
			Old:    have,
			New:    offered,
			Source: source,
		})
	}
	return values, changes
}

// ReconcileLocation fills blank fields of dst from the folded duplicate src.
func ReconcileLocation(dst, src *models.Location) (map[string]string, []models.FieldChange) {
	return reconcileBlanks(dst, src, models.PatchableLocationFields, "location:"+src.ID.String())
}

// ReconcileAgreement fills a blank document URL on dst from src.
func ReconcileAgreement(dst, src *models.Agreement) (map[string]string, []models.FieldChange) {
	return reconcileBlanks(dst, src, models.ReconcilableAgreementFields, "agreement:"+src.ID.String())
}

func requireAdmin(op string, actor models.Actor) error {
	if actor.ID == "" {
		return apperrors.Validation(op, "actor id is required")
	}
	if !actor.CanAdminMutate {
		return apperrors.Forbidden(op, "actor %q may not perform admin mutations", actor.ID)
	}
	return nil
}
