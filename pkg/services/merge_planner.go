package services

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/apperrors"
	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/normalize"
	"github.com/ekaya-inc/accounts-engine/pkg/repositories"
	"github.com/ekaya-inc/accounts-engine/pkg/tracing"
)

// historyKinds are always reassigned, never deduplicated.
var historyKinds = []models.ChildKind{models.ChildActivity, models.ChildNote, models.ChildUpload}

// MergePlanner computes merge plans. Planning only reads.
type MergePlanner interface {
	// PlanMerge describes how every child of the source would be
	// consolidated into the destination.
	PlanMerge(ctx context.Context, req models.PlanRequest) (*models.MergePlan, error)
}

type mergePlanner struct {
	reader     database.Querier
	accounts   repositories.AccountRepository
	locations  repositories.LocationRepository
	agreements repositories.AgreementRepository
	history    repositories.HistoryRepository
	policy     normalize.Policy
	now        func() time.Time
	logger     *zap.Logger
}

// NewMergePlanner creates a MergePlanner reading through reader.
func NewMergePlanner(
	reader database.Querier,
	accounts repositories.AccountRepository,
	locations repositories.LocationRepository,
	agreements repositories.AgreementRepository,
	history repositories.HistoryRepository,
	policy normalize.Policy,
	logger *zap.Logger,
) MergePlanner {
	return &mergePlanner{
		reader:     reader,
		accounts:   accounts,
		locations:  locations,
		agreements: agreements,
		history:    history,
		policy:     policy,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.Named("merge-planner"),
	}
}

var _ MergePlanner = (*mergePlanner)(nil)

func (p *mergePlanner) PlanMerge(ctx context.Context, req models.PlanRequest) (plan *models.MergePlan, err error) {
	const op = "PlanMerge"

	ctx, span := tracing.StartSpan(ctx, "services.MergePlanner.PlanMerge",
		attribute.String("kind", string(req.Kind)),
		attribute.String("source_id", req.SourceID.String()),
		attribute.String("destination_id", req.DestinationID.String()))
	defer func() { tracing.End(span, err) }()

	if !req.Kind.IsValid() {
		return nil, apperrors.Validation(op, "unknown merge kind %q", req.Kind)
	}
	if req.SourceID == uuid.Nil || req.DestinationID == uuid.Nil {
		return nil, apperrors.Validation(op, "source and destination ids are required")
	}
	if req.SourceID == req.DestinationID {
		return nil, apperrors.Validation(op, "source and destination are the same %s", req.Kind)
	}

	res, err := parseResolutions(op, req.Resolutions)
	if err != nil {
		return nil, err
	}

	b := &planBuilder{
		op:          op,
		q:           p.reader,
		p:           p,
		resolutions: res,
		used:        make(map[uuid.UUID]bool, len(res)),
		planID:      uuid.New(),
		at:          p.now(),
	}

	switch req.Kind {
	case models.MergeKindAccount:
		plan, err = b.planAccounts(ctx, req.SourceID, req.DestinationID)
	case models.MergeKindLocation:
		plan, err = b.planLocations(ctx, req.SourceID, req.DestinationID)
	}
	if err != nil {
		return nil, err
	}

	for id := range res {
		if !b.used[id] {
			return nil, apperrors.Validation(op, "resolution for %s does not name a child of the source", id)
		}
	}

	p.logger.Info("Computed merge plan",
		zap.String("plan_id", plan.ID.String()),
		zap.String("kind", string(plan.Kind)),
		zap.String("source_id", plan.SourceID.String()),
		zap.String("destination_id", plan.DestinationID.String()),
		zap.Int("reassignments", len(plan.Reassignments)),
		zap.Int("duplicates", len(plan.Duplicates)),
		zap.Int("conflicts", len(plan.Conflicts)),
		zap.Bool("unresolved", plan.Unresolved))
	return plan, nil
}

// resolution pins a source child. A nil target means reassign.
type resolution struct {
	target *uuid.UUID
}

func parseResolutions(op string, raw map[string]string) (map[uuid.UUID]resolution, error) {
	out := make(map[uuid.UUID]resolution, len(raw))
	for k, v := range raw {
		childID, err := uuid.Parse(k)
		if err != nil {
			return nil, apperrors.Validation(op, "resolution key %q is not a child id", k)
		}
		if v == models.ResolutionReassign {
			out[childID] = resolution{}
			continue
		}
		target, err := uuid.Parse(v)
		if err != nil {
			return nil, apperrors.Validation(op, "resolution for %s must be a destination child id or %q", childID, models.ResolutionReassign)
		}
		out[childID] = resolution{target: &target}
	}
	return out, nil
}

// planBuilder carries the state of one planning pass.
type planBuilder struct {
	op          string
	q           database.Querier
	p           *mergePlanner
	resolutions map[uuid.UUID]resolution
	used        map[uuid.UUID]bool
	planID      uuid.UUID
	at          time.Time
}

func (b *planBuilder) newPlan(kind models.MergeKind, srcID, dstID uuid.UUID, srcName, dstName string) *models.MergePlan {
	return &models.MergePlan{
		ID:              b.planID,
		Kind:            kind,
		SourceID:        srcID,
		DestinationID:   dstID,
		SourceName:      srcName,
		DestinationName: dstName,
		Reassignments:   []models.ReassignAction{},
		Duplicates:      []models.DuplicateAction{},
		Conflicts:       []models.UnresolvedConflict{},
		PlannedAt:       b.at,
	}
}

func (b *planBuilder) planAccounts(ctx context.Context, srcID, dstID uuid.UUID) (*models.MergePlan, error) {
	src, err := b.activeAccount(ctx, srcID, "source")
	if err != nil {
		return nil, err
	}
	dst, err := b.activeAccount(ctx, dstID, "destination")
	if err != nil {
		return nil, err
	}
	if dst.Status != models.StatusActive {
		return nil, apperrors.Conflict(b.op, "destination account %s is %s", dst.ID, dst.Status)
	}

	plan := b.newPlan(models.MergeKindAccount, src.ID, dst.ID, src.Name, dst.Name)

	srcLocs, err := b.p.locations.ListByAccount(ctx, b.q, src.ID, false)
	if err != nil {
		return nil, err
	}
	dstLocs, err := b.p.locations.ListByAccount(ctx, b.q, dst.ID, false)
	if err != nil {
		return nil, err
	}

	candidates := activeLocations(dstLocs)
	sortLocations(srcLocs)
	for _, loc := range srcLocs {
		if err := b.placeLocation(ctx, plan, loc, candidates); err != nil {
			return nil, err
		}
	}

	if err := b.reassignHistory(ctx, plan, models.AccountParent(src.ID)); err != nil {
		return nil, err
	}

	plan.Unresolved = plan.HasConflicts()
	return plan, nil
}

func (b *planBuilder) planLocations(ctx context.Context, srcID, dstID uuid.UUID) (*models.MergePlan, error) {
	src, err := b.activeLocation(ctx, srcID, "source")
	if err != nil {
		return nil, err
	}
	dst, err := b.activeLocation(ctx, dstID, "destination")
	if err != nil {
		return nil, err
	}
	if dst.Status != models.StatusActive {
		return nil, apperrors.Conflict(b.op, "destination location %s is %s", dst.ID, dst.Status)
	}

	plan, err := b.planLocationChildren(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	plan.Unresolved = plan.HasConflicts()
	return plan, nil
}

// planLocationChildren builds the plan folding src's agreements and history
// into dst. Used for top-level location merges and for nested plans.
func (b *planBuilder) planLocationChildren(ctx context.Context, src, dst *models.Location) (*models.MergePlan, error) {
	plan := b.newPlan(models.MergeKindLocation, src.ID, dst.ID, src.Name, dst.Name)

	srcAgreements, err := b.p.agreements.ListByLocation(ctx, b.q, src.ID, false)
	if err != nil {
		return nil, err
	}
	dstAgreements, err := b.p.agreements.ListByLocation(ctx, b.q, dst.ID, false)
	if err != nil {
		return nil, err
	}

	candidates := activeAgreements(dstAgreements)
	sortAgreements(srcAgreements)
	for _, a := range srcAgreements {
		if err := b.placeAgreement(ctx, plan, a, candidates); err != nil {
			return nil, err
		}
	}

	if err := b.reassignHistory(ctx, plan, models.LocationParent(src.ID)); err != nil {
		return nil, err
	}

	plan.Unresolved = plan.HasConflicts()
	return plan, nil
}

func (b *planBuilder) placeLocation(ctx context.Context, plan *models.MergePlan, loc *models.Location, candidates []*models.Location) error {
	ref := locationRef(loc)

	// Retired rows follow their parent and are never matched.
	if loc.IsMerged() {
		b.rejectResolution(loc.ID)
		plan.Reassignments = append(plan.Reassignments, models.ReassignAction{Child: ref})
		return nil
	}

	key := b.p.policy.LocationKey(loc.Name, loc.AddressLine1, loc.AddressLine2, loc.City, loc.State, loc.PostalCode)

	if r, ok := b.resolutions[loc.ID]; ok {
		b.used[loc.ID] = true
		if r.target == nil {
			plan.Reassignments = append(plan.Reassignments, models.ReassignAction{Child: ref})
			return nil
		}
		target := findLocation(candidates, *r.target)
		if target == nil {
			return apperrors.Validation(b.op, "resolution target %s is not an active location of the destination", *r.target)
		}
		return b.addLocationDuplicate(ctx, plan, loc, target, key)
	}

	var exact, partial []*models.Location
	name := b.p.policy.Text(loc.Name)
	for _, c := range candidates {
		switch {
		case b.p.policy.LocationKey(c.Name, c.AddressLine1, c.AddressLine2, c.City, c.State, c.PostalCode) == key:
			exact = append(exact, c)
		case b.p.policy.Text(c.Name) == name:
			partial = append(partial, c)
		}
	}

	switch {
	case len(exact) == 1:
		return b.addLocationDuplicate(ctx, plan, loc, exact[0], key)
	case len(exact) > 1:
		plan.Conflicts = append(plan.Conflicts, models.UnresolvedConflict{
			Source:     ref,
			Candidates: locationRefs(exact),
			Reason:     models.ConflictAmbiguous,
			MatchKey:   key,
		})
	case len(partial) > 0:
		plan.Conflicts = append(plan.Conflicts, models.UnresolvedConflict{
			Source:     ref,
			Candidates: locationRefs(partial),
			Reason:     models.ConflictNearDuplicate,
			MatchKey:   key,
		})
	default:
		plan.Reassignments = append(plan.Reassignments, models.ReassignAction{Child: ref})
	}
	return nil
}

func (b *planBuilder) addLocationDuplicate(ctx context.Context, plan *models.MergePlan, src, dst *models.Location, key string) error {
	nested, err := b.planLocationChildren(ctx, src, dst)
	if err != nil {
		return err
	}
	plan.Duplicates = append(plan.Duplicates, models.DuplicateAction{
		Source:      locationRef(src),
		Destination: locationRef(dst),
		MatchKey:    key,
		Nested:      nested,
	})
	return nil
}

func (b *planBuilder) placeAgreement(ctx context.Context, plan *models.MergePlan, a *models.Agreement, candidates []*models.Agreement) error {
	ref := agreementRef(a)

	if a.IsMerged() {
		b.rejectResolution(a.ID)
		plan.Reassignments = append(plan.Reassignments, models.ReassignAction{Child: ref})
		return nil
	}

	key := b.p.policy.AgreementKey(a.Title, a.AgreementType)

	if r, ok := b.resolutions[a.ID]; ok {
		b.used[a.ID] = true
		if r.target == nil {
			plan.Reassignments = append(plan.Reassignments, models.ReassignAction{Child: ref})
			return nil
		}
		target := findAgreement(candidates, *r.target)
		if target == nil {
			return apperrors.Validation(b.op, "resolution target %s is not an active agreement of the destination", *r.target)
		}
		plan.Duplicates = append(plan.Duplicates, models.DuplicateAction{
			Source:      ref,
			Destination: agreementRef(target),
			MatchKey:    key,
		})
		return nil
	}

	var exact, partial []*models.Agreement
	title := b.p.policy.Text(a.Title)
	for _, c := range candidates {
		switch {
		case b.p.policy.AgreementKey(c.Title, c.AgreementType) == key:
			exact = append(exact, c)
		case b.p.policy.Text(c.Title) == title:
			partial = append(partial, c)
		}
	}

	switch {
	case len(exact) == 1:
		plan.Duplicates = append(plan.Duplicates, models.DuplicateAction{
			Source:      ref,
			Destination: agreementRef(exact[0]),
			MatchKey:    key,
		})
	case len(exact) > 1:
		plan.Conflicts = append(plan.Conflicts, models.UnresolvedConflict{
			Source:     ref,
			Candidates: agreementRefs(exact),
			Reason:     models.ConflictAmbiguous,
			MatchKey:   key,
		})
	case len(partial) > 0:
		plan.Conflicts = append(plan.Conflicts, models.UnresolvedConflict{
			Source:     ref,
			Candidates: agreementRefs(partial),
			Reason:     models.ConflictNearDuplicate,
			MatchKey:   key,
		})
	default:
		plan.Reassignments = append(plan.Reassignments, models.ReassignAction{Child: ref})
	}
	return nil
}

func (b *planBuilder) reassignHistory(ctx context.Context, plan *models.MergePlan, parent models.ParentRef) error {
	for _, kind := range historyKinds {
		refs, err := b.p.history.ListByParent(ctx, b.q, kind, parent, false)
		if err != nil {
			return err
		}
		sortChildRefs(refs)
		for _, ref := range refs {
			b.rejectResolution(ref.ID)
			plan.Reassignments = append(plan.Reassignments, models.ReassignAction{Child: ref})
		}
	}
	return nil
}

// rejectResolution marks a resolution on an always-reassigned child as
// consumed. Such children are reassigned whatever the resolution says.
func (b *planBuilder) rejectResolution(id uuid.UUID) {
	if _, ok := b.resolutions[id]; ok {
		b.used[id] = true
	}
}

func (b *planBuilder) activeAccount(ctx context.Context, id uuid.UUID, role string) (*models.Account, error) {
	a, err := b.p.accounts.GetByID(ctx, b.q, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apperrors.NotFound(b.op, "%s account %s not found", role, id)
	}
	if a.IsMerged() {
		return nil, apperrors.NotFound(b.op, "%s account %s was already merged", role, id)
	}
	return a, nil
}

func (b *planBuilder) activeLocation(ctx context.Context, id uuid.UUID, role string) (*models.Location, error) {
	l, err := b.p.locations.GetByID(ctx, b.q, id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, apperrors.NotFound(b.op, "%s location %s not found", role, id)
	}
	if l.IsMerged() {
		return nil, apperrors.NotFound(b.op, "%s location %s was already merged", role, id)
	}
	return l, nil
}

func locationRef(l *models.Location) models.ChildRef {
	return models.ChildRef{Kind: models.ChildLocation, ID: l.ID, Label: l.Name, Status: l.Status, CreatedAt: l.CreatedAt}
}

func locationRefs(ls []*models.Location) []models.ChildRef {
	refs := make([]models.ChildRef, len(ls))
	for i, l := range ls {
		refs[i] = locationRef(l)
	}
	return refs
}

func agreementRef(a *models.Agreement) models.ChildRef {
	return models.ChildRef{Kind: models.ChildAgreement, ID: a.ID, Label: a.Title, Status: a.Status, CreatedAt: a.CreatedAt}
}

func agreementRefs(as []*models.Agreement) []models.ChildRef {
	refs := make([]models.ChildRef, len(as))
	for i, a := range as {
		refs[i] = agreementRef(a)
	}
	return refs
}

func activeLocations(ls []*models.Location) []*models.Location {
	out := make([]*models.Location, 0, len(ls))
	for _, l := range ls {
		if !l.IsMerged() {
			out = append(out, l)
		}
	}
	sortLocations(out)
	return out
}

func activeAgreements(as []*models.Agreement) []*models.Agreement {
	out := make([]*models.Agreement, 0, len(as))
	for _, a := range as {
		if !a.IsMerged() {
			out = append(out, a)
		}
	}
	sortAgreements(out)
	return out
}

func findLocation(ls []*models.Location, id uuid.UUID) *models.Location {
	for _, l := range ls {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func findAgreement(as []*models.Agreement, id uuid.UUID) *models.Agreement {
	for _, a := range as {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func createdBefore(at time.Time, aID uuid.UUID, bt time.Time, bID uuid.UUID) bool {
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return aID.String() < bID.String()
}

func sortLocations(ls []*models.Location) {
	sort.SliceStable(ls, func(i, j int) bool {
		return createdBefore(ls[i].CreatedAt, ls[i].ID, ls[j].CreatedAt, ls[j].ID)
	})
}

func sortAgreements(as []*models.Agreement) {
	sort.SliceStable(as, func(i, j int) bool {
		return createdBefore(as[i].CreatedAt, as[i].ID, as[j].CreatedAt, as[j].ID)
	})
}

func sortChildRefs(refs []models.ChildRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		return createdBefore(refs[i].CreatedAt, refs[i].ID, refs[j].CreatedAt, refs[j].ID)
	})
}
