package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/apperrors"
	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/metrics"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/repositories"
	"github.com/ekaya-inc/accounts-engine/pkg/tracing"
)

// MergeExecutor applies merge plans.
type MergeExecutor interface {
	// ExecuteMerge applies plan as one unit of work. It either performs every
	// action and records one merge entry, or changes nothing.
	ExecuteMerge(ctx context.Context, actor models.Actor, plan *models.MergePlan) (*models.MergeResult, error)
}

type mergeExecutor struct {
	uow        UnitOfWork
	accounts   repositories.AccountRepository
	locations  repositories.LocationRepository
	agreements repositories.AgreementRepository
	history    repositories.HistoryRepository
	candidates repositories.CandidateRepository
	logger     *zap.Logger
}

// NewMergeExecutor creates a MergeExecutor.
func NewMergeExecutor(
	uow UnitOfWork,
	accounts repositories.AccountRepository,
	locations repositories.LocationRepository,
	agreements repositories.AgreementRepository,
	history repositories.HistoryRepository,
	candidates repositories.CandidateRepository,
	logger *zap.Logger,
) MergeExecutor {
	return &mergeExecutor{
		uow:        uow,
		accounts:   accounts,
		locations:  locations,
		agreements: agreements,
		history:    history,
		candidates: candidates,
		logger:     logger.Named("merge-executor"),
	}
}

var _ MergeExecutor = (*mergeExecutor)(nil)

func (e *mergeExecutor) ExecuteMerge(ctx context.Context, actor models.Actor, plan *models.MergePlan) (result *models.MergeResult, err error) {
	const op = "ExecuteMerge"

	if plan == nil {
		return nil, apperrors.Validation(op, "plan is required")
	}

	ctx, span := tracing.StartSpan(ctx, "services.MergeExecutor.ExecuteMerge",
		attribute.String("plan_id", plan.ID.String()),
		attribute.String("kind", string(plan.Kind)))
	defer func() { tracing.End(span, err) }()

	if err := requireAdmin(op, actor); err != nil {
		return nil, err
	}
	if plan.HasConflicts() {
		return nil, apperrors.Conflict(op, "plan %s has unresolved conflicts; resolve them and plan again", plan.ID)
	}
	if err := validatePlanShape(op, plan); err != nil {
		return nil, err
	}

	var x *mergeRun
	entry, err := e.uow.Run(ctx, actor, op, func(ctx context.Context, q database.Querier) (*models.ChangeLogDraft, error) {
		x = &mergeRun{op: op, q: q, e: e}
		switch plan.Kind {
		case models.MergeKindAccount:
			return x.mergeAccounts(ctx, plan)
		default:
			return x.mergeLocations(ctx, plan)
		}
	})
	if err != nil {
		e.logger.Info("Merge not applied",
			zap.String("plan_id", plan.ID.String()),
			zap.String("source_id", plan.SourceID.String()),
			zap.String("destination_id", plan.DestinationID.String()),
			zap.Error(err))
		return nil, err
	}

	x.recordMetrics()
	e.logger.Info("Merge applied",
		zap.String("plan_id", plan.ID.String()),
		zap.String("kind", string(plan.Kind)),
		zap.String("source_id", plan.SourceID.String()),
		zap.String("destination_id", plan.DestinationID.String()),
		zap.Int("moved", len(x.moved)),
		zap.Int("folded", len(x.folded)),
		zap.Int64("change_log_sequence", entry.Sequence))

	return &models.MergeResult{
		PlanID:        plan.ID,
		Kind:          plan.Kind,
		SourceID:      plan.SourceID,
		DestinationID: plan.DestinationID,
		Moved:         x.moved,
		Folded:        x.folded,
		ChangeLog:     entry,
	}, nil
}

// validatePlanShape rejects plans that could not have come from the planner.
func validatePlanShape(op string, plan *models.MergePlan) error {
	if !plan.Kind.IsValid() {
		return apperrors.Validation(op, "unknown merge kind %q", plan.Kind)
	}
	if plan.SourceID == uuid.Nil || plan.DestinationID == uuid.Nil {
		return apperrors.Validation(op, "plan is missing source or destination")
	}
	if plan.SourceID == plan.DestinationID {
		return apperrors.Validation(op, "plan source and destination are the same")
	}

	seen := map[uuid.UUID]bool{}
	for _, id := range plan.SourceChildIDs() {
		if seen[id] {
			return apperrors.Validation(op, "child %s appears more than once in plan", id)
		}
		seen[id] = true
	}

	for _, d := range plan.Duplicates {
		switch {
		case plan.Kind == models.MergeKindAccount && d.Source.Kind != models.ChildLocation:
			return apperrors.Validation(op, "account plans may only fold locations, got %s %s", d.Source.Kind, d.Source.ID)
		case plan.Kind == models.MergeKindLocation && d.Source.Kind != models.ChildAgreement:
			return apperrors.Validation(op, "location plans may only fold agreements, got %s %s", d.Source.Kind, d.Source.ID)
		case d.Source.Kind != d.Destination.Kind:
			return apperrors.Validation(op, "duplicate %s pairs a %s with a %s", d.Source.ID, d.Source.Kind, d.Destination.Kind)
		}
		if d.Source.Kind == models.ChildLocation {
			n := d.Nested
			if n == nil || n.Kind != models.MergeKindLocation || n.SourceID != d.Source.ID || n.DestinationID != d.Destination.ID {
				return apperrors.Validation(op, "duplicate location %s has no matching nested plan", d.Source.ID)
			}
			if err := validatePlanShape(op, n); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeRun holds the progress of one transaction attempt. A retried attempt
// starts from a fresh mergeRun.
type mergeRun struct {
	op     string
	q      database.Querier
	e      *mergeExecutor
	moved  []models.MovedChild
	folded []models.FoldedChild
}

func (x *mergeRun) mergeAccounts(ctx context.Context, plan *models.MergePlan) (*models.ChangeLogDraft, error) {
	ids := sortedIDs(plan.SourceID, plan.DestinationID)
	locked, err := x.e.accounts.LockByIDs(ctx, x.q, ids)
	if err != nil {
		return nil, err
	}
	src, dst := locked[plan.SourceID], locked[plan.DestinationID]
	if src == nil {
		return nil, apperrors.NotFound(x.op, "source account %s not found", plan.SourceID)
	}
	if dst == nil {
		return nil, apperrors.NotFound(x.op, "destination account %s not found", plan.DestinationID)
	}
	if src.IsMerged() {
		return nil, apperrors.Conflict(x.op, "account %s was already merged into %s", src.ID, src.MergedIntoID)
	}
	if dst.Status != models.StatusActive {
		return nil, apperrors.Conflict(x.op, "destination account %s is %s", dst.ID, dst.Status)
	}

	srcLocs, err := x.e.locations.ListByAccount(ctx, x.q, src.ID, true)
	if err != nil {
		return nil, err
	}
	dstLocs, err := x.e.locations.ListByAccount(ctx, x.q, dst.ID, true)
	if err != nil {
		return nil, err
	}
	history, err := x.lockHistory(ctx, models.AccountParent(src.ID))
	if err != nil {
		return nil, err
	}

	current := make(map[uuid.UUID]models.ChildKind, len(srcLocs)+len(history))
	srcByID := make(map[uuid.UUID]*models.Location, len(srcLocs))
	for _, l := range srcLocs {
		current[l.ID] = models.ChildLocation
		srcByID[l.ID] = l
	}
	for _, h := range history {
		current[h.ID] = h.Kind
	}
	if err := x.checkChildSet(plan, current); err != nil {
		return nil, err
	}

	dstByID := make(map[uuid.UUID]*models.Location, len(dstLocs))
	for _, l := range dstLocs {
		if !l.IsMerged() {
			dstByID[l.ID] = l
		}
	}
	for _, d := range plan.Duplicates {
		if srcByID[d.Source.ID] == nil {
			return nil, apperrors.Validation(x.op, "duplicate %s is not a location of account %s", d.Source.ID, src.ID)
		}
		if dstByID[d.Destination.ID] == nil {
			return nil, apperrors.Conflict(x.op, "plan is stale: location %s is no longer an active location of account %s", d.Destination.ID, dst.ID)
		}
	}

	moved, err := x.reassign(ctx, plan, models.AccountParent(src.ID), models.AccountParent(dst.ID))
	if err != nil {
		return nil, err
	}
	x.moved = append(x.moved, moved...)

	for _, d := range plan.Duplicates {
		folded, err := x.foldLocation(ctx, d, srcByID[d.Source.ID], dstByID[d.Destination.ID], dst.ID)
		if err != nil {
			return nil, err
		}
		x.folded = append(x.folded, *folded)
	}

	if err := x.e.accounts.MarkMerged(ctx, x.q, src.ID, dst.ID); err != nil {
		return nil, err
	}

	return x.draft(plan, models.EntityTypeAccount, "account", src.Name, dst.ID, dst.Name), nil
}

func (x *mergeRun) mergeLocations(ctx context.Context, plan *models.MergePlan) (*models.ChangeLogDraft, error) {
	locked, err := x.e.locations.LockByIDs(ctx, x.q, sortedIDs(plan.SourceID, plan.DestinationID))
	if err != nil {
		return nil, err
	}
	src, dst := locked[plan.SourceID], locked[plan.DestinationID]
	if src == nil {
		return nil, apperrors.NotFound(x.op, "source location %s not found", plan.SourceID)
	}
	if dst == nil {
		return nil, apperrors.NotFound(x.op, "destination location %s not found", plan.DestinationID)
	}
	if src.IsMerged() {
		return nil, apperrors.Conflict(x.op, "location %s was already merged into %s", src.ID, src.MergedIntoID)
	}
	if dst.Status != models.StatusActive {
		return nil, apperrors.Conflict(x.op, "destination location %s is %s", dst.ID, dst.Status)
	}

	moved, folded, err := x.mergeLocationChildren(ctx, plan, src, dst)
	if err != nil {
		return nil, err
	}
	x.moved = append(x.moved, moved...)
	x.folded = append(x.folded, folded...)

	if err := x.e.locations.MarkMerged(ctx, x.q, src.ID, dst.ID, dst.AccountID); err != nil {
		return nil, err
	}

	return x.draft(plan, models.EntityTypeLocation, "location", src.Name, dst.ID, dst.Name), nil
}

// foldLocation consolidates a duplicate location of an account merge into
// its destination counterpart and retires it.
func (x *mergeRun) foldLocation(ctx context.Context, d models.DuplicateAction, src, dst *models.Location, dstAccountID uuid.UUID) (*models.FoldedChild, error) {
	moved, folded, err := x.mergeLocationChildren(ctx, d.Nested, src, dst)
	if err != nil {
		return nil, err
	}

	values, changes := ReconcileLocation(dst, src)
	if len(values) > 0 {
		if _, err := x.e.locations.UpdateFields(ctx, x.q, dst.ID, values); err != nil {
			return nil, err
		}
	}

	if err := x.e.locations.MarkMerged(ctx, x.q, src.ID, dst.ID, dstAccountID); err != nil {
		return nil, err
	}

	return &models.FoldedChild{
		Kind:          models.ChildLocation,
		SourceID:      src.ID,
		DestinationID: dst.ID,
		Label:         src.Name,
		MatchKey:      d.MatchKey,
		Reconciled:    changes,
		Moved:         moved,
		Folded:        folded,
	}, nil
}

// mergeLocationChildren moves and folds src's agreements and history onto
// dst according to plan, and rematches src's candidates to dst. Both
// locations must already be locked.
func (x *mergeRun) mergeLocationChildren(ctx context.Context, plan *models.MergePlan, src, dst *models.Location) ([]models.MovedChild, []models.FoldedChild, error) {
	srcAgreements, err := x.e.agreements.ListByLocation(ctx, x.q, src.ID, true)
	if err != nil {
		return nil, nil, err
	}
	dstAgreements, err := x.e.agreements.ListByLocation(ctx, x.q, dst.ID, true)
	if err != nil {
		return nil, nil, err
	}
	history, err := x.lockHistory(ctx, models.LocationParent(src.ID))
	if err != nil {
		return nil, nil, err
	}
	matches, err := x.e.candidates.ListByLocation(ctx, x.q, src.ID, true)
	if err != nil {
		return nil, nil, err
	}

	current := make(map[uuid.UUID]models.ChildKind, len(srcAgreements)+len(history))
	srcByID := make(map[uuid.UUID]*models.Agreement, len(srcAgreements))
	for _, a := range srcAgreements {
		current[a.ID] = models.ChildAgreement
		srcByID[a.ID] = a
	}
	for _, h := range history {
		current[h.ID] = h.Kind
	}
	if err := x.checkChildSet(plan, current); err != nil {
		return nil, nil, err
	}

	dstByID := make(map[uuid.UUID]*models.Agreement, len(dstAgreements))
	for _, a := range dstAgreements {
		if !a.IsMerged() {
			dstByID[a.ID] = a
		}
	}
	for _, d := range plan.Duplicates {
		if srcByID[d.Source.ID] == nil {
			return nil, nil, apperrors.Validation(x.op, "duplicate %s is not an agreement of location %s", d.Source.ID, src.ID)
		}
		if dstByID[d.Destination.ID] == nil {
			return nil, nil, apperrors.Conflict(x.op, "plan is stale: agreement %s is no longer an active agreement of location %s", d.Destination.ID, dst.ID)
		}
	}

	moved, err := x.reassign(ctx, plan, models.LocationParent(src.ID), models.LocationParent(dst.ID))
	if err != nil {
		return nil, nil, err
	}
	rematched, err := x.rematchCandidates(ctx, matches, src.ID, dst.ID)
	if err != nil {
		return nil, nil, err
	}
	moved = append(moved, rematched...)

	var folded []models.FoldedChild
	for _, d := range plan.Duplicates {
		srcAgreement, dstAgreement := srcByID[d.Source.ID], dstByID[d.Destination.ID]

		values, changes := ReconcileAgreement(dstAgreement, srcAgreement)
		if url, ok := values[models.AgreementFieldDocumentURL]; ok {
			if err := x.e.agreements.SetDocumentURL(ctx, x.q, dstAgreement.ID, url); err != nil {
				return nil, nil, err
			}
		}
		if err := x.e.agreements.MarkMerged(ctx, x.q, srcAgreement.ID, dstAgreement.ID, dst.ID); err != nil {
			return nil, nil, err
		}
		folded = append(folded, models.FoldedChild{
			Kind:          models.ChildAgreement,
			SourceID:      srcAgreement.ID,
			DestinationID: dstAgreement.ID,
			Label:         srcAgreement.Title,
			MatchKey:      d.MatchKey,
			Reconciled:    changes,
		})
	}

	return moved, folded, nil
}

// reassign repoints every reassign action of plan from one parent to another.
func (x *mergeRun) reassign(ctx context.Context, plan *models.MergePlan, from, to models.ParentRef) ([]models.MovedChild, error) {
	byKind := map[models.ChildKind][]uuid.UUID{}
	moved := make([]models.MovedChild, 0, len(plan.Reassignments))
	for _, r := range plan.Reassignments {
		byKind[r.Child.Kind] = append(byKind[r.Child.Kind], r.Child.ID)
		moved = append(moved, models.MovedChild{
			Kind:         r.Child.Kind,
			ID:           r.Child.ID,
			Label:        r.Child.Label,
			FromParentID: from.ID,
			ToParentID:   to.ID,
		})
	}

	for _, kind := range sortedKinds(byKind) {
		ids := byKind[kind]
		var n int64
		var err error
		switch kind {
		case models.ChildLocation:
			n, err = x.e.locations.Reassign(ctx, x.q, ids, to.ID)
		case models.ChildAgreement:
			n, err = x.e.agreements.Reassign(ctx, x.q, ids, to.ID)
		default:
			n, err = x.e.history.Reassign(ctx, x.q, kind, ids, to)
		}
		if err != nil {
			return nil, err
		}
		if n != int64(len(ids)) {
			return nil, fmt.Errorf("reassign %s: moved %d of %d rows", inflection.Plural(string(kind)), n, len(ids))
		}
	}
	return moved, nil
}

// rematchCandidates points candidates matched to a retiring location at its
// survivor.
func (x *mergeRun) rematchCandidates(ctx context.Context, matches []models.ChildRef, from, to uuid.UUID) ([]models.MovedChild, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(matches))
	moved := make([]models.MovedChild, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
		moved[i] = models.MovedChild{Kind: models.ChildCandidate, ID: m.ID, Label: m.Label, FromParentID: from, ToParentID: to}
	}

	n, err := x.e.candidates.Rematch(ctx, x.q, ids, to)
	if err != nil {
		return nil, err
	}
	if n != int64(len(ids)) {
		return nil, fmt.Errorf("rematch candidates: moved %d of %d rows", n, len(ids))
	}
	return moved, nil
}

func (x *mergeRun) lockHistory(ctx context.Context, parent models.ParentRef) ([]models.ChildRef, error) {
	var refs []models.ChildRef
	for _, kind := range historyKinds {
		rows, err := x.e.history.ListByParent(ctx, x.q, kind, parent, true)
		if err != nil {
			return nil, err
		}
		refs = append(refs, rows...)
	}
	return refs, nil
}

// checkChildSet fails when the source's children changed since planning, or
// when the plan names a child as a different kind than it is.
func (x *mergeRun) checkChildSet(plan *models.MergePlan, current map[uuid.UUID]models.ChildKind) error {
	want := make(map[uuid.UUID]bool)
	for _, ref := range plan.SourceChildren() {
		if kind, ok := current[ref.ID]; ok && kind != ref.Kind {
			return apperrors.Validation(x.op, "plan labels %s %s as a %s", kind, ref.ID, ref.Kind)
		}
		want[ref.ID] = true
	}

	var added []string
	for id := range current {
		if !want[id] {
			added = append(added, id.String())
			continue
		}
		delete(want, id)
	}
	if len(added) > 0 || len(want) > 0 {
		return apperrors.Conflict(x.op, "plan is stale: children of %s %s changed since planning (%d new, %d gone)",
			plan.Kind, plan.SourceID, len(added), len(want))
	}
	return nil
}

func (x *mergeRun) draft(plan *models.MergePlan, entityType, noun, srcName string, dstID uuid.UUID, dstName string) *models.ChangeLogDraft {
	related := []uuid.UUID{plan.SourceID}
	for _, m := range x.moved {
		related = append(related, m.ID)
	}
	related = appendFoldedIDs(related, x.folded)

	return &models.ChangeLogDraft{
		EntityType:  entityType,
		EntityID:    dstID,
		EntityName:  dstName,
		Description: mergeDescription(noun, srcName, dstName, x.moved, x.folded),
		Details: &models.MergeDetails{
			Kind:            plan.Kind,
			PlanID:          plan.ID,
			SourceID:        plan.SourceID,
			SourceName:      srcName,
			DestinationID:   dstID,
			DestinationName: dstName,
			Moved:           x.moved,
			Folded:          x.folded,
		},
		RelatedIDs: related,
	}
}

func (x *mergeRun) recordMetrics() {
	moved := map[models.ChildKind]int{}
	folded := map[models.ChildKind]int{}
	var walk func(ms []models.MovedChild, fs []models.FoldedChild)
	walk = func(ms []models.MovedChild, fs []models.FoldedChild) {
		for _, m := range ms {
			moved[m.Kind]++
		}
		for _, f := range fs {
			folded[f.Kind]++
			walk(f.Moved, f.Folded)
		}
	}
	walk(x.moved, x.folded)

	for _, kind := range []models.ChildKind{models.ChildLocation, models.ChildAgreement, models.ChildActivity, models.ChildNote, models.ChildUpload, models.ChildCandidate} {
		metrics.RecordMergeChildren(string(kind), moved[kind], folded[kind])
	}
}

func appendFoldedIDs(ids []uuid.UUID, folded []models.FoldedChild) []uuid.UUID {
	for _, f := range folded {
		ids = append(ids, f.SourceID, f.DestinationID)
		for _, m := range f.Moved {
			ids = append(ids, m.ID)
		}
		ids = appendFoldedIDs(ids, f.Folded)
	}
	return ids
}

// mergeDescription renders e.g. `Merged account "Acme" into "Acme Inc":
// moved 1 location and 2 notes, folded 1 location`.
func mergeDescription(noun, srcName, dstName string, moved []models.MovedChild, folded []models.FoldedChild) string {
	desc := fmt.Sprintf("Merged %s %q into %q", noun, srcName, dstName)

	movedCounts := map[models.ChildKind]int{}
	for _, m := range moved {
		movedCounts[m.Kind]++
	}
	foldedCounts := map[models.ChildKind]int{}
	for _, f := range folded {
		foldedCounts[f.Kind]++
	}

	var parts []string
	if s := countPhrase(movedCounts); s != "" {
		parts = append(parts, "moved "+s)
	}
	if s := countPhrase(foldedCounts); s != "" {
		parts = append(parts, "folded "+s)
	}
	if len(parts) == 0 {
		return desc
	}
	return desc + ": " + strings.Join(parts, ", ")
}

func countPhrase(counts map[models.ChildKind]int) string {
	var phrases []string
	for _, kind := range sortedKinds(counts) {
		n := counts[kind]
		word := string(kind)
		if n != 1 {
			word = inflection.Plural(word)
		}
		phrases = append(phrases, fmt.Sprintf("%d %s", n, word))
	}
	switch len(phrases) {
	case 0:
		return ""
	case 1:
		return phrases[0]
	default:
		return strings.Join(phrases[:len(phrases)-1], ", ") + " and " + phrases[len(phrases)-1]
	}
}

func sortedKinds[V any](m map[models.ChildKind]V) []models.ChildKind {
	kinds := make([]models.ChildKind, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func sortedIDs(ids ...uuid.UUID) []uuid.UUID {
	out := append([]uuid.UUID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
