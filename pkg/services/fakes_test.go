package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
	"github.com/ekaya-inc/accounts-engine/pkg/normalize"
	"github.com/ekaya-inc/accounts-engine/pkg/retry"
)

// historyRow is the in-memory form of an activity, note or upload.
type historyRow struct {
	kind      models.ChildKind
	parent    models.ParentRef
	label     string
	createdAt time.Time
}

// memStore is an in-memory entity graph. Its Transactor snapshots the whole
// store and restores it when the transaction function fails.
type memStore struct {
	mu         sync.Mutex
	accounts   map[uuid.UUID]models.Account
	locations  map[uuid.UUID]models.Location
	agreements map[uuid.UUID]models.Agreement
	history    map[uuid.UUID]historyRow
	candidates map[uuid.UUID]models.CandidateRecord
	changeLog  []*models.ChangeLogEntry
	seq        int64
	clock      time.Time

	// test hooks
	insertErr error   // returned by ChangeLog Insert
	txErrs    []error // returned by successive InTx calls before running fn
	txCount   int
}

func newMemStore() *memStore {
	return &memStore{
		accounts:   map[uuid.UUID]models.Account{},
		locations:  map[uuid.UUID]models.Location{},
		agreements: map[uuid.UUID]models.Agreement{},
		history:    map[uuid.UUID]historyRow{},
		candidates: map[uuid.UUID]models.CandidateRecord{},
		clock:      time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Minute)
	return s.clock
}

type snapshot struct {
	accounts   map[uuid.UUID]models.Account
	locations  map[uuid.UUID]models.Location
	agreements map[uuid.UUID]models.Agreement
	history    map[uuid.UUID]historyRow
	candidates map[uuid.UUID]models.CandidateRecord
	changeLog  []*models.ChangeLogEntry
	seq        int64
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) snapshot() snapshot {
	return snapshot{
		accounts:   copyMap(s.accounts),
		locations:  copyMap(s.locations),
		agreements: copyMap(s.agreements),
		history:    copyMap(s.history),
		candidates: copyMap(s.candidates),
		changeLog:  append([]*models.ChangeLogEntry(nil), s.changeLog...),
		seq:        s.seq,
	}
}

func (s *memStore) restore(snap snapshot) {
	s.accounts = snap.accounts
	s.locations = snap.locations
	s.agreements = snap.agreements
	s.history = snap.history
	s.candidates = snap.candidates
	s.changeLog = snap.changeLog
	s.seq = snap.seq
}

// InTx implements database.Transactor.
func (s *memStore) InTx(ctx context.Context, fn func(q database.Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCount++
	if len(s.txErrs) > 0 {
		err := s.txErrs[0]
		s.txErrs = s.txErrs[1:]
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snap := s.snapshot()
	if err := fn(nil); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// fixture builders

func (s *memStore) addAccount(name string) models.Account {
	a := models.Account{ID: uuid.New(), Name: name, Status: models.StatusActive, AccountType: models.AccountTypeMultiLocation, CreatedAt: s.tick()}
	s.accounts[a.ID] = a
	return a
}

func (s *memStore) addLocation(accountID uuid.UUID, name, line1, city, state, postal string) models.Location {
	l := models.Location{
		ID: uuid.New(), AccountID: accountID, Name: name,
		AddressLine1: line1, City: city, State: state, PostalCode: postal,
		Status: models.StatusActive, CreatedAt: s.tick(),
	}
	s.locations[l.ID] = l
	return l
}

func (s *memStore) addAgreement(locationID uuid.UUID, title, agreementType, documentURL string) models.Agreement {
	a := models.Agreement{
		ID: uuid.New(), LocationID: locationID, Title: title, AgreementType: agreementType,
		DocumentURL: documentURL, Status: models.AgreementStatusActive, CreatedAt: s.tick(),
	}
	s.agreements[a.ID] = a
	return a
}

func (s *memStore) addHistory(kind models.ChildKind, parent models.ParentRef, label string) uuid.UUID {
	id := uuid.New()
	s.history[id] = historyRow{kind: kind, parent: parent, label: label, createdAt: s.tick()}
	return id
}

func (s *memStore) addCandidate(matched *uuid.UUID, fields map[string]models.CandidateField) models.CandidateRecord {
	c := models.CandidateRecord{ID: uuid.New(), MatchedLocationID: matched, SourceURL: "https://listings.example.com/clinic", ProposedFields: fields, CreatedAt: s.tick()}
	s.candidates[c.ID] = c
	return c
}

// childrenOf counts every row pointing at parent.
func (s *memStore) childrenOf(parent models.ParentRef) int {
	n := 0
	for _, h := range s.history {
		if h.parent == parent {
			n++
		}
	}
	switch parent.Kind {
	case models.ParentAccount:
		for _, l := range s.locations {
			if l.AccountID == parent.ID {
				n++
			}
		}
	case models.ParentLocation:
		for _, a := range s.agreements {
			if a.LocationID == parent.ID {
				n++
			}
		}
		for _, c := range s.candidates {
			if c.MatchedLocationID != nil && *c.MatchedLocationID == parent.ID {
				n++
			}
		}
	}
	return n
}

// accounts

type memAccounts struct{ s *memStore }

func (r memAccounts) Create(_ context.Context, _ database.Querier, a *models.Account) error {
	r.s.accounts[a.ID] = *a
	return nil
}

func (r memAccounts) GetByID(_ context.Context, _ database.Querier, id uuid.UUID) (*models.Account, error) {
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r memAccounts) LockByIDs(_ context.Context, _ database.Querier, ids []uuid.UUID) (map[uuid.UUID]*models.Account, error) {
	out := map[uuid.UUID]*models.Account{}
	for _, id := range ids {
		if a, ok := r.s.accounts[id]; ok {
			out[id] = &a
		}
	}
	return out, nil
}

func (r memAccounts) MarkMerged(_ context.Context, _ database.Querier, id, into uuid.UUID) error {
	a, ok := r.s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s missing", id)
	}
	a.Status = models.StatusMerged
	a.MergedIntoID = &into
	r.s.accounts[id] = a
	return nil
}

// locations

type memLocations struct{ s *memStore }

func (r memLocations) Create(_ context.Context, _ database.Querier, l *models.Location) error {
	r.s.locations[l.ID] = *l
	return nil
}

func (r memLocations) GetByID(_ context.Context, _ database.Querier, id uuid.UUID) (*models.Location, error) {
	l, ok := r.s.locations[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (r memLocations) LockByIDs(_ context.Context, _ database.Querier, ids []uuid.UUID) (map[uuid.UUID]*models.Location, error) {
	out := map[uuid.UUID]*models.Location{}
	for _, id := range ids {
		if l, ok := r.s.locations[id]; ok {
			out[id] = &l
		}
	}
	return out, nil
}

func (r memLocations) ListByAccount(_ context.Context, _ database.Querier, accountID uuid.UUID, _ bool) ([]*models.Location, error) {
	var out []*models.Location
	for _, l := range r.s.locations {
		if l.AccountID == accountID {
			l := l
			out = append(out, &l)
		}
	}
	sortLocations(out)
	return out, nil
}

func (r memLocations) Reassign(_ context.Context, _ database.Querier, ids []uuid.UUID, to uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if l, ok := r.s.locations[id]; ok {
			l.AccountID = to
			r.s.locations[id] = l
			n++
		}
	}
	return n, nil
}

func (r memLocations) UpdateFields(_ context.Context, _ database.Querier, id uuid.UUID, values map[string]string) (*models.Location, error) {
	l, ok := r.s.locations[id]
	if !ok {
		return nil, nil
	}
	for k, v := range values {
		if !l.SetField(k, v) {
			return nil, fmt.Errorf("unknown field %q", k)
		}
	}
	r.s.locations[id] = l
	return &l, nil
}

func (r memLocations) MarkMerged(_ context.Context, _ database.Querier, id, into, accountID uuid.UUID) error {
	l, ok := r.s.locations[id]
	if !ok {
		return fmt.Errorf("location %s missing", id)
	}
	l.Status = models.StatusMerged
	l.MergedIntoID = &into
	l.AccountID = accountID
	r.s.locations[id] = l
	return nil
}

// agreements

type memAgreements struct{ s *memStore }

func (r memAgreements) Create(_ context.Context, _ database.Querier, a *models.Agreement) error {
	r.s.agreements[a.ID] = *a
	return nil
}

func (r memAgreements) ListByLocation(_ context.Context, _ database.Querier, locationID uuid.UUID, _ bool) ([]*models.Agreement, error) {
	var out []*models.Agreement
	for _, a := range r.s.agreements {
		if a.LocationID == locationID {
			a := a
			out = append(out, &a)
		}
	}
	sortAgreements(out)
	return out, nil
}

func (r memAgreements) Reassign(_ context.Context, _ database.Querier, ids []uuid.UUID, to uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if a, ok := r.s.agreements[id]; ok {
			a.LocationID = to
			r.s.agreements[id] = a
			n++
		}
	}
	return n, nil
}

func (r memAgreements) SetDocumentURL(_ context.Context, _ database.Querier, id uuid.UUID, url string) error {
	a := r.s.agreements[id]
	a.DocumentURL = url
	r.s.agreements[id] = a
	return nil
}

func (r memAgreements) MarkMerged(_ context.Context, _ database.Querier, id, into, locationID uuid.UUID) error {
	a, ok := r.s.agreements[id]
	if !ok {
		return fmt.Errorf("agreement %s missing", id)
	}
	a.Status = models.AgreementStatusMerged
	a.MergedIntoID = &into
	a.LocationID = locationID
	r.s.agreements[id] = a
	return nil
}

// history

type memHistory struct{ s *memStore }

func (r memHistory) CreateActivity(_ context.Context, _ database.Querier, a *models.Activity) error {
	r.s.history[a.ID] = historyRow{kind: models.ChildActivity, parent: a.Parent, label: a.Body, createdAt: a.CreatedAt}
	return nil
}

func (r memHistory) CreateNote(_ context.Context, _ database.Querier, n *models.Note) error {
	r.s.history[n.ID] = historyRow{kind: models.ChildNote, parent: n.Parent, label: n.Body, createdAt: n.CreatedAt}
	return nil
}

func (r memHistory) CreateUpload(_ context.Context, _ database.Querier, u *models.Upload) error {
	r.s.history[u.ID] = historyRow{kind: models.ChildUpload, parent: u.Parent, label: u.FileName, createdAt: u.CreatedAt}
	return nil
}

func (r memHistory) ListByParent(_ context.Context, _ database.Querier, kind models.ChildKind, parent models.ParentRef, _ bool) ([]models.ChildRef, error) {
	var out []models.ChildRef
	for id, h := range r.s.history {
		if h.kind == kind && h.parent == parent {
			out = append(out, models.ChildRef{Kind: kind, ID: id, Label: h.label, CreatedAt: h.createdAt})
		}
	}
	sortChildRefs(out)
	return out, nil
}

func (r memHistory) Reassign(_ context.Context, _ database.Querier, kind models.ChildKind, ids []uuid.UUID, to models.ParentRef) (int64, error) {
	var n int64
	for _, id := range ids {
		if h, ok := r.s.history[id]; ok && h.kind == kind {
			h.parent = to
			r.s.history[id] = h
			n++
		}
	}
	return n, nil
}

// candidates

type memCandidates struct{ s *memStore }

func (r memCandidates) Create(_ context.Context, _ database.Querier, c *models.CandidateRecord) error {
	r.s.candidates[c.ID] = *c
	return nil
}

func (r memCandidates) GetByID(_ context.Context, _ database.Querier, id uuid.UUID) (*models.CandidateRecord, error) {
	c, ok := r.s.candidates[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r memCandidates) MarkApplied(_ context.Context, _ database.Querier, id uuid.UUID, at time.Time) error {
	c := r.s.candidates[id]
	c.LastAppliedAt = &at
	r.s.candidates[id] = c
	return nil
}

func (r memCandidates) ListByLocation(_ context.Context, _ database.Querier, locationID uuid.UUID, _ bool) ([]models.ChildRef, error) {
	var out []models.ChildRef
	for id, c := range r.s.candidates {
		if c.MatchedLocationID != nil && *c.MatchedLocationID == locationID {
			out = append(out, models.ChildRef{Kind: models.ChildCandidate, ID: id, Label: c.SourceURL, CreatedAt: c.CreatedAt})
		}
	}
	sortChildRefs(out)
	return out, nil
}

func (r memCandidates) Rematch(_ context.Context, _ database.Querier, ids []uuid.UUID, to uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if c, ok := r.s.candidates[id]; ok {
			to := to
			c.MatchedLocationID = &to
			r.s.candidates[id] = c
			n++
		}
	}
	return n, nil
}

// change log

type memChangeLog struct{ s *memStore }

func (r memChangeLog) Insert(_ context.Context, _ database.Querier, e *models.ChangeLogEntry) error {
	if r.s.insertErr != nil {
		return r.s.insertErr
	}
	r.s.seq++
	e.Sequence = r.s.seq
	e.CreatedAt = r.s.tick()
	r.s.changeLog = append(r.s.changeLog, e)
	return nil
}

func (r memChangeLog) List(_ context.Context, _ database.Querier, f models.ChangeLogFilters) ([]*models.ChangeLogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*models.ChangeLogEntry
	for _, e := range r.s.changeLog {
		if f.ActionType != "" && e.ActionType != f.ActionType {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != nil && e.EntityID != *f.EntityID && !containsID(e.RelatedIDs, *f.EntityID) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// recordingPublisher captures published entries.
type recordingPublisher struct {
	entries []*models.ChangeLogEntry
	err     error
}

func (p *recordingPublisher) PublishChange(_ context.Context, e *models.ChangeLogEntry) error {
	if p.err != nil {
		return p.err
	}
	p.entries = append(p.entries, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// memPlanCache is a map-backed PlanCache.
type memPlanCache struct {
	plans  map[uuid.UUID]*models.MergePlan
	putErr error
}

func newMemPlanCache() *memPlanCache {
	return &memPlanCache{plans: map[uuid.UUID]*models.MergePlan{}}
}

func (c *memPlanCache) Put(_ context.Context, p *models.MergePlan) error {
	if c.putErr != nil {
		return c.putErr
	}
	c.plans[p.ID] = p
	return nil
}

func (c *memPlanCache) Get(_ context.Context, id uuid.UUID) (*models.MergePlan, error) {
	return c.plans[id], nil
}

func (c *memPlanCache) Delete(_ context.Context, id uuid.UUID) error {
	delete(c.plans, id)
	return nil
}

// harness wires the real services over a memStore.
type harness struct {
	store     *memStore
	publisher *recordingPublisher
	plans     *memPlanCache
	ledger    ChangeLogService
	uow       UnitOfWork
	planner   MergePlanner
	executor  MergeExecutor
	patcher   FieldPatchService
	svc       ConsolidationService
}

func newHarness() *harness {
	store := newMemStore()
	logger := zap.NewNop()
	h := &harness{store: store, publisher: &recordingPublisher{}, plans: newMemPlanCache()}

	h.ledger = NewChangeLogService(nil, memChangeLog{store}, 50, logger)
	h.uow = NewUnitOfWork(store, h.ledger, h.publisher, &retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}, logger)
	h.planner = NewMergePlanner(nil, memAccounts{store}, memLocations{store}, memAgreements{store}, memHistory{store}, normalize.DefaultPolicy(), logger)
	h.executor = NewMergeExecutor(h.uow, memAccounts{store}, memLocations{store}, memAgreements{store}, memHistory{store}, memCandidates{store}, logger)
	h.patcher = NewFieldPatchService(h.uow, memLocations{store}, memCandidates{store}, logger)
	h.svc = NewConsolidationService(h.planner, h.executor, h.patcher, h.ledger, h.plans, logger)
	return h
}

var admin = models.Actor{ID: "ops-1", Source: models.SourceManual, CanAdminMutate: true}

var errInjected = errors.New("injected failure")
