package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/jsonutil"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

// CandidateRepository reads scraped candidate records.
type CandidateRepository interface {
	// Create inserts a candidate. Production rows come from the scraping
	// pipeline; this exists for fixtures and backfills.
	Create(ctx context.Context, q database.Querier, c *models.CandidateRecord) error

	// GetByID returns the candidate, or nil if it does not exist.
	GetByID(ctx context.Context, q database.Querier, id uuid.UUID) (*models.CandidateRecord, error)

	// MarkApplied stamps last_applied_at.
	MarkApplied(ctx context.Context, q database.Querier, id uuid.UUID, at time.Time) error

	// ListByLocation returns the candidates matched to a location, oldest
	// first, optionally locking them.
	ListByLocation(ctx context.Context, q database.Querier, locationID uuid.UUID, forUpdate bool) ([]models.ChildRef, error)

	// Rematch points the given candidates at another location and returns
	// the number of rows changed.
	Rematch(ctx context.Context, q database.Querier, ids []uuid.UUID, toLocationID uuid.UUID) (int64, error)
}

type candidateRepository struct{}

// NewCandidateRepository creates a new CandidateRepository.
func NewCandidateRepository() CandidateRepository {
	return &candidateRepository{}
}

var _ CandidateRepository = (*candidateRepository)(nil)

func (r *candidateRepository) Create(ctx context.Context, q database.Querier, c *models.CandidateRecord) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	fields, err := json.Marshal(c.ProposedFields)
	if err != nil {
		return fmt.Errorf("failed to marshal proposed_fields: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO scraped_results (id, matched_location_id, source_url, proposed_fields, last_applied_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.MatchedLocationID, c.SourceURL, fields, c.LastAppliedAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create scraped result: %w", err)
	}
	return nil
}

func (r *candidateRepository) GetByID(ctx context.Context, q database.Querier, id uuid.UUID) (*models.CandidateRecord, error) {
	var c models.CandidateRecord
	var raw []byte
	err := q.QueryRow(ctx, `
		SELECT id, matched_location_id, source_url, proposed_fields, last_applied_at, created_at
		FROM scraped_results
		WHERE id = $1`, id).Scan(&c.ID, &c.MatchedLocationID, &c.SourceURL, &raw, &c.LastAppliedAt, &c.CreatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get scraped result: %w", err)
	}

	c.ProposedFields, err = decodeProposedFields(raw)
	if err != nil {
		return nil, fmt.Errorf("scraped result %s: %w", id, err)
	}
	return &c, nil
}

func (r *candidateRepository) MarkApplied(ctx context.Context, q database.Querier, id uuid.UUID, at time.Time) error {
	_, err := q.Exec(ctx, `UPDATE scraped_results SET last_applied_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to stamp scraped result: %w", err)
	}
	return nil
}

func (r *candidateRepository) ListByLocation(ctx context.Context, q database.Querier, locationID uuid.UUID, forUpdate bool) ([]models.ChildRef, error) {
	query := `
		SELECT id, source_url, created_at
		FROM scraped_results
		WHERE matched_location_id = $1
		ORDER BY created_at, id`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, locationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scraped results: %w", err)
	}
	defer rows.Close()

	var refs []models.ChildRef
	for rows.Next() {
		ref := models.ChildRef{Kind: models.ChildCandidate}
		if err := rows.Scan(&ref.ID, &ref.Label, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scraped result: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scraped results: %w", err)
	}
	return refs, nil
}

func (r *candidateRepository) Rematch(ctx context.Context, q database.Querier, ids []uuid.UUID, toLocationID uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE scraped_results SET matched_location_id = $2
		WHERE id = ANY($1)`, ids, toLocationID)
	if err != nil {
		return 0, fmt.Errorf("failed to rematch scraped results: %w", err)
	}
	return tag.RowsAffected(), nil
}

// decodeProposedFields reads the pipeline's loosely typed proposed_fields.
// Each entry is either {value, source, verified, confidence} or a bare value.
func decodeProposedFields(raw []byte) (map[string]models.CandidateField, error) {
	out := make(map[string]models.CandidateField)
	if len(raw) == 0 {
		return out, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode proposed_fields: %w", err)
	}

	for name, entry := range entries {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(entry, &obj); err != nil || obj == nil {
			out[name] = models.CandidateField{Value: jsonutil.FlexibleStringValue(entry)}
			continue
		}
		out[name] = models.CandidateField{
			Value:      jsonutil.FlexibleStringValue(obj["value"]),
			Source:     jsonutil.FlexibleStringValue(obj["source"]),
			Verified:   jsonutil.FlexibleBool(obj["verified"]),
			Confidence: jsonutil.FlexibleFloat(obj["confidence"]),
		}
	}
	return out, nil
}
