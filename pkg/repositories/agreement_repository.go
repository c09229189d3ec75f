package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

// AgreementRepository provides data access for agreements.
type AgreementRepository interface {
	// Create inserts a new agreement.
	Create(ctx context.Context, q database.Querier, agreement *models.Agreement) error

	// ListByLocation returns a location's agreements ordered by (created_at, id).
	// With forUpdate the rows are locked.
	ListByLocation(ctx context.Context, q database.Querier, locationID uuid.UUID, forUpdate bool) ([]*models.Agreement, error)

	// Reassign moves agreements to another location.
	Reassign(ctx context.Context, q database.Querier, ids []uuid.UUID, toLocationID uuid.UUID) (int64, error)

	// SetDocumentURL overwrites the agreement's document URL.
	SetDocumentURL(ctx context.Context, q database.Querier, id uuid.UUID, url string) error

	// MarkMerged folds an agreement into its survivor and moves it under the
	// survivor's location.
	MarkMerged(ctx context.Context, q database.Querier, id, mergedInto, locationID uuid.UUID) error
}

type agreementRepository struct{}

// NewAgreementRepository creates a new AgreementRepository.
func NewAgreementRepository() AgreementRepository {
	return &agreementRepository{}
}

var _ AgreementRepository = (*agreementRepository)(nil)

const agreementColumns = `id, location_id, agreement_type, status, title, document_url, merged_into_id, created_at, updated_at`

func (r *agreementRepository) Create(ctx context.Context, q database.Querier, a *models.Agreement) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = models.AgreementStatusDraft
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := q.Exec(ctx, `
		INSERT INTO agreements (`+agreementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.LocationID, a.AgreementType, a.Status, a.Title, a.DocumentURL, a.MergedIntoID, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create agreement: %w", err)
	}
	return nil
}

func (r *agreementRepository) ListByLocation(ctx context.Context, q database.Querier, locationID uuid.UUID, forUpdate bool) ([]*models.Agreement, error) {
	query := `
		SELECT ` + agreementColumns + `
		FROM agreements
		WHERE location_id = $1
		ORDER BY created_at, id`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, locationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agreements: %w", err)
	}
	defer rows.Close()

	var agreements []*models.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		agreements = append(agreements, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agreements: %w", err)
	}
	return agreements, nil
}

func (r *agreementRepository) Reassign(ctx context.Context, q database.Querier, ids []uuid.UUID, toLocationID uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE agreements SET location_id = $2, updated_at = now()
		WHERE id = ANY($1)`, ids, toLocationID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign agreements: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *agreementRepository) SetDocumentURL(ctx context.Context, q database.Querier, id uuid.UUID, url string) error {
	_, err := q.Exec(ctx, `
		UPDATE agreements SET document_url = $2, updated_at = now()
		WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("failed to update agreement document: %w", err)
	}
	return nil
}

func (r *agreementRepository) MarkMerged(ctx context.Context, q database.Querier, id, mergedInto, locationID uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		UPDATE agreements
		SET status = $2, merged_into_id = $3, location_id = $4, updated_at = now()
		WHERE id = $1`, id, models.AgreementStatusMerged, mergedInto, locationID)
	if err != nil {
		return fmt.Errorf("failed to mark agreement merged: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("mark agreement %s merged: %d rows affected", id, tag.RowsAffected())
	}
	return nil
}

func scanAgreement(row pgx.Row) (*models.Agreement, error) {
	var a models.Agreement
	err := row.Scan(&a.ID, &a.LocationID, &a.AgreementType, &a.Status, &a.Title, &a.DocumentURL, &a.MergedIntoID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan agreement: %w", err)
	}
	return &a, nil
}
