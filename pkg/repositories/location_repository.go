package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

// LocationRepository provides data access for locations.
type LocationRepository interface {
	// Create inserts a new location.
	Create(ctx context.Context, q database.Querier, location *models.Location) error

	// GetByID returns the location, or nil if it does not exist.
	GetByID(ctx context.Context, q database.Querier, id uuid.UUID) (*models.Location, error)

	// LockByIDs takes row locks on the given locations in id order.
	LockByIDs(ctx context.Context, q database.Querier, ids []uuid.UUID) (map[uuid.UUID]*models.Location, error)

	// ListByAccount returns an account's locations ordered by (created_at, id).
	// With forUpdate the rows are locked.
	ListByAccount(ctx context.Context, q database.Querier, accountID uuid.UUID, forUpdate bool) ([]*models.Location, error)

	// Reassign moves locations to another account.
	Reassign(ctx context.Context, q database.Querier, ids []uuid.UUID, toAccountID uuid.UUID) (int64, error)

	// UpdateFields writes only the given patchable columns and returns the
	// updated row.
	UpdateFields(ctx context.Context, q database.Querier, id uuid.UUID, values map[string]string) (*models.Location, error)

	// MarkMerged folds a location into its survivor and moves it under the
	// survivor's account.
	MarkMerged(ctx context.Context, q database.Querier, id, mergedInto, accountID uuid.UUID) error
}

type locationRepository struct{}

// NewLocationRepository creates a new LocationRepository.
func NewLocationRepository() LocationRepository {
	return &locationRepository{}
}

var _ LocationRepository = (*locationRepository)(nil)

const locationColumns = `id, account_id, name, address_line1, address_line2, city, state, postal_code,
	phone, website, email, license_document_url, status, merged_into_id, created_at, updated_at`

func (r *locationRepository) Create(ctx context.Context, q database.Querier, l *models.Location) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = models.StatusActive
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	_, err := q.Exec(ctx, `
		INSERT INTO locations (`+locationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		l.ID, l.AccountID, l.Name, l.AddressLine1, l.AddressLine2, l.City, l.State, l.PostalCode,
		l.Phone, l.Website, l.Email, l.LicenseDocumentURL, l.Status, l.MergedIntoID, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create location: %w", err)
	}
	return nil
}

func (r *locationRepository) GetByID(ctx context.Context, q database.Querier, id uuid.UUID) (*models.Location, error) {
	row := q.QueryRow(ctx, `SELECT `+locationColumns+` FROM locations WHERE id = $1`, id)
	l, err := scanLocation(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

func (r *locationRepository) LockByIDs(ctx context.Context, q database.Querier, ids []uuid.UUID) (map[uuid.UUID]*models.Location, error) {
	result := make(map[uuid.UUID]*models.Location, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := q.Query(ctx, `
		SELECT `+locationColumns+`
		FROM locations
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lock locations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		result[l.ID] = l
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}
	return result, nil
}

func (r *locationRepository) ListByAccount(ctx context.Context, q database.Querier, accountID uuid.UUID, forUpdate bool) ([]*models.Location, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM locations
		WHERE account_id = $1
		ORDER BY created_at, id`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	var locations []*models.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}
	return locations, nil
}

func (r *locationRepository) Reassign(ctx context.Context, q database.Querier, ids []uuid.UUID, toAccountID uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE locations SET account_id = $2, updated_at = now()
		WHERE id = ANY($1)`, ids, toAccountID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign locations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *locationRepository) UpdateFields(ctx context.Context, q database.Querier, id uuid.UUID, values map[string]string) (*models.Location, error) {
	if len(values) == 0 {
		return r.GetByID(ctx, q, id)
	}

	// Column names come from the fixed patchable list, never from input.
	sets := make([]string, 0, len(values)+1)
	args := []any{id}
	for _, field := range models.PatchableLocationFields {
		v, ok := values[field]
		if !ok {
			continue
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", field, len(args)))
	}
	if len(sets) != len(values) {
		return nil, fmt.Errorf("update location: unknown field in %v", keys(values))
	}
	sets = append(sets, "updated_at = now()")

	row := q.QueryRow(ctx, `
		UPDATE locations SET `+strings.Join(sets, ", ")+`
		WHERE id = $1
		RETURNING `+locationColumns, args...)
	l, err := scanLocation(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update location fields: %w", err)
	}
	return l, nil
}

func (r *locationRepository) MarkMerged(ctx context.Context, q database.Querier, id, mergedInto, accountID uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		UPDATE locations
		SET status = $2, merged_into_id = $3, account_id = $4, updated_at = now()
		WHERE id = $1`, id, models.StatusMerged, mergedInto, accountID)
	if err != nil {
		return fmt.Errorf("failed to mark location merged: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("mark location %s merged: %d rows affected", id, tag.RowsAffected())
	}
	return nil
}

func scanLocation(row pgx.Row) (*models.Location, error) {
	var l models.Location
	err := row.Scan(
		&l.ID, &l.AccountID, &l.Name, &l.AddressLine1, &l.AddressLine2, &l.City, &l.State, &l.PostalCode,
		&l.Phone, &l.Website, &l.Email, &l.LicenseDocumentURL, &l.Status, &l.MergedIntoID, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan location: %w", err)
	}
	return &l, nil
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
