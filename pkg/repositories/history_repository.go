package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

// HistoryRepository provides data access for the records that hang off
// either an account or a location: activities, notes and uploads.
type HistoryRepository interface {
	CreateActivity(ctx context.Context, q database.Querier, a *models.Activity) error
	CreateNote(ctx context.Context, q database.Querier, n *models.Note) error
	CreateUpload(ctx context.Context, q database.Querier, u *models.Upload) error

	// ListByParent returns references to the parent's records of one kind,
	// ordered by (created_at, id). With forUpdate the rows are locked.
	ListByParent(ctx context.Context, q database.Querier, kind models.ChildKind, parent models.ParentRef, forUpdate bool) ([]models.ChildRef, error)

	// Reassign points the given records at a new parent of the same kind.
	Reassign(ctx context.Context, q database.Querier, kind models.ChildKind, ids []uuid.UUID, to models.ParentRef) (int64, error)
}

type historyRepository struct{}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository() HistoryRepository {
	return &historyRepository{}
}

var _ HistoryRepository = (*historyRepository)(nil)

// historyTable maps a record kind to its table and the column used as label.
func historyTable(kind models.ChildKind) (table, label string, err error) {
	switch kind {
	case models.ChildActivity:
		return "activities", "activity_type || ': ' || left(body, 80)", nil
	case models.ChildNote:
		return "notes", "left(body, 80)", nil
	case models.ChildUpload:
		return "uploads", "CASE WHEN file_name <> '' THEN file_name ELSE storage_url END", nil
	default:
		return "", "", fmt.Errorf("unsupported history kind %q", kind)
	}
}

func parentColumn(kind models.ParentKind) (string, error) {
	switch kind {
	case models.ParentAccount:
		return "account_id", nil
	case models.ParentLocation:
		return "location_id", nil
	default:
		return "", fmt.Errorf("unsupported parent kind %q", kind)
	}
}

// parentArgs splits a ParentRef into the (account_id, location_id) pair.
func parentArgs(p models.ParentRef) (accountID, locationID *uuid.UUID) {
	id := p.ID
	if p.Kind == models.ParentAccount {
		return &id, nil
	}
	return nil, &id
}

func (r *historyRepository) CreateActivity(ctx context.Context, q database.Querier, a *models.Activity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.ActivityType == "" {
		a.ActivityType = models.ActivityTypeOther
	}
	now := time.Now().UTC()
	if a.OccurredAt.IsZero() {
		a.OccurredAt = now
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	accountID, locationID := parentArgs(a.Parent)

	_, err := q.Exec(ctx, `
		INSERT INTO activities (id, account_id, location_id, activity_type, author, occurred_at, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, accountID, locationID, a.ActivityType, a.Author, a.OccurredAt, a.Body, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create activity: %w", err)
	}
	return nil
}

func (r *historyRepository) CreateNote(ctx context.Context, q database.Querier, n *models.Note) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	accountID, locationID := parentArgs(n.Parent)

	_, err := q.Exec(ctx, `
		INSERT INTO notes (id, account_id, location_id, author, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, accountID, locationID, n.Author, n.Body, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create note: %w", err)
	}
	return nil
}

func (r *historyRepository) CreateUpload(ctx context.Context, q database.Querier, u *models.Upload) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	metadata := []byte("{}")
	if len(u.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(u.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal upload metadata: %w", err)
		}
	}
	accountID, locationID := parentArgs(u.Parent)

	_, err := q.Exec(ctx, `
		INSERT INTO uploads (id, account_id, location_id, storage_url, file_name, content_type, size_bytes, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, accountID, locationID, u.StorageURL, u.FileName, u.ContentType, u.SizeBytes, metadata, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

func (r *historyRepository) ListByParent(ctx context.Context, q database.Querier, kind models.ChildKind, parent models.ParentRef, forUpdate bool) ([]models.ChildRef, error) {
	table, label, err := historyTable(kind)
	if err != nil {
		return nil, err
	}
	column, err := parentColumn(parent.Kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, %s, created_at
		FROM %s
		WHERE %s = $1
		ORDER BY created_at, id`, label, table, column)
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var refs []models.ChildRef
	for rows.Next() {
		ref := models.ChildRef{Kind: kind}
		if err := rows.Scan(&ref.ID, &ref.Label, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return refs, nil
}

func (r *historyRepository) Reassign(ctx context.Context, q database.Querier, kind models.ChildKind, ids []uuid.UUID, to models.ParentRef) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	table, _, err := historyTable(kind)
	if err != nil {
		return 0, err
	}
	column, err := parentColumn(to.Kind)
	if err != nil {
		return 0, err
	}

	tag, err := q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE id = ANY($1)`, table, column), ids, to.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}
