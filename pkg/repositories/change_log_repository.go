package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

// ChangeLogRepository is the append-only store behind the change log.
// It deliberately has no update or delete operation.
type ChangeLogRepository interface {
	// Insert appends an entry and fills in its id, sequence and created_at.
	Insert(ctx context.Context, q database.Querier, entry *models.ChangeLogEntry) error

	// List returns entries matching the filters, newest first.
	List(ctx context.Context, q database.Querier, filters models.ChangeLogFilters) ([]*models.ChangeLogEntry, error)
}

type changeLogRepository struct{}

// NewChangeLogRepository creates a new ChangeLogRepository.
func NewChangeLogRepository() ChangeLogRepository {
	return &changeLogRepository{}
}

var _ ChangeLogRepository = (*changeLogRepository)(nil)

var changeLogColumns = []string{
	"id", "sequence", "action_type", "entity_type", "entity_id", "entity_name",
	"actor_id", "description", "details", "related_ids", "created_at",
}

func (r *changeLogRepository) Insert(ctx context.Context, q database.Querier, entry *models.ChangeLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	details, err := models.EncodeChangeDetails(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode change details: %w", err)
	}
	related := entry.RelatedIDs
	if related == nil {
		related = []uuid.UUID{}
	}

	err = q.QueryRow(ctx, `
		INSERT INTO change_log (
			id, action_type, entity_type, entity_id, entity_name, actor_id, description, details, related_ids
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING sequence, created_at`,
		entry.ID,
		entry.ActionType,
		entry.EntityType,
		entry.EntityID,
		entry.EntityName,
		entry.ActorID,
		entry.Description,
		details,
		related,
	).Scan(&entry.Sequence, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert change log entry: %w", err)
	}
	return nil
}

func (r *changeLogRepository) List(ctx context.Context, q database.Querier, filters models.ChangeLogFilters) ([]*models.ChangeLogEntry, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(changeLogColumns...)
	sb.From("change_log")

	var where []string
	if filters.ActionType != "" {
		where = append(where, sb.Equal("action_type", string(filters.ActionType)))
	}
	if filters.EntityType != "" {
		where = append(where, sb.Equal("entity_type", filters.EntityType))
	}
	if filters.EntityID != nil {
		id := *filters.EntityID
		where = append(where, sb.Or(
			sb.Equal("entity_id", id),
			fmt.Sprintf("related_ids @> ARRAY[%s]::uuid[]", sb.Var(id)),
		))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("sequence").Desc()
	sb.Limit(filters.EffectiveLimit())

	query, args := sb.Build()
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var entries []*models.ChangeLogEntry
	for rows.Next() {
		entry, err := scanChangeLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change log entries: %w", err)
	}
	return entries, nil
}

func scanChangeLogEntry(row pgx.Row) (*models.ChangeLogEntry, error) {
	var e models.ChangeLogEntry
	var action string
	var details []byte

	err := row.Scan(
		&e.ID, &e.Sequence, &action, &e.EntityType, &e.EntityID, &e.EntityName,
		&e.ActorID, &e.Description, &details, &e.RelatedIDs, &e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan change log entry: %w", err)
	}

	e.ActionType = models.ActionType(action)
	e.Details, err = models.DecodeChangeDetails(e.ActionType, details)
	if err != nil {
		return nil, fmt.Errorf("change log entry %d: %w", e.Sequence, err)
	}
	return &e, nil
}
