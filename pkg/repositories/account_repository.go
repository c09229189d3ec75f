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

// AccountRepository provides data access for accounts.
type AccountRepository interface {
	// Create inserts a new account.
	Create(ctx context.Context, q database.Querier, account *models.Account) error

	// GetByID returns the account, or nil if it does not exist.
	GetByID(ctx context.Context, q database.Querier, id uuid.UUID) (*models.Account, error)

	// LockByIDs takes row locks on the given accounts in id order and returns
	// the ones that exist, keyed by id.
	LockByIDs(ctx context.Context, q database.Querier, ids []uuid.UUID) (map[uuid.UUID]*models.Account, error)

	// MarkMerged retires an account into its survivor.
	MarkMerged(ctx context.Context, q database.Querier, id, mergedInto uuid.UUID) error
}

type accountRepository struct{}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository() AccountRepository {
	return &accountRepository{}
}

var _ AccountRepository = (*accountRepository)(nil)

const accountColumns = `id, name, status, account_type, merged_into_id, created_at, updated_at`

func (r *accountRepository) Create(ctx context.Context, q database.Querier, account *models.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.Status == "" {
		account.Status = models.StatusActive
	}
	if account.AccountType == "" {
		account.AccountType = models.AccountTypeSingleLocation
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	_, err := q.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.Name, account.Status, account.AccountType,
		account.MergedIntoID, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *accountRepository) GetByID(ctx context.Context, q database.Querier, id uuid.UUID) (*models.Account, error) {
	row := q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}

func (r *accountRepository) LockByIDs(ctx context.Context, q database.Querier, ids []uuid.UUID) (map[uuid.UUID]*models.Account, error) {
	result := make(map[uuid.UUID]*models.Account, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := q.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lock accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result[account.ID] = account
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return result, nil
}

func (r *accountRepository) MarkMerged(ctx context.Context, q database.Querier, id, mergedInto uuid.UUID) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts
		SET status = $2, merged_into_id = $3, updated_at = now()
		WHERE id = $1`, id, models.StatusMerged, mergedInto)
	if err != nil {
		return fmt.Errorf("failed to mark account merged: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("mark account %s merged: %d rows affected", id, tag.RowsAffected())
	}
	return nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Name, &a.Status, &a.AccountType, &a.MergedIntoID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &a, nil
}
