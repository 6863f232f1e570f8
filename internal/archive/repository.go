package archive

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/contestboard/internal/domain"
	"github.com/victornm/contestboard/internal/errors"
)

// Repository stores frozen leaderboards in the leaderboard_archive table.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ReplaceRows swaps the archived rows of a contest in one transaction, so a rerun leaves exactly
// the rows of the last run.
func (r *Repository) ReplaceRows(ctx context.Context, contestID string, rows []domain.ArchivedRow) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Unavailable(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const delStmt = `DELETE FROM leaderboard_archive WHERE contest_id = $1;`
	if _, err = tx.Exec(ctx, delStmt, contestID); err != nil {
		return fmt.Errorf("delete archived rows: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"leaderboard_archive"},
		[]string{"contest_id", "user_id", "rank", "points"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return []any{contestID, rows[i].UserID, rows[i].Rank, rows[i].Points}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy archived rows: %w", err)
	}

	return tx.Commit(ctx)
}

// ListRows returns up to limit archived rows ordered by rank; limit <= 0 returns all of them.
func (r *Repository) ListRows(ctx context.Context, contestID string, limit int) ([]domain.ArchivedRow, error) {
	const stmt = `
SELECT contest_id, user_id, rank, points
FROM leaderboard_archive
WHERE contest_id = $1
ORDER BY rank ASC
LIMIT NULLIF($2, 0);`

	if limit < 0 {
		limit = 0
	}

	rows, err := r.db.Query(ctx, stmt, contestID, limit)
	if err != nil {
		return nil, errors.Unavailable(fmt.Errorf("list archived rows: %w", err))
	}

	res, err := pgx.CollectRows(rows, pgx.RowToStructByPos[domain.ArchivedRow])
	if err != nil {
		return nil, fmt.Errorf("list archived rows: %w", err)
	}

	return res, nil
}
