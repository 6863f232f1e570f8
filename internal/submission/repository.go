package submission

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/contestboard/internal/domain"
	"github.com/victornm/contestboard/internal/errors"
)

// Repository stores scored submissions in contest_submissions.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts sub and runs apply before committing. The row is kept only if apply succeeds,
// so a submission the leaderboard refused is not recorded. When Create fails after apply ran, the
// caller has to undo apply.
func (r *Repository) Create(ctx context.Context, sub domain.Submission, apply func(ctx context.Context) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Unavailable(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const stmt = `
INSERT INTO contest_submissions (submission_id, mapping_id, contest_id, challenge_id, user_id, text, points, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	_, err = tx.Exec(ctx, stmt,
		sub.SubmissionID, sub.MappingID, sub.ContestID, sub.ChallengeID, sub.UserID, sub.Text, sub.Points, sub.CreateTime)
	if err != nil {
		return errors.Unavailable(fmt.Errorf("insert submission: %w", err))
	}

	if err = apply(ctx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return errors.Unavailable(fmt.Errorf("commit submission: %w", err))
	}

	return nil
}
