package contest

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/contestboard/internal/domain"
	"github.com/victornm/contestboard/internal/errors"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

type Config struct {
	DB *pgxpool.Pool
}

// Service is the contest metadata store. It owns the contest window that decides whether a
// contest is live or closed.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

func (s *Service) Get(ctx context.Context, contestID string) (*domain.Contest, error) {
	const stmt = `SELECT contest_id, title, start_time, archived_at FROM contests WHERE contest_id = $1;`

	rows, err := s.db.Query(ctx, stmt, contestID)
	if err != nil {
		return nil, errors.Unavailable(fmt.Errorf("get contest: %w", err))
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanContest)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("contest not found: contest=%s", contestID))
	}
	if err != nil {
		return nil, fmt.Errorf("get contest: %w", err)
	}

	return &c, nil
}

// GetWithChallenges returns the contest and its challenges ordered by index.
func (s *Service) GetWithChallenges(ctx context.Context, contestID string) (*domain.Contest, error) {
	c, err := s.Get(ctx, contestID)
	if err != nil {
		return nil, err
	}

	const stmt = `
SELECT ch.challenge_id, ch.title, ch.notion_doc_id, ch.max_points, cc.idx
FROM contest_challenges cc
JOIN challenges ch ON ch.challenge_id = cc.challenge_id
WHERE cc.contest_id = $1
ORDER BY cc.idx ASC;`

	rows, err := s.db.Query(ctx, stmt, contestID)
	if err != nil {
		return nil, errors.Unavailable(fmt.Errorf("list challenges: %w", err))
	}

	c.Challenges, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.ContestChallenge, error) {
		var cc domain.ContestChallenge
		err := r.Scan(&cc.ChallengeID, &cc.Title, &cc.NotionDocID, &cc.MaxPoints, &cc.Index)
		return cc, err
	})
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}

	return c, nil
}

type ListRequest struct {
	Offset int
	Limit  int
	Now    time.Time
}

// ListActive returns contests whose scoring window is open at req.Now, newest first.
func (s *Service) ListActive(ctx context.Context, req ListRequest) ([]domain.Contest, error) {
	const stmt = `
SELECT contest_id, title, start_time, archived_at
FROM contests
WHERE start_time <= $1 AND start_time > $2
ORDER BY start_time DESC
OFFSET $3 LIMIT $4;`

	return s.list(ctx, stmt, req.Now, req.Now.Add(-domain.ScoringWindow), req.Offset, req.Limit)
}

// ListFinished returns contests whose scoring window has closed at req.Now, newest first.
func (s *Service) ListFinished(ctx context.Context, req ListRequest) ([]domain.Contest, error) {
	const stmt = `
SELECT contest_id, title, start_time, archived_at
FROM contests
WHERE start_time <= $1
ORDER BY start_time DESC
OFFSET $2 LIMIT $3;`

	return s.list(ctx, stmt, req.Now.Add(-domain.ScoringWindow), req.Offset, req.Limit)
}

// ListPendingArchival returns closed contests that have not been marked archived yet.
func (s *Service) ListPendingArchival(ctx context.Context, now time.Time) ([]domain.Contest, error) {
	const stmt = `
SELECT contest_id, title, start_time, archived_at
FROM contests
WHERE start_time <= $1 AND archived_at IS NULL
ORDER BY start_time ASC;`

	return s.list(ctx, stmt, now.Add(-domain.ScoringWindow))
}

func (s *Service) list(ctx context.Context, stmt string, args ...any) ([]domain.Contest, error) {
	rows, err := s.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Unavailable(fmt.Errorf("list contests: %w", err))
	}

	contests, err := pgx.CollectRows(rows, scanContest)
	if err != nil {
		return nil, fmt.Errorf("list contests: %w", err)
	}

	return contests, nil
}

func (s *Service) MarkArchived(ctx context.Context, contestID string, at time.Time) error {
	const stmt = `UPDATE contests SET archived_at = $2 WHERE contest_id = $1 AND archived_at IS NULL;`

	if _, err := s.db.Exec(ctx, stmt, contestID, at); err != nil {
		return errors.Unavailable(fmt.Errorf("mark archived: %w", err))
	}

	return nil
}

// FindChallenge resolves a challenge inside a contest.
func (s *Service) FindChallenge(ctx context.Context, contestID, challengeID string) (*domain.ChallengeMapping, error) {
	const stmt = `
SELECT cc.mapping_id,
	c.contest_id, c.title, c.start_time, c.archived_at,
	ch.challenge_id, ch.title, ch.notion_doc_id, ch.max_points
FROM contest_challenges cc
JOIN contests c ON c.contest_id = cc.contest_id
JOIN challenges ch ON ch.challenge_id = cc.challenge_id
WHERE cc.contest_id = $1 AND cc.challenge_id = $2;`

	var m domain.ChallengeMapping
	err := s.db.QueryRow(ctx, stmt, contestID, challengeID).Scan(
		&m.MappingID,
		&m.Contest.ContestID, &m.Contest.Title, &m.Contest.StartTime, &m.Contest.ArchivedAt,
		&m.Challenge.ChallengeID, &m.Challenge.Title, &m.Challenge.NotionDocID, &m.Challenge.MaxPoints,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("challenge not found in contest: contest=%s challenge=%s", contestID, challengeID))
	}
	if err != nil {
		return nil, errors.Unavailable(fmt.Errorf("find challenge: %w", err))
	}

	return &m, nil
}

type CreateContestRequest struct {
	Title     string
	StartTime time.Time
}

func (s *Service) CreateContest(ctx context.Context, req CreateContestRequest) (*domain.Contest, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate contest ID: %w", err)
	}

	const stmt = `INSERT INTO contests (contest_id, title, start_time) VALUES ($1, $2, $3);`

	if _, err := s.db.Exec(ctx, stmt, id.String(), req.Title, req.StartTime); err != nil {
		return nil, fmt.Errorf("insert contest: %w", err)
	}

	return &domain.Contest{
		ContestID: id.String(),
		Title:     req.Title,
		StartTime: req.StartTime,
	}, nil
}

type CreateChallengeRequest struct {
	Title       string
	NotionDocID string
	MaxPoints   int64
}

func (s *Service) CreateChallenge(ctx context.Context, req CreateChallengeRequest) (*domain.Challenge, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate challenge ID: %w", err)
	}

	const stmt = `INSERT INTO challenges (challenge_id, title, notion_doc_id, max_points) VALUES ($1, $2, $3, $4);`

	if _, err := s.db.Exec(ctx, stmt, id.String(), req.Title, req.NotionDocID, req.MaxPoints); err != nil {
		return nil, fmt.Errorf("insert challenge: %w", err)
	}

	return &domain.Challenge{
		ChallengeID: id.String(),
		Title:       req.Title,
		NotionDocID: req.NotionDocID,
		MaxPoints:   req.MaxPoints,
	}, nil
}

type LinkRequest struct {
	ContestID   string
	ChallengeID string
	Index       int
}

// Link adds a challenge to a contest at the given index.
func (s *Service) Link(ctx context.Context, req LinkRequest) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate mapping ID: %w", err)
	}

	const stmt = `INSERT INTO contest_challenges (mapping_id, contest_id, challenge_id, idx) VALUES ($1, $2, $3, $4);`

	_, err = s.db.Exec(ctx, stmt, id.String(), req.ContestID, req.ChallengeID, req.Index)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return "", errors.New(errors.CodeAlreadyExists, errors.WithCause(err),
				errors.WithMessagef("challenge already linked: contest=%s challenge=%s", req.ContestID, req.ChallengeID))
		case codeForeignKeyViolation:
			return "", errors.New(errors.CodeNotFound, errors.WithCause(err),
				errors.WithMessagef("contest or challenge not found: contest=%s challenge=%s", req.ContestID, req.ChallengeID))
		}
	}
	if err != nil {
		return "", fmt.Errorf("insert mapping: %w", err)
	}

	return id.String(), nil
}

func (s *Service) Unlink(ctx context.Context, contestID, challengeID string) error {
	const stmt = `DELETE FROM contest_challenges WHERE contest_id = $1 AND challenge_id = $2;`

	tag, err := s.db.Exec(ctx, stmt, contestID, challengeID)
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("challenge not linked: contest=%s challenge=%s", contestID, challengeID))
	}

	return nil
}

func scanContest(r pgx.CollectableRow) (domain.Contest, error) {
	var c domain.Contest
	err := r.Scan(&c.ContestID, &c.Title, &c.StartTime, &c.ArchivedAt)
	return c, err
}
