package user

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/contestboard/internal/domain"
	"github.com/victornm/contestboard/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

// Service resolves user identities for leaderboard views.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

// ResolveUsers returns the users found for ids. Unknown ids are absent from the result.
func (s *Service) ResolveUsers(ctx context.Context, ids []string) (map[string]domain.User, error) {
	if len(ids) == 0 {
		return map[string]domain.User{}, nil
	}

	const stmt = `SELECT user_id, label FROM users WHERE user_id = ANY($1);`

	rows, err := s.db.Query(ctx, stmt, ids)
	if err != nil {
		return nil, errors.Unavailable(fmt.Errorf("resolve users: %w", err))
	}

	users, err := pgx.CollectRows(rows, pgx.RowToStructByPos[domain.User])
	if err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}

	m := make(map[string]domain.User, len(users))
	for _, u := range users {
		m[u.UserID] = u
	}

	return m, nil
}
