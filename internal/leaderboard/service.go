package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/contestboard/internal/domain"
	"github.com/victornm/contestboard/internal/errors"
	"github.com/victornm/contestboard/internal/event"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000

	publishInterval = 200 * time.Millisecond
)

type Ranking interface {
	TopN(ctx context.Context, contestID string, n int) ([]domain.RankedEntry, error)
}

type Contests interface {
	Get(ctx context.Context, contestID string) (*domain.Contest, error)
}

type Archive interface {
	ListRows(ctx context.Context, contestID string, limit int) ([]domain.ArchivedRow, error)
}

type Users interface {
	ResolveUsers(ctx context.Context, ids []string) (map[string]domain.User, error)
}

type Config struct {
	EventBus *event.Bus
	Ranking  Ranking
	Contests Contests
	Archive  Archive
	Users    Users
	Redis    redis.UniversalClient
	Prefix   string
	Now      func() time.Time
}

type Service struct {
	eb       *event.Bus
	ranking  Ranking
	contests Contests
	archive  Archive
	users    Users
	redis    redis.UniversalClient
	prefix   string
	now      func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:       c.EventBus,
		ranking:  c.Ranking,
		contests: c.Contests,
		archive:  c.Archive,
		users:    c.Users,
		redis:    c.Redis,
		prefix:   c.Prefix,
		now:      c.Now,
	}

	if s.now == nil {
		s.now = time.Now
	}

	s.eb.Subscribe(domain.EventNameScoreIncremented, func(ctx context.Context, e event.Event) error {
		return s.schedulePublishLeaderboard(ctx, e.(domain.EventScoreIncremented).Submission.ContestID)
	})

	s.eb.Subscribe(domain.EventNameContestArchived, func(ctx context.Context, e event.Event) error {
		return s.publishLeaderboard(ctx, e.(domain.EventContestArchived).ContestID)
	})

	return s
}

type ProjectRequest struct {
	ContestID string
	Limit     int
}

// Project returns the ranked leaderboard of a contest. Once a contest is closed and archived the
// durable rows are authoritative; otherwise the live store is read. The source is chosen once per
// call, so a result never mixes both.
func (s *Service) Project(ctx context.Context, req ProjectRequest) (*domain.Leaderboard, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("limit must be at most %d", MaxLimit))
	}

	c, err := s.contests.Get(ctx, req.ContestID)
	if err != nil {
		return nil, err
	}

	if c.Closed(s.now()) {
		rows, err := s.archive.ListRows(ctx, req.ContestID, limit)
		if err != nil {
			return nil, fmt.Errorf("list archived rows: %w", err)
		}

		if len(rows) > 0 {
			return s.projectArchived(ctx, req.ContestID, rows)
		}
	}

	entries, err := s.ranking.TopN(ctx, req.ContestID, limit)
	if err != nil {
		return nil, fmt.Errorf("top %d: %w", limit, err)
	}

	return s.projectLive(ctx, req.ContestID, entries)
}

func (s *Service) projectArchived(ctx context.Context, contestID string, rows []domain.ArchivedRow) (*domain.Leaderboard, error) {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}

	users, err := s.users.ResolveUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}

	l := &domain.Leaderboard{
		ContestID: contestID,
		Source:    domain.SourceArchived,
		Entries:   make([]domain.LeaderboardEntry, 0, len(rows)),
	}
	for _, r := range rows {
		l.Entries = append(l.Entries, domain.LeaderboardEntry{
			Rank:   r.Rank,
			UserID: r.UserID,
			User:   lookup(users, r.UserID),
			Points: r.Points,
		})
	}

	return l, nil
}

func (s *Service) projectLive(ctx context.Context, contestID string, entries []domain.RankedEntry) (*domain.Leaderboard, error) {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}

	users, err := s.users.ResolveUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}

	l := &domain.Leaderboard{
		ContestID: contestID,
		Source:    domain.SourceLive,
		Entries:   make([]domain.LeaderboardEntry, 0, len(entries)),
	}
	for _, e := range entries {
		l.Entries = append(l.Entries, domain.LeaderboardEntry{
			Rank:   e.Rank,
			UserID: e.UserID,
			User:   lookup(users, e.UserID),
			Points: e.Points,
		})
	}

	return l, nil
}

// lookup returns nil for users that no longer resolve; the entry keeps its rank.
func lookup(users map[string]domain.User, id string) *domain.User {
	u, ok := users[id]
	if !ok {
		return nil
	}
	return &u
}

// schedulePublishLeaderboard publishes at most one update per contest per publish interval at the
// start of the interval, and one more at its end when further increments arrived meanwhile.
// Bursts of submissions would otherwise publish one full leaderboard each.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, contestID string) error {
	// SETNX keeps several server instances from publishing the same window twice.
	ok, err := s.redis.SetNX(ctx, s.getPublishTimeKey(contestID), s.now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return s.scheduleTrailingPublish(ctx, contestID)
	}

	return s.publishLeaderboard(ctx, contestID)
}

// scheduleTrailingPublish waits for the current window to close and publishes again, so the last
// increments of a burst reach subscribers. One handler per window wins the trailing slot.
func (s *Service) scheduleTrailingPublish(ctx context.Context, contestID string) error {
	wait, err := s.redis.PTTL(ctx, s.getPublishTimeKey(contestID)).Result()
	if err != nil {
		return fmt.Errorf("pttl: %w", err)
	}

	if wait <= 0 {
		return s.publishLeaderboard(ctx, contestID)
	}

	ok, err := s.redis.SetNX(ctx, s.getTrailingPublishKey(contestID), s.now().UnixMilli(), wait).Result()
	if err != nil {
		return fmt.Errorf("setnx trailing: %w", err)
	}

	if !ok {
		return nil
	}

	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.publishLeaderboard(ctx, contestID)
}

func (s *Service) publishLeaderboard(ctx context.Context, contestID string) error {
	l, err := s.Project(ctx, ProjectRequest{
		ContestID: contestID,
	})
	if err != nil {
		return fmt.Errorf("project leaderboard failed: contest=%s: %w", contestID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

func (s *Service) getPublishTimeKey(contest string) string {
	return fmt.Sprintf("%s:{%s}:time", s.prefix, contest)
}

func (s *Service) getTrailingPublishKey(contest string) string {
	return fmt.Sprintf("%s:{%s}:trailing", s.prefix, contest)
}
