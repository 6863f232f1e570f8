package leaderboard_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/contestboard/internal/domain"
	"github.com/victornm/contestboard/internal/errors"
	"github.com/victornm/contestboard/internal/event"
	"github.com/victornm/contestboard/internal/leaderboard"
	"github.com/victornm/contestboard/internal/ranking"
)

var (
	now        = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	liveStart  = now.Add(-time.Hour)
	closeStart = now.Add(-25 * time.Hour)

	users = map[string]domain.User{
		"a": {UserID: "a", Label: "alice@example.com"},
		"b": {UserID: "b", Label: "bob@example.com"},
	}
)

func TestService_Project(t *testing.T) {
	type (
		inputs struct {
			contest    domain.Contest
			increments map[string]int64
			archived   []domain.ArchivedRow
			limit      int
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, got *domain.Leaderboard, err error)
	}{
		"live contest should be ranked from the live store": {
			arrange: func() inputs {
				return inputs{
					contest:    domain.Contest{ContestID: "c1", StartTime: liveStart},
					increments: map[string]int64{"a": 70, "b": 85},
					limit:      10,
				}
			},

			assert: func(t *testing.T, got *domain.Leaderboard, err error) {
				require.NoError(t, err)
				require.Equal(t, &domain.Leaderboard{
					ContestID: "c1",
					Source:    domain.SourceLive,
					Entries: []domain.LeaderboardEntry{
						{Rank: 1, UserID: "b", User: userPtr("b"), Points: 85},
						{Rank: 2, UserID: "a", User: userPtr("a"), Points: 70},
					},
				}, got)
			},
		},

		"unknown user should keep its rank without identity": {
			arrange: func() inputs {
				return inputs{
					contest:    domain.Contest{ContestID: "c1", StartTime: liveStart},
					increments: map[string]int64{"a": 70, "deleted": 90},
					limit:      10,
				}
			},

			assert: func(t *testing.T, got *domain.Leaderboard, err error) {
				require.NoError(t, err)
				require.Equal(t, []domain.LeaderboardEntry{
					{Rank: 1, UserID: "deleted", User: nil, Points: 90},
					{Rank: 2, UserID: "a", User: userPtr("a"), Points: 70},
				}, got.Entries)
			},
		},

		"archived contest should be read from durable rows even if the live store is populated": {
			arrange: func() inputs {
				return inputs{
					contest:    domain.Contest{ContestID: "c1", StartTime: closeStart},
					increments: map[string]int64{"a": 1000},
					archived: []domain.ArchivedRow{
						{ContestID: "c1", UserID: "b", Rank: 1, Points: 85},
						{ContestID: "c1", UserID: "a", Rank: 2, Points: 70},
					},
					limit: 10,
				}
			},

			assert: func(t *testing.T, got *domain.Leaderboard, err error) {
				require.NoError(t, err)
				require.Equal(t, &domain.Leaderboard{
					ContestID: "c1",
					Source:    domain.SourceArchived,
					Entries: []domain.LeaderboardEntry{
						{Rank: 1, UserID: "b", User: userPtr("b"), Points: 85},
						{Rank: 2, UserID: "a", User: userPtr("a"), Points: 70},
					},
				}, got)
			},
		},

		"archived rows should be truncated to the limit": {
			arrange: func() inputs {
				return inputs{
					contest: domain.Contest{ContestID: "c1", StartTime: closeStart},
					archived: []domain.ArchivedRow{
						{ContestID: "c1", UserID: "b", Rank: 1, Points: 85},
						{ContestID: "c1", UserID: "a", Rank: 2, Points: 70},
					},
					limit: 1,
				}
			},

			assert: func(t *testing.T, got *domain.Leaderboard, err error) {
				require.NoError(t, err)
				require.Len(t, got.Entries, 1)
				require.Equal(t, "b", got.Entries[0].UserID)
			},
		},

		"closed contest pending archival should still be served live": {
			arrange: func() inputs {
				return inputs{
					contest:    domain.Contest{ContestID: "c1", StartTime: closeStart},
					increments: map[string]int64{"a": 5},
					limit:      10,
				}
			},

			assert: func(t *testing.T, got *domain.Leaderboard, err error) {
				require.NoError(t, err)
				require.Equal(t, domain.SourceLive, got.Source)
				require.Len(t, got.Entries, 1)
			},
		},

		"live contest should ignore stale archived rows": {
			arrange: func() inputs {
				return inputs{
					contest:    domain.Contest{ContestID: "c1", StartTime: liveStart},
					increments: map[string]int64{"a": 5},
					archived:   []domain.ArchivedRow{{ContestID: "c1", UserID: "b", Rank: 1, Points: 99}},
					limit:      10,
				}
			},

			assert: func(t *testing.T, got *domain.Leaderboard, err error) {
				require.NoError(t, err)
				require.Equal(t, domain.SourceLive, got.Source)
				require.Equal(t, "a", got.Entries[0].UserID)
			},
		},

		"empty live contest should return no entries": {
			arrange: func() inputs {
				return inputs{
					contest: domain.Contest{ContestID: "c1", StartTime: liveStart},
				}
			},

			assert: func(t *testing.T, got *domain.Leaderboard, err error) {
				require.NoError(t, err)
				require.Empty(t, got.Entries)
			},
		},

		"limit above the maximum should be rejected": {
			arrange: func() inputs {
				return inputs{
					contest: domain.Contest{ContestID: "c1", StartTime: liveStart},
					limit:   leaderboard.MaxLimit + 1,
				}
			},

			assert: func(t *testing.T, _ *domain.Leaderboard, err error) {
				require.True(t, errors.Is(err, errors.CodeInvalidArgument))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			store := ranking.NewMemoryStore()
			for u, p := range in.increments {
				require.NoError(t, store.Increment(context.Background(), in.contest.ContestID, u, p))
			}

			s := makeService(t,
				withRanking(store),
				withContests(fakeContests{in.contest.ContestID: in.contest}),
				withArchive(fakeArchive{in.contest.ContestID: in.archived}),
			)

			got, err := s.Project(context.Background(), leaderboard.ProjectRequest{
				ContestID: in.contest.ContestID,
				Limit:     in.limit,
			})
			tt.assert(t, got, err)
		})
	}
}

func TestService_ProjectErrors(t *testing.T) {
	ctx := context.Background()

	s := makeService(t)
	_, err := s.Project(ctx, leaderboard.ProjectRequest{ContestID: "missing"})
	require.True(t, errors.Is(err, errors.CodeNotFound))

	storeErr := errors.Unavailable(stderrors.New("redis down"))
	s = makeService(t,
		withContests(fakeContests{"c1": {ContestID: "c1", StartTime: liveStart}}),
		withRanking(failingRanking{err: storeErr}),
	)
	_, err = s.Project(ctx, leaderboard.ProjectRequest{ContestID: "c1"})
	require.ErrorIs(t, err, storeErr, "store failures should surface instead of an empty leaderboard")
	require.True(t, errors.Is(err, errors.CodeUnavailable))
}

func TestService_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []event.Event
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	incremented := func(contest string) event.Event {
		return domain.EventScoreIncremented{Submission: domain.Submission{ContestID: contest, UserID: "a", Points: 1}}
	}

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish leaderboard.updated after receiving score.incremented": {
			arrange: func() inputs {
				return inputs{receivedEvents: []event.Event{incremented("c1")}}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					ContestID: "c1",
					Source:    domain.SourceLive,
					Entries: []domain.LeaderboardEntry{
						{Rank: 1, UserID: "a", User: userPtr("a"), Points: 10},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"should publish 2 events for 2 different contests": {
			arrange: func() inputs {
				return inputs{receivedEvents: []event.Event{incremented("c1"), incremented("c2")}}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated events")
			},
		},

		"should publish at the start and at the end of the publish interval for the same contest": {
			arrange: func() inputs {
				return inputs{receivedEvents: []event.Event{incremented("c1"), incremented("c1")}}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive a leading and a trailing event")
			},
		},

		"should publish at most 2 events for a burst within the publish interval": {
			arrange: func() inputs {
				return inputs{receivedEvents: []event.Event{
					incremented("c1"), incremented("c1"), incremented("c1"), incremented("c1"),
				}}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2)
			},
		},

		"should always publish after a contest is archived": {
			arrange: func() inputs {
				return inputs{receivedEvents: []event.Event{
					incremented("c1"),
					domain.EventContestArchived{ContestID: "c1", Rows: 1},
				}}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			store := ranking.NewMemoryStore()
			for _, c := range []string{"c1", "c2"} {
				require.NoError(t, store.Increment(context.Background(), c, "a", 10))
			}

			makeService(t,
				withEventBus(eb),
				withRanking(store),
				withContests(fakeContests{
					"c1": {ContestID: "c1", StartTime: liveStart},
					"c2": {ContestID: "c2", StartTime: liveStart},
				}),
			)

			// Handlers run asynchronously; publish sequentially so throttling is deterministic.
			for _, e := range in.receivedEvents {
				eb.Publish(context.Background(), e)
				eb.Stop()
			}

			tt.assert(t, out)
		})
	}
}

func TestService_PublishTrailingUpdate(t *testing.T) {
	eb := event.NewBus()

	var (
		mu  sync.Mutex
		got []domain.EventLeaderboardUpdated
	)
	eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		got = append(got, e.(domain.EventLeaderboardUpdated))
		mu.Unlock()
		return nil
	})

	store := ranking.NewMemoryStore()
	makeService(t,
		withEventBus(eb),
		withRanking(store),
		withContests(fakeContests{"c1": {ContestID: "c1", StartTime: liveStart}}),
	)

	incremented := domain.EventScoreIncremented{Submission: domain.Submission{ContestID: "c1", UserID: "a"}}

	require.NoError(t, store.Increment(context.Background(), "c1", "a", 10))
	eb.Publish(context.Background(), incremented)
	eb.Stop()

	start := time.Now()
	require.NoError(t, store.Increment(context.Background(), "c1", "a", 5))
	eb.Publish(context.Background(), incremented)
	eb.Stop()

	require.Len(t, got, 2)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "trailing update should wait for the window to close")
	require.Equal(t, []domain.LeaderboardEntry{
		{Rank: 1, UserID: "a", User: userPtr("a"), Points: 15},
	}, got[1].Leaderboard.Entries, "trailing update should carry the last increment")
}

func makeService(t *testing.T, opts ...options) *leaderboard.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Ranking:  ranking.NewMemoryStore(),
		Contests: fakeContests{},
		Archive:  fakeArchive{},
		Users:    fakeUsers(users),
		Redis:    rc,
		Now:      func() time.Time { return now },
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c)
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}

func withRanking(r leaderboard.Ranking) options {
	return func(c *leaderboard.Config) {
		c.Ranking = r
	}
}

func withContests(cs fakeContests) options {
	return func(c *leaderboard.Config) {
		c.Contests = cs
	}
}

func withArchive(a fakeArchive) options {
	return func(c *leaderboard.Config) {
		c.Archive = a
	}
}

func userPtr(id string) *domain.User {
	u := users[id]
	return &u
}

type fakeContests map[string]domain.Contest

func (f fakeContests) Get(_ context.Context, id string) (*domain.Contest, error) {
	c, ok := f[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound)
	}
	return &c, nil
}

type fakeArchive map[string][]domain.ArchivedRow

func (f fakeArchive) ListRows(_ context.Context, id string, limit int) ([]domain.ArchivedRow, error) {
	rows := f[id]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

type fakeUsers map[string]domain.User

func (f fakeUsers) ResolveUsers(_ context.Context, ids []string) (map[string]domain.User, error) {
	m := make(map[string]domain.User)
	for _, id := range ids {
		if u, ok := f[id]; ok {
			m[id] = u
		}
	}
	return m, nil
}

type failingRanking struct {
	err error
}

func (f failingRanking) TopN(context.Context, string, int) ([]domain.RankedEntry, error) {
	return nil, f.err
}
