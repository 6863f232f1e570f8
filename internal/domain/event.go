package domain

const (
	EventNameScoreIncremented   = "score.incremented"
	EventNameLeaderboardUpdated = "leaderboard.updated"
	EventNameContestArchived    = "contest.archived"
)

type EventScoreIncremented struct {
	Submission Submission
}

func (EventScoreIncremented) Name() string { return EventNameScoreIncremented }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

type EventContestArchived struct {
	ContestID string
	Rows      int
}

func (EventContestArchived) Name() string { return EventNameContestArchived }
