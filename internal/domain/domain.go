package domain

import (
	"time"
)

// ScoringWindow is how long a contest accepts submissions after it starts.
const ScoringWindow = 24 * time.Hour

// Contest is a timed set of challenges.
type Contest struct {
	ContestID  string
	Title      string
	StartTime  time.Time
	ArchivedAt *time.Time
	Challenges []ContestChallenge
}

// EndTime is the moment the scoring window closes.
func (c Contest) EndTime() time.Time {
	return c.StartTime.Add(ScoringWindow)
}

// Live reports whether submissions at t count towards the leaderboard.
func (c Contest) Live(t time.Time) bool {
	return !t.Before(c.StartTime) && t.Before(c.EndTime())
}

// Closed reports whether the scoring window has ended at t.
func (c Contest) Closed(t time.Time) bool {
	return !t.Before(c.EndTime())
}

type Challenge struct {
	ChallengeID string
	Title       string
	NotionDocID string
	MaxPoints   int64
}

// ContestChallenge is a challenge as it appears inside a contest.
type ContestChallenge struct {
	Challenge
	Index int
}

// ChallengeMapping ties a challenge to the contest it is played in.
type ChallengeMapping struct {
	MappingID string
	Contest   Contest
	Challenge Challenge
}

type User struct {
	UserID string
	Label  string
}

type Submission struct {
	SubmissionID string
	MappingID    string
	ContestID    string
	ChallengeID  string
	UserID       string
	Text         string
	Points       int64
	CreateTime   time.Time
}

// RankedEntry is one row of a ranked query against the live store.
type RankedEntry struct {
	Rank   int
	UserID string
	Points int64
}

// ArchivedRow is a frozen leaderboard row written when a contest is archived.
type ArchivedRow struct {
	ContestID string
	UserID    string
	Rank      int
	Points    int64
}

type LeaderboardSource string

const (
	SourceLive     LeaderboardSource = "live"
	SourceArchived LeaderboardSource = "archived"
)

// Leaderboard is the ranked view of a contest. Entries are ordered by rank ascending
// and come from a single source.
type Leaderboard struct {
	ContestID string
	Source    LeaderboardSource
	Entries   []LeaderboardEntry
}

// LeaderboardEntry keeps its rank even when the user cannot be resolved, in which case User is nil.
type LeaderboardEntry struct {
	Rank   int
	UserID string
	User   *User
	Points int64
}
