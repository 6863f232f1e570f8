package api

import (
	"time"

	"github.com/victornm/contestboard/internal/domain"
)

type (
	Contest struct {
		ContestID  string      `json:"contest_id"`
		Title      string      `json:"title"`
		StartTime  time.Time   `json:"start_time"`
		EndTime    time.Time   `json:"end_time"`
		Archived   bool        `json:"archived"`
		Challenges []Challenge `json:"challenges,omitempty"`
	}

	Challenge struct {
		ChallengeID string `json:"challenge_id"`
		Title       string `json:"title"`
		NotionDocID string `json:"notion_doc_id"`
		MaxPoints   int64  `json:"max_points"`
		Index       int    `json:"index"`
	}

	Leaderboard struct {
		ContestID string             `json:"contest_id"`
		Source    string             `json:"source"`
		Entries   []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		Rank   int    `json:"rank"`
		UserID string `json:"user_id"`
		Label  string `json:"label,omitempty"`
		Points int64  `json:"points"`
	}

	Submission struct {
		SubmissionID string    `json:"submission_id"`
		ContestID    string    `json:"contest_id"`
		ChallengeID  string    `json:"challenge_id"`
		Points       int64     `json:"points"`
		CreateTime   time.Time `json:"create_time"`
	}
)

func toContest(c domain.Contest) Contest {
	v := Contest{
		ContestID: c.ContestID,
		Title:     c.Title,
		StartTime: c.StartTime,
		EndTime:   c.EndTime(),
		Archived:  c.ArchivedAt != nil,
	}

	for _, cc := range c.Challenges {
		ch := toChallenge(cc.Challenge)
		ch.Index = cc.Index
		v.Challenges = append(v.Challenges, ch)
	}

	return v
}

func toContests(cs []domain.Contest) []Contest {
	v := make([]Contest, 0, len(cs))
	for _, c := range cs {
		v = append(v, toContest(c))
	}
	return v
}

func toChallenge(c domain.Challenge) Challenge {
	return Challenge{
		ChallengeID: c.ChallengeID,
		Title:       c.Title,
		NotionDocID: c.NotionDocID,
		MaxPoints:   c.MaxPoints,
	}
}

func toLeaderboard(l domain.Leaderboard) Leaderboard {
	v := Leaderboard{
		ContestID: l.ContestID,
		Source:    string(l.Source),
		Entries:   make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, e := range l.Entries {
		entry := LeaderboardEntry{
			Rank:   e.Rank,
			UserID: e.UserID,
			Points: e.Points,
		}
		if e.User != nil {
			entry.Label = e.User.Label
		}
		v.Entries = append(v.Entries, entry)
	}

	return v
}

func toSubmission(s domain.Submission) Submission {
	return Submission{
		SubmissionID: s.SubmissionID,
		ContestID:    s.ContestID,
		ChallengeID:  s.ChallengeID,
		Points:       s.Points,
		CreateTime:   s.CreateTime,
	}
}
