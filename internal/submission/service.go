// Package submission accepts a solution, grades it and credits the points to the contest leaderboard.
package submission

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/victornm/contestboard/internal/domain"
	"github.com/victornm/contestboard/internal/errors"
	"github.com/victornm/contestboard/internal/event"
	"github.com/victornm/contestboard/internal/ranking"
	"github.com/victornm/contestboard/internal/telemetry"
)

const DefaultMaxLength = 20000

type Contests interface {
	FindChallenge(ctx context.Context, contestID, challengeID string) (*domain.ChallengeMapping, error)
}

type Limiter interface {
	TryConsume(ctx context.Context, userID, challengeID string) (bool, error)
}

type Scorer interface {
	Score(ctx context.Context, challengeTitle, text string, maxPoints int64) (int64, error)
}

type Ranking interface {
	Credit(ctx context.Context, contestID, userID, creditID string, delta int64) error
	Revoke(ctx context.Context, contestID, userID, creditID string) error
}

type Submissions interface {
	Create(ctx context.Context, sub domain.Submission, apply func(ctx context.Context) error) error
}

type Config struct {
	EventBus    *event.Bus
	Contests    Contests
	Limiter     Limiter
	Scorer      Scorer
	Ranking     Ranking
	Submissions Submissions
	MaxLength   int
	Now         func() time.Time
}

type Service struct {
	eb          *event.Bus
	contests    Contests
	limiter     Limiter
	scorer      Scorer
	ranking     Ranking
	submissions Submissions
	maxLength   int
	now         func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:          c.EventBus,
		contests:    c.Contests,
		limiter:     c.Limiter,
		scorer:      c.Scorer,
		ranking:     c.Ranking,
		submissions: c.Submissions,
		maxLength:   c.MaxLength,
		now:         c.Now,
	}

	if s.maxLength <= 0 {
		s.maxLength = DefaultMaxLength
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type SubmitRequest struct {
	UserID      string
	ContestID   string
	ChallengeID string
	Text        string
}

func (r SubmitRequest) validate(maxLength int) error {
	switch {
	case r.UserID == "":
		return errors.New(errors.CodeUnauthenticated)
	case r.ContestID == "" || r.ChallengeID == "":
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("contest and challenge are required"))
	case strings.TrimSpace(r.Text) == "":
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("submission text is empty"))
	case utf8.RuneCountInString(r.Text) > maxLength:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("submission text exceeds %d characters", maxLength))
	}
	return nil
}

// Submit grades a solution and adds its points to the user's score in the contest. Nothing is
// credited when the contest is not live, the user ran out of attempts, or grading failed.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Submission, error) {
	if err := req.validate(s.maxLength); err != nil {
		return nil, err
	}

	m, err := s.contests.FindChallenge(ctx, req.ContestID, req.ChallengeID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !m.Contest.Live(now) {
		telemetry.Submissions.WithLabelValues(telemetry.ResultClosed).Inc()
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("contest is not accepting submissions: contest=%s", req.ContestID))
	}

	ok, err := s.limiter.TryConsume(ctx, req.UserID, req.ChallengeID)
	if err != nil {
		telemetry.Submissions.WithLabelValues(telemetry.ResultStoreFailed).Inc()
		return nil, err
	}
	if !ok {
		telemetry.Submissions.WithLabelValues(telemetry.ResultRateLimited).Inc()
		return nil, errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("submission limit reached for challenge %s", req.ChallengeID))
	}

	points, err := s.scorer.Score(ctx, m.Challenge.Title, req.Text, m.Challenge.MaxPoints)
	if err != nil {
		telemetry.Submissions.WithLabelValues(telemetry.ResultScoringFailed).Inc()
		slog.ErrorContext(ctx, "submission: scoring failed",
			"contest", req.ContestID,
			"challenge", req.ChallengeID,
			"user", req.UserID,
			"error", err,
		)
		if errors.Is(err, errors.CodeUnavailable) {
			return nil, err
		}
		return nil, errors.Unavailable(fmt.Errorf("score submission: %w", err))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Internal(err)
	}

	sub := domain.Submission{
		SubmissionID: id.String(),
		MappingID:    m.MappingID,
		ContestID:    m.Contest.ContestID,
		ChallengeID:  m.Challenge.ChallengeID,
		UserID:       req.UserID,
		Text:         req.Text,
		Points:       points,
		CreateTime:   now,
	}

	err = s.submissions.Create(ctx, sub, func(ctx context.Context) error {
		return s.ranking.Credit(ctx, sub.ContestID, sub.UserID, sub.SubmissionID, sub.Points)
	})
	if stderrors.Is(err, ranking.ErrSealed) {
		telemetry.Submissions.WithLabelValues(telemetry.ResultClosed).Inc()
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("contest is being archived: contest=%s", sub.ContestID),
			errors.WithCause(err))
	}
	if err != nil {
		telemetry.Submissions.WithLabelValues(telemetry.ResultStoreFailed).Inc()
		if rerr := s.revoke(ctx, sub); rerr != nil {
			// The credit may stand without its row; a retry would be credited again.
			return nil, errors.Internal(stderrors.Join(err, rerr))
		}
		return nil, err
	}

	telemetry.Submissions.WithLabelValues(telemetry.ResultAccepted).Inc()
	telemetry.SubmissionPoints.Observe(float64(sub.Points))

	s.eb.Publish(ctx, domain.EventScoreIncremented{
		Submission: sub,
	})

	return &sub, nil
}

// revoke undoes the credit of a submission that was not recorded. Whether the credit landed is
// unknown when Create fails, so it is always attempted.
func (s *Service) revoke(ctx context.Context, sub domain.Submission) error {
	ctx = context.WithoutCancel(ctx)

	if err := s.ranking.Revoke(ctx, sub.ContestID, sub.UserID, sub.SubmissionID); err != nil {
		slog.ErrorContext(ctx, "submission: revoke credit failed",
			"submission", sub.SubmissionID,
			"contest", sub.ContestID,
			"user", sub.UserID,
			"points", sub.Points,
			"error", err,
		)
		return fmt.Errorf("revoke credit: %w", err)
	}

	return nil
}
