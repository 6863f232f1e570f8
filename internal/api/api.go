package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/contestboard/internal/contest"
	"github.com/victornm/contestboard/internal/domain"
	"github.com/victornm/contestboard/internal/errors"
	"github.com/victornm/contestboard/internal/event"
	"github.com/victornm/contestboard/internal/leaderboard"
	"github.com/victornm/contestboard/internal/submission"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Contests interface {
	GetWithChallenges(ctx context.Context, contestID string) (*domain.Contest, error)
	ListActive(ctx context.Context, req contest.ListRequest) ([]domain.Contest, error)
	ListFinished(ctx context.Context, req contest.ListRequest) ([]domain.Contest, error)
	FindChallenge(ctx context.Context, contestID, challengeID string) (*domain.ChallengeMapping, error)
	CreateContest(ctx context.Context, req contest.CreateContestRequest) (*domain.Contest, error)
	CreateChallenge(ctx context.Context, req contest.CreateChallengeRequest) (*domain.Challenge, error)
	Link(ctx context.Context, req contest.LinkRequest) (string, error)
	Unlink(ctx context.Context, contestID, challengeID string) error
}

type LeaderboardProjector interface {
	Project(ctx context.Context, req leaderboard.ProjectRequest) (*domain.Leaderboard, error)
}

type Submissions interface {
	Submit(ctx context.Context, req submission.SubmitRequest) (*domain.Submission, error)
}

type Archiver interface {
	Archive(ctx context.Context, contestID string) (bool, error)
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Auth         *Authenticator
	Contests     Contests
	Leaderboard  LeaderboardProjector
	Submissions  Submissions
	Archiver     Archiver
	Redis        Redis
	PubsubPrefix string
	Now          func() time.Time
}

type API struct {
	auth *Authenticator
	cs   Contests
	ls   LeaderboardProjector
	ss   Submissions
	as   Archiver

	redis  Redis
	prefix string
	now    func() time.Time
}

func New(c Config) *API {
	a := &API{
		auth:   c.Auth,
		cs:     c.Contests,
		ls:     c.Leaderboard,
		ss:     c.Submissions,
		as:     c.Archiver,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
		now:    c.Now,
	}

	if a.now == nil {
		a.now = time.Now
	}

	a.register(c.Router)

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}

func (a *API) register(r gin.IRouter) {
	user := a.auth.RequireRole()
	admin := a.auth.RequireRole(RoleAdmin)

	contests := r.Group("/contests")
	contests.GET("/active", a.ListActive)
	contests.GET("/finished", a.ListFinished)
	contests.GET("/:contestId", user, a.GetContest)
	contests.GET("/:contestId/leaderboard", a.GetLeaderboard)
	contests.GET("/:contestId/leaderboard/live", a.StreamLeaderboard)
	contests.GET("/:contestId/challenges/:challengeId", user, a.GetChallenge)
	contests.POST("/:contestId/challenges/:challengeId/submissions", user, a.Submit)

	adm := r.Group("/admin", admin)
	adm.POST("/contests", a.CreateContest)
	adm.POST("/challenges", a.CreateChallenge)
	adm.POST("/contests/:contestId/challenges/:challengeId", a.LinkChallenge)
	adm.DELETE("/contests/:contestId/challenges/:challengeId", a.UnlinkChallenge)
	adm.POST("/contests/:contestId/archive", a.ArchiveContest)
}

type pageQuery struct {
	Offset int `form:"offset" binding:"min=0"`
	Limit  int `form:"limit" binding:"min=0,max=100"`
}

func (a *API) listRequest(c *gin.Context) (contest.ListRequest, bool) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, invalid(err))
		return contest.ListRequest{}, false
	}

	if q.Limit == 0 {
		q.Limit = defaultPageSize
	}

	return contest.ListRequest{Offset: q.Offset, Limit: q.Limit, Now: a.now()}, true
}

func (a *API) ListActive(c *gin.Context) {
	req, ok := a.listRequest(c)
	if !ok {
		return
	}

	cs, err := a.cs.ListActive(c.Request.Context(), req)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contests": toContests(cs)})
}

func (a *API) ListFinished(c *gin.Context) {
	req, ok := a.listRequest(c)
	if !ok {
		return
	}

	cs, err := a.cs.ListFinished(c.Request.Context(), req)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contests": toContests(cs)})
}

func (a *API) GetContest(c *gin.Context) {
	ct, err := a.cs.GetWithChallenges(c.Request.Context(), c.Param("contestId"))
	if err != nil {
		abort(c, err)
		return
	}

	// Challenges stay hidden until the contest starts.
	if a.now().Before(ct.StartTime) {
		ct.Challenges = nil
	}

	c.JSON(http.StatusOK, gin.H{"contest": toContest(*ct)})
}

func (a *API) GetChallenge(c *gin.Context) {
	m, err := a.cs.FindChallenge(c.Request.Context(), c.Param("contestId"), c.Param("challengeId"))
	if err != nil {
		abort(c, err)
		return
	}

	if a.now().Before(m.Contest.StartTime) {
		abort(c, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("contest has not started yet")))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challenge": toChallenge(m.Challenge),
		"contest":   toContest(m.Contest),
	})
}

type leaderboardQuery struct {
	Limit int `form:"limit" binding:"min=0"`
}

func (a *API) GetLeaderboard(c *gin.Context) {
	var q leaderboardQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, invalid(err))
		return
	}

	l, err := a.ls.Project(c.Request.Context(), leaderboard.ProjectRequest{
		ContestID: c.Param("contestId"),
		Limit:     q.Limit,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"leaderboard": toLeaderboard(*l)})
}

type submitBody struct {
	Submission string `json:"submission" binding:"required"`
}

func (a *API) Submit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, invalid(err))
		return
	}

	sub, err := a.ss.Submit(c.Request.Context(), submission.SubmitRequest{
		UserID:      claimsFrom(c).UserID,
		ContestID:   c.Param("contestId"),
		ChallengeID: c.Param("challengeId"),
		Text:        body.Submission,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"submission": toSubmission(*sub)})
}

type createContestBody struct {
	Title     string    `json:"title" binding:"required"`
	StartTime time.Time `json:"start_time" binding:"required"`
}

func (a *API) CreateContest(c *gin.Context) {
	var body createContestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, invalid(err))
		return
	}

	ct, err := a.cs.CreateContest(c.Request.Context(), contest.CreateContestRequest{
		Title:     body.Title,
		StartTime: body.StartTime,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contest": toContest(*ct)})
}

type createChallengeBody struct {
	Title       string `json:"title" binding:"required"`
	NotionDocID string `json:"notion_doc_id" binding:"required"`
	MaxPoints   int64  `json:"max_points" binding:"required,min=1"`
}

func (a *API) CreateChallenge(c *gin.Context) {
	var body createChallengeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, invalid(err))
		return
	}

	ch, err := a.cs.CreateChallenge(c.Request.Context(), contest.CreateChallengeRequest{
		Title:       body.Title,
		NotionDocID: body.NotionDocID,
		MaxPoints:   body.MaxPoints,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"challenge": toChallenge(*ch)})
}

type linkBody struct {
	Index int `json:"index" binding:"min=0"`
}

func (a *API) LinkChallenge(c *gin.Context) {
	var body linkBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, invalid(err))
		return
	}

	id, err := a.cs.Link(c.Request.Context(), contest.LinkRequest{
		ContestID:   c.Param("contestId"),
		ChallengeID: c.Param("challengeId"),
		Index:       body.Index,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"mapping_id": id})
}

func (a *API) UnlinkChallenge(c *gin.Context) {
	if err := a.cs.Unlink(c.Request.Context(), c.Param("contestId"), c.Param("challengeId")); err != nil {
		abort(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) ArchiveContest(c *gin.Context) {
	archived, err := a.as.Archive(c.Request.Context(), c.Param("contestId"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"archived": archived})
}

func invalid(err error) error {
	return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("%s", err.Error()), errors.WithCause(err))
}

// abort renders err as {"code", "message"} with the matching HTTP status. Internal causes are
// logged by the request logger, never returned.
func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	_ = c.Error(err)

	if e.Retryable() {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}

const retryAfterSeconds = 5
