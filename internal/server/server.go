package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/contestboard/internal/api"
	"github.com/victornm/contestboard/internal/archive"
	"github.com/victornm/contestboard/internal/contest"
	"github.com/victornm/contestboard/internal/event"
	"github.com/victornm/contestboard/internal/leaderboard"
	"github.com/victornm/contestboard/internal/ranking"
	"github.com/victornm/contestboard/internal/ratelimit"
	"github.com/victornm/contestboard/internal/scoring"
	"github.com/victornm/contestboard/internal/submission"
	"github.com/victornm/contestboard/internal/telemetry"
	"github.com/victornm/contestboard/internal/user"
)

const (
	RankingBackendRedis  = "redis"
	RankingBackendMemory = "memory"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Auth struct {
		JWTSecret string
	}

	Ranking struct {
		Backend string
	}

	Archive struct {
		Interval    time.Duration
		Concurrency int
	}

	Submission struct {
		MaxPerChallenge int
		MaxLength       int
	}

	Scoring struct {
		URL     string
		Model   string
		Timeout time.Duration
	}
}

// DefaultConfig returns the values used for keys missing from the config file.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Redis.Leaderboard.Prefix = "contestboard"
	c.Redis.Pubsub.Prefix = "contestboard"
	c.Ranking.Backend = RankingBackendRedis
	c.Archive.Interval = archive.DefaultInterval
	c.Archive.Concurrency = 4
	c.Submission.MaxPerChallenge = ratelimit.DefaultMaxPerChallenge
	c.Submission.MaxLength = submission.DefaultMaxLength
	c.Scoring.URL = scoring.DefaultURL
	c.Scoring.Model = scoring.DefaultModel
	c.Scoring.Timeout = scoring.DefaultTimeout
	return c
}

func (c *Config) Validate() error {
	var errs []error

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwtsecret is required"))
	}
	if len(c.Redis.Leaderboard.Addrs) == 0 {
		errs = append(errs, errors.New("redis.leaderboard.addrs is required"))
	}
	if len(c.Redis.Pubsub.Addrs) == 0 {
		errs = append(errs, errors.New("redis.pubsub.addrs is required"))
	}
	if c.Postgres.Addr == "" || c.Postgres.Name == "" {
		errs = append(errs, errors.New("postgres.addr and postgres.name are required"))
	}
	switch c.Ranking.Backend {
	case RankingBackendRedis, RankingBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("ranking.backend must be %q or %q, got %q", RankingBackendRedis, RankingBackendMemory, c.Ranking.Backend))
	}
	if c.Archive.Interval <= 0 {
		errs = append(errs, errors.New("archive.interval must be positive"))
	}
	if c.Submission.MaxPerChallenge <= 0 {
		errs = append(errs, errors.New("submission.maxperchallenge must be positive"))
	}

	return errors.Join(errs...)
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		ranking     ranking.Store
		contest     *contest.Service
		user        *user.Service
		leaderboard *leaderboard.Service
		submission  *submission.Service
		archive     *archive.Scheduler
	}

	health *health.Server
	http   *http.Server
	grpc   *grpc.Server

	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg := s.c.Postgres
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pg.User, pg.Pass, pg.Addr, pg.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	switch s.c.Ranking.Backend {
	case RankingBackendMemory:
		slog.Warn("server: in-memory ranking store, live scores are lost on restart and not shared between instances")
		s.service.ranking = ranking.NewMemoryStore()
	default:
		s.service.ranking = ranking.NewRedisStore(ranking.RedisConfig{
			Redis:  s.infra.redis.leaderboard,
			Prefix: s.c.Redis.Leaderboard.Prefix,
		})
	}

	s.service.contest = contest.NewService(contest.Config{
		DB: s.infra.postgres,
	})

	s.service.user = user.NewService(user.Config{
		DB: s.infra.postgres,
	})

	archiveRows := archive.NewRepository(s.infra.postgres)

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Ranking:  s.service.ranking,
		Contests: s.service.contest,
		Archive:  archiveRows,
		Users:    s.service.user,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	s.service.submission = submission.NewService(submission.Config{
		EventBus: s.eb,
		Contests: s.service.contest,
		Limiter: ratelimit.New(ratelimit.Config{
			Redis:  s.infra.redis.leaderboard,
			Prefix: s.c.Redis.Leaderboard.Prefix,
			Max:    s.c.Submission.MaxPerChallenge,
		}),
		Scorer: scoring.NewClient(scoring.Config{
			URL:     s.c.Scoring.URL,
			Model:   s.c.Scoring.Model,
			Timeout: s.c.Scoring.Timeout,
		}),
		Ranking:     s.service.ranking,
		Submissions: submission.NewRepository(s.infra.postgres),
		MaxLength:   s.c.Submission.MaxLength,
	})

	s.service.archive = archive.NewScheduler(archive.Config{
		EventBus:    s.eb,
		Ranking:     s.service.ranking,
		Contests:    s.service.contest,
		Rows:        archiveRows,
		Interval:    s.c.Archive.Interval,
		Concurrency: s.c.Archive.Concurrency,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), telemetry.GinLogger())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Auth:         api.NewAuthenticator(s.c.Auth.JWTSecret),
		Contests:     s.service.contest,
		Leaderboard:  s.service.leaderboard,
		Submissions:  s.service.submission,
		Archiver:     s.service.archive,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	s.service.archive.Start(ctx)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()

	// Stop waits for in-flight archivals, which still need both stores.
	s.service.archive.Stop()
	if s.cancel != nil {
		s.cancel()
	}

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	s.infra.postgres.Close()
	if err := s.infra.redis.leaderboard.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close leaderboard redis failed", "error", err)
	}
	if err := s.infra.redis.pubsub.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close pubsub redis failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
