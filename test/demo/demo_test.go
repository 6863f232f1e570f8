//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/contestboard/internal/api"
	"github.com/victornm/contestboard/internal/domain"
)

const (
	httpAddr = "localhost:8080"
	grpcAddr = "localhost:9090"
)

func TestContest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	requireServing(t, ctx)

	var (
		auth  = api.NewAuthenticator(secret())
		admin = issue(t, auth, "admin", api.RoleAdmin)
		users = []string{"u1", "u2", "u3"}
		wg    = new(sync.WaitGroup)
	)

	// Create a contest that is live right away with one challenge
	var contestID, challengeID string
	{
		var resp struct {
			Contest api.Contest `json:"contest"`
		}
		call(t, http.MethodPost, "/admin/contests", admin, map[string]any{
			"title":      "demo",
			"start_time": time.Now().Add(-time.Minute),
		}, &resp)
		contestID = resp.Contest.ContestID

		var ch struct {
			Challenge api.Challenge `json:"challenge"`
		}
		call(t, http.MethodPost, "/admin/challenges", admin, map[string]any{
			"title":         "Reverse a linked list",
			"notion_doc_id": "demo-doc",
			"max_points":    100,
		}, &ch)
		challengeID = ch.Challenge.ChallengeID

		call(t, http.MethodPost, fmt.Sprintf("/admin/contests/%s/challenges/%s", contestID, challengeID), admin,
			map[string]any{"index": 0}, nil)
	}

	// Watch the live leaderboard
	watchLeaderboard(t, wg, contestID, 1+len(users))

	// All users submit concurrently
	var eg errgroup.Group
	for _, u := range users {
		token := issue(t, auth, u, api.RoleUser)
		eg.Go(func() error {
			var resp struct {
				Submission api.Submission `json:"submission"`
			}
			path := fmt.Sprintf("/contests/%s/challenges/%s/submissions", contestID, challengeID)
			if err := do(http.MethodPost, path, token, map[string]string{
				"submission": "Iterate once, flipping each next pointer to the previous node.",
			}, &resp); err != nil {
				return fmt.Errorf("user %q submit: %w", u, err)
			}

			t.Logf("User %q scored %d", u, resp.Submission.Points)
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	var resp struct {
		Leaderboard api.Leaderboard `json:"leaderboard"`
	}
	call(t, http.MethodGet, fmt.Sprintf("/contests/%s/leaderboard", contestID), "", nil, &resp)
	require.Len(t, resp.Leaderboard.Entries, len(users))
	t.Logf("leaderboard:\n%s", formatLeaderboard(resp.Leaderboard))

	wg.Wait()
}

func requireServing(t *testing.T, ctx context.Context) {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func watchLeaderboard(t *testing.T, wg *sync.WaitGroup, contestID string, messages int) {
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/contests/%s/leaderboard/live", httpAddr, contestID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	wg.Add(1)
	go func() {
		defer wg.Done()

		for i := 0; i < messages; i++ {
			_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

			var n struct {
				Event string          `json:"event"`
				Data  api.Leaderboard `json:"data"`
			}
			if err := conn.ReadJSON(&n); err != nil {
				// Updates are throttled, so fewer messages than submissions may arrive.
				t.Logf("live leaderboard: %v", err)
				return
			}

			if n.Event == domain.EventNameLeaderboardUpdated {
				t.Logf("live leaderboard:\n%s", formatLeaderboard(n.Data))
			}
		}
	}()
}

func call(t *testing.T, method, path, token string, body, out any) {
	t.Helper()
	require.NoError(t, do(method, path, token, body, out))
}

func do(method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, "http://"+httpAddr+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Message)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func issue(t *testing.T, a *api.Authenticator, user, role string) string {
	token, err := a.Issue(user, role, time.Hour)
	require.NoError(t, err)
	return token
}

func secret() string {
	if s := os.Getenv("AUTH_JWTSECRET"); s != "" {
		return s
	}
	return "change-me"
}

func formatLeaderboard(l api.Leaderboard) string {
	var s string
	for _, e := range l.Entries {
		s += fmt.Sprintf("#%d %s: %d\n", e.Rank, e.UserID, e.Points)
	}
	return s
}
