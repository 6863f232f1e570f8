package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/contestboard/internal/domain"
	"github.com/victornm/contestboard/internal/errors"
	"github.com/victornm/contestboard/internal/leaderboard"
)

const (
	maxConcurrent = 100

	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PublishLeaderboardUpdated sends the leaderboard to the contest channel and notifies every ranked
// user on their own channel.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	data := toLeaderboard(e.Leaderboard)

	if err := a.publishNotification(ctx, a.contestChannel(data.ContestID), e.Name(), data); err != nil {
		return err
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		eg.Go(func() error {
			return a.publishNotification(ctx, a.userChannel(entry.UserID), e.Name(), entry)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	b, err := json.Marshal(Notification{
		Event: event,
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func (a *API) contestChannel(contestID string) string {
	return fmt.Sprintf("%s:contest:%s", a.prefix, contestID)
}

func (a *API) userChannel(userID string) string {
	return fmt.Sprintf("%s:user:%s", a.prefix, userID)
}

// StreamLeaderboard upgrades to a websocket, sends the current leaderboard and then forwards every
// update published for the contest until the client goes away.
func (a *API) StreamLeaderboard(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	contestID := c.Param("contestId")

	// Subscribe before projecting so no update falls between the snapshot and the stream.
	ps := a.redis.Subscribe(ctx, a.contestChannel(contestID))
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		abort(c, errors.Unavailable(fmt.Errorf("subscribe: %w", err)))
		return
	}

	l, err := a.ls.Project(ctx, leaderboard.ProjectRequest{ContestID: contestID})
	if err != nil {
		abort(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(ctx, "api: websocket upgrade failed", "contest", contestID, "error", err)
		return
	}
	defer conn.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	initial, err := json.Marshal(Notification{
		Event: domain.EventNameLeaderboardUpdated,
		Data:  toLeaderboard(*l),
	})
	if err != nil {
		slog.ErrorContext(ctx, "api: marshal leaderboard failed", "contest", contestID, "error", err)
		return
	}
	if err := write(conn, websocket.TextMessage, initial); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return

		case m, ok := <-msgs:
			if !ok {
				return
			}
			if err := write(conn, websocket.TextMessage, []byte(m.Payload)); err != nil {
				slog.DebugContext(ctx, "api: websocket write failed", "contest", contestID, "error", err)
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func write(conn *websocket.Conn, typ int, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(typ, b)
}
