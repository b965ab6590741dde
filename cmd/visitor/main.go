// Command visitor connects a scripted visitor to a museum room. It walks in a circle and
// logs the comments it sees, which is handy for exercising a presence server by hand.
package main

import (
	"context"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"museum-presence/client"
	"museum-presence/domain"
	"museum-presence/logging"
)

const (
	tickRate = 100 * time.Millisecond
	radius   = 4.0
)

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	logging.Setup(getenv("LOG_LEVEL", "info"), getenv("LOG_FORMAT", "pretty"))

	var identity *client.Identity
	if name := os.Getenv("VISITOR_NAME"); name != "" {
		identity = &client.Identity{ID: name, DisplayName: name}
	}

	room := getenv("VISITOR_ROOM", "default")
	c := client.New(client.Options{
		Host:     getenv("VISITOR_HOST", "ws://localhost:8080"),
		Room:     room,
		Identity: identity,
		OnStatus: func(s client.Status) {
			slog.Info("status changed", "room", room, "status", s.String())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		slog.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			slog.Info("visitor leaving", "room", room)
			return
		case n := <-c.Notifications():
			switch n.Type {
			case domain.TypeCommentNew:
				if n.Comment == nil {
					continue
				}
				slog.Info("comment", "frameId", n.FrameID, "author", n.Comment.AuthorName, "text", n.Comment.Text)
			case domain.TypeCommentDeleted:
				slog.Info("comment deleted", "frameId", n.FrameID, "commentId", n.CommentID)
			}
		case now := <-ticker.C:
			angle := now.Sub(start).Seconds() * 0.5
			c.BroadcastPosition(
				domain.Vector3{X: radius * math.Cos(angle), Y: domain.SpawnPosition.Y, Z: radius * math.Sin(angle)},
				domain.Vector3{Y: -angle},
			)
			c.Interpolate(0.2)
			slog.Debug("tick", "visitors", len(c.Visitors()))
		}
	}
}
