package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chatsync/internal/chat"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("user_id", cfg.UserID),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statePath := cfg.StatePath
	if statePath == "" {
		statePath = state.DefaultPath()
	}

	appState, err := state.LoadAt(statePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	reset, err := appState.Claim(cfg.UserID)
	if err != nil {
		return fmt.Errorf("claiming state: %w", err)
	}

	if reset {
		logger.Info("discarded state of a different user", slog.String("path", statePath))
	}

	session := chat.NewSession(chat.SessionConfig{
		Transport:     chat.NewHTTPClient(cfg.APIURL, cfg.Token, nil),
		Dialer:        chat.NewWSDialer(cfg.FeedURL, cfg.Token, logger),
		RetryPolicy:   chat.RetryPolicy{MaxAttempts: cfg.RequestMaxAttempts, Backoff: chat.ExponentialBackoff},
		TypingTimeout: cfg.TypingTimeout,
		Observers: chat.SessionObservers{
			Presence: presenceLogger(logger),
			Typing:   typingLogger(logger),
		},
		Cursors: appState,
	}, logger)

	if err := restoreCaches(session, appState, logger); err != nil {
		return err
	}

	defer saveCaches(session, appState, logger)
	defer session.Close()

	follow := newFollowing()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runChat(gctx, cfg, session, follow, logger)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, session, follow, logger)
		})
	}

	return g.Wait()
}

// runChat resolves the rooms to follow, subscribes to each and blocks
// until ctx ends. A room that fails to subscribe is logged and skipped.
func runChat(ctx context.Context, cfg *config.Config, session *chat.Session, follow *following, logger *slog.Logger) error {
	rooms, err := resolveRooms(ctx, cfg, session)
	if err != nil {
		return err
	}

	logger.Info("following rooms", slog.Int("count", len(rooms)))

	for _, room := range rooms {
		roomLogger := logger.With(slog.String("room_id", room.ID()))

		sub, err := session.SubscribeToRoom(ctx, room, roomObservers(roomLogger),
			chat.WithMessageLimit(cfg.MessageLimit),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			roomLogger.Error("subscribe failed", slog.String("error", err.Error()))

			continue
		}

		follow.add(room.ID())
		roomLogger.Info("subscribed",
			slog.String("subscription_id", sub.ID()),
			slog.Int64("last_delivered_id", session.RoomCursor(room.ID())),
		)
	}

	<-ctx.Done()
	logger.Info("shutting down chat sync")

	return nil
}

// resolveRooms returns the configured rooms, or every joined room when
// none are configured.
func resolveRooms(ctx context.Context, cfg *config.Config, session *chat.Session) ([]*chat.Room, error) {
	ids := cfg.ParseRoomIDs()
	if len(ids) == 0 {
		rooms, err := session.Rooms().FetchJoined(ctx, cfg.UserID)
		if err != nil {
			return nil, fmt.Errorf("fetching joined rooms: %w", err)
		}

		return rooms, nil
	}

	rooms := make([]*chat.Room, 0, len(ids))

	for _, id := range ids {
		room, err := session.Rooms().Refresh(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetching room %s: %w", id, err)
		}

		rooms = append(rooms, room)
	}

	return rooms, nil
}

// runMCP serves the chat tools over streamable HTTP.
func runMCP(ctx context.Context, cfg *config.Config, session *chat.Session, follow *following, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, session)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			MCPHandler: mcpHandler,
			Status:     follow.status(session),
			Logger:     mcpLogger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

func restoreCaches(session *chat.Session, appState *state.State, logger *slog.Logger) error {
	users, err := appState.LoadUsers()
	if err != nil {
		return fmt.Errorf("loading cached users: %w", err)
	}

	rooms, err := appState.LoadRooms()
	if err != nil {
		return fmt.Errorf("loading cached rooms: %w", err)
	}

	session.Users().Restore(users)
	session.Rooms().Restore(rooms)

	logger.Debug("restored caches", slog.Int("users", len(users)), slog.Int("rooms", len(rooms)))

	return nil
}

func saveCaches(session *chat.Session, appState *state.State, logger *slog.Logger) {
	users := session.Users().Users()
	userSnaps := make([]models.User, 0, len(users))
	for _, u := range users {
		userSnaps = append(userSnaps, u.Snapshot())
	}

	rooms := session.Rooms().Rooms()
	roomSnaps := make([]models.Room, 0, len(rooms))
	for _, r := range rooms {
		roomSnaps = append(roomSnaps, r.Snapshot())
	}

	if err := appState.SaveUsers(userSnaps); err != nil {
		logger.Warn("failed to save users", slog.String("error", err.Error()))
	}

	if err := appState.SaveRooms(roomSnaps); err != nil {
		logger.Warn("failed to save rooms", slog.String("error", err.Error()))
	}

	logger.Info("state saved", slog.Int("users", len(userSnaps)), slog.Int("rooms", len(roomSnaps)))
}
