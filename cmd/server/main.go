// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/quizwheel/quizwheel/internal/archive"
	"github.com/quizwheel/quizwheel/internal/cleanup"
	"github.com/quizwheel/quizwheel/internal/config"
	"github.com/quizwheel/quizwheel/internal/game"
	"github.com/quizwheel/quizwheel/internal/handlers"
	"github.com/quizwheel/quizwheel/internal/middleware"
	"github.com/quizwheel/quizwheel/internal/presence"
	"github.com/quizwheel/quizwheel/internal/reaper"
	"github.com/quizwheel/quizwheel/internal/room"
	"github.com/quizwheel/quizwheel/internal/store"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	rs, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisDB, logger)
	if err != nil {
		log.Fatalf("connect to redis: %v", err)
	}

	bus := room.NewBus()
	codes := room.NewCodeGenerator(rs, cfg.CodeLength, cfg.CodeMaxAttempts)
	registry := room.NewRegistry(rs, codes, bus, logger, cfg.MaxPlayers, cfg.StartingScore)

	coordinator := game.NewCoordinator(registry, game.NewStaticSource(), logger, game.Config{
		TotalRounds:      cfg.TotalRounds,
		SpinningDuration: cfg.SpinningDuration,
		BiddingDuration:  cfg.BiddingDuration,
		QuestionDuration: cfg.QuestionDuration,
		ResultsDuration:  cfg.ResultsDuration,
		Topics:           game.DefaultTopics,
	})

	queue := archive.NewQueue(rs.Client(), cfg.ArchiveQueue)
	executor := cleanup.NewExecutor(registry, logger, cfg.CleanupAttempts,
		cfg.CleanupBaseDelay, cfg.FinishGraceWindow, queue.Publish)
	coordinator.OnFinished = executor.FinishGame

	terminate := func(ctx context.Context, roomID, reason string) {
		executor.Terminate(ctx, roomID, reason)
	}
	monitor := presence.NewMonitor(registry, rs, logger,
		cfg.StaleThreshold, cfg.StaleSweepInterval, terminate)
	executor.OnTerminated = func(roomID string) {
		coordinator.StopWatch(roomID)
		monitor.StopWatch(roomID)
	}
	idle := reaper.New(registry, logger, cfg.InactivityThreshold, cfg.ReaperInterval, terminate)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go monitor.Run(ctx)
	go idle.Run(ctx)

	srv := &handlers.Server{
		Registry:    registry,
		Coordinator: coordinator,
		Executor:    executor,
		Monitor:     monitor,
		Logger:      logger,
	}

	limiter := middleware.NewRateLimiter(rate.Limit(20), 40)
	logged := middleware.LogMiddleware(logger)
	wrap := func(h http.HandlerFunc) http.Handler {
		return limiter.Middleware(logged(h))
	}

	mux := http.NewServeMux()

	// room lifecycle
	mux.Handle("/room/create", wrap(srv.CreateRoomHandler))
	mux.Handle("/room/join", wrap(srv.JoinRoomHandler))
	mux.Handle("/room/info", wrap(srv.RoomInfoHandler))
	mux.Handle("/room/cleanup", wrap(srv.ManualCleanupHandler))
	mux.Handle("/room/spectator", wrap(srv.IsSpectatorHandler))
	mux.Handle("/room/stats", wrap(srv.DataUsageStatsHandler))
	mux.Handle("/room/standings", wrap(srv.StandingsHandler))

	// game phase control
	mux.Handle("/room/start", wrap(srv.StartGameHandler))
	mux.Handle("/room/advance", wrap(srv.AdvancePhaseHandler))
	mux.Handle("/room/reset", wrap(srv.ResetGameHandler))
	mux.Handle("/room/bid", wrap(srv.SubmitBidHandler))
	mux.Handle("/room/answer", wrap(srv.SubmitAnswerHandler))

	// player session websocket; unwrapped so the upgrade can hijack the
	// connection, logged from inside the handler instead
	mux.Handle("/room/ws", limiter.Middleware(http.HandlerFunc(srv.RoomWSHandler)))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
