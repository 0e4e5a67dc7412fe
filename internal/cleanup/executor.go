// internal/cleanup/executor.go
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quizwheel/quizwheel/internal/room"
	"github.com/quizwheel/quizwheel/internal/store"
)

// ArchiveFunc pushes final standings toward durable storage (the Redis
// queue the archiver worker drains). May be nil.
type ArchiveFunc func(ctx context.Context, standings room.Standings) error

// Executor owns room teardown. Termination is a three-step idempotent
// protocol guarded by the status field:
//
//  1. status active -> terminating (no-op if already past active);
//  2. data deletion under bounded exponential-backoff retry;
//  3. status -> terminated, code index removed, lastCleanedAt stamped.
//
// Exhausted retries leave the room in terminating and surface a critical
// log for manual intervention; a room is never silently lost in limbo.
type Executor struct {
	registry *room.Registry
	store    store.Store
	logger   *log.Logger

	attempts    int
	baseDelay   time.Duration
	graceWindow time.Duration

	archive ArchiveFunc
	// OnTerminated lets the wiring layer stop coordinator/presence watches
	// for the room. May be nil.
	OnTerminated func(roomID string)

	mu        sync.Mutex
	standings map[string]room.Standings // roomID -> cached final standings
	pending   map[string]*time.Timer    // roomID -> grace teardown timer
}

// NewExecutor builds a cleanup executor.
func NewExecutor(registry *room.Registry, logger *log.Logger, attempts int, baseDelay, graceWindow time.Duration, archive ArchiveFunc) *Executor {
	return &Executor{
		registry:    registry,
		store:       registry.Store(),
		logger:      logger,
		attempts:    attempts,
		baseDelay:   baseDelay,
		graceWindow: graceWindow,
		archive:     archive,
		standings:   make(map[string]room.Standings),
		pending:     make(map[string]*time.Timer),
	}
}

// Terminate runs the full protocol. Reason is logged, not stored.
func (e *Executor) Terminate(ctx context.Context, roomID, reason string) room.Result {
	rm, err := e.registry.LoadRoom(ctx, roomID)
	if err != nil {
		return room.Transient(fmt.Sprintf("load room: %v", err))
	}
	if rm == nil {
		return room.Fail(room.ErrRoomNotFound, "room record missing")
	}
	if rm.Status != room.StatusActive {
		return room.OK() // already terminating or terminated
	}

	if err := e.store.Set(ctx, room.RoomPath(roomID, "status"), room.StatusTerminating); err != nil {
		return room.Transient(fmt.Sprintf("mark terminating: %v", err))
	}
	e.logger.WithFields(log.Fields{"room": roomID, "reason": reason}).Info("room terminating")
	e.registry.Bus().Publish(room.Event{Type: room.EventRoomTerminating, RoomID: roomID,
		Payload: map[string]interface{}{"reason": reason}})

	err = e.withRetry(ctx, func() error {
		return e.deleteRoomData(ctx, roomID)
	})
	if err != nil {
		// Leave status=terminating; an operator (or manualCleanup) picks it
		// up from here.
		e.logger.WithError(err).WithField("room", roomID).
			Error("CRITICAL: room data deletion exhausted retries, manual intervention required")
		return room.Transient(fmt.Sprintf("delete room data: %v", err))
	}

	final := map[string]interface{}{
		room.RoomPath(roomID, "status"):        room.StatusTerminated,
		room.RoomPath(roomID, "lastCleanedAt"): time.Now().UTC(),
		room.CodePath(rm.Code):                 nil,
	}
	if err := e.store.MultiWrite(ctx, final); err != nil {
		return room.Transient(fmt.Sprintf("finalize termination: %v", err))
	}

	e.logger.WithField("room", roomID).Info("room terminated")
	e.registry.Bus().Publish(room.Event{Type: room.EventRoomTerminated, RoomID: roomID})
	e.registry.Bus().CloseRoom(roomID)
	if e.OnTerminated != nil {
		e.OnTerminated(roomID)
	}
	return room.OK()
}

// deleteRoomData removes players, spectators, rounds, presence records,
// topics and the phase stamp in one atomic multi-write. Safe to re-run:
// deleting an absent path is a no-op.
func (e *Executor) deleteRoomData(ctx context.Context, roomID string) error {
	writes := map[string]interface{}{
		room.RoomPath(roomID, "currentTopic"):   nil,
		room.RoomPath(roomID, "usedTopics"):     nil,
		room.RoomPath(roomID, "phaseStartTime"): nil,
	}
	for _, prefix := range []string{
		room.PlayersPrefix(roomID),
		room.SpectatorsPrefix(roomID),
		room.RoundsPrefix(roomID),
		room.PresencePrefix(roomID),
	} {
		all, err := e.store.ListPrefix(ctx, prefix)
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		for path := range all {
			writes[path] = nil
		}
	}
	if err := e.store.MultiWrite(ctx, writes); err != nil {
		return fmt.Errorf("delete room data: %w", err)
	}
	return nil
}

// withRetry runs fn up to the configured attempt count with doubling
// delays (1s, 2s, 4s by default).
func (e *Executor) withRetry(ctx context.Context, fn func() error) error {
	delay := e.baseDelay
	var err error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		e.logger.WithError(err).WithField("attempt", attempt).Warn("cleanup attempt failed")
		if attempt == e.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", e.attempts, err)
}

// FinishGame is the natural-end path: cache the final standings in memory
// before any deletion, queue them for archival, delete the player records
// immediately, and defer the full teardown for a grace window so clients
// can still render the finished screen.
func (e *Executor) FinishGame(ctx context.Context, standings room.Standings) {
	e.mu.Lock()
	e.standings[standings.RoomID] = standings
	e.mu.Unlock()

	if e.archive != nil {
		if err := e.archive(ctx, standings); err != nil {
			e.logger.WithError(err).WithField("room", standings.RoomID).
				Error("failed to queue standings for archival")
		}
	}

	writes := make(map[string]interface{})
	for _, s := range standings.Rankings {
		writes[room.PlayerPath(standings.RoomID, s.PlayerID)] = nil
	}
	if len(writes) > 0 {
		if err := e.store.MultiWrite(ctx, writes); err != nil {
			e.logger.WithError(err).WithField("room", standings.RoomID).
				Error("failed to delete player records at game end")
		}
	}

	e.mu.Lock()
	if t, ok := e.pending[standings.RoomID]; ok {
		t.Stop()
	}
	e.pending[standings.RoomID] = time.AfterFunc(e.graceWindow, func() {
		e.mu.Lock()
		delete(e.pending, standings.RoomID)
		e.mu.Unlock()
		res := e.Terminate(context.Background(), standings.RoomID, "game finished")
		if !res.Success {
			e.logger.WithField("room", standings.RoomID).WithField("error", res.Error).
				Error("grace-window teardown failed")
		}
	})
	e.mu.Unlock()

	e.logger.WithFields(log.Fields{"room": standings.RoomID, "grace": e.graceWindow}).
		Info("finished game scheduled for teardown")
}

// CachedStandings returns the final standings kept across deletion, nil if
// none are cached for the room.
func (e *Executor) CachedStandings(roomID string) *room.Standings {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.standings[roomID]; ok {
		return &s
	}
	return nil
}

// ManualCleanup lets an elevated caller force the termination protocol,
// including rooms stuck in terminating after exhausted retries.
func (e *Executor) ManualCleanup(ctx context.Context, roomID, callerID string) room.Result {
	elevated, err := e.registry.IsElevated(ctx, roomID, callerID)
	if err != nil || !elevated {
		// Fail closed on ambiguous checks.
		return room.Fail(room.ErrPermissionDenied, "caller is not elevated")
	}

	rm, err := e.registry.LoadRoom(ctx, roomID)
	if err != nil {
		return room.Transient(fmt.Sprintf("load room: %v", err))
	}
	if rm == nil {
		return room.Fail(room.ErrRoomNotFound, "room record missing")
	}
	if rm.Status == room.StatusTerminating {
		// Re-run the stuck deletion, then finalize.
		if err := e.withRetry(ctx, func() error { return e.deleteRoomData(ctx, roomID) }); err != nil {
			return room.Transient(fmt.Sprintf("delete room data: %v", err))
		}
		final := map[string]interface{}{
			room.RoomPath(roomID, "status"):        room.StatusTerminated,
			room.RoomPath(roomID, "lastCleanedAt"): time.Now().UTC(),
			room.CodePath(rm.Code):                 nil,
		}
		if err := e.store.MultiWrite(ctx, final); err != nil {
			return room.Transient(fmt.Sprintf("finalize termination: %v", err))
		}
		e.registry.Bus().Publish(room.Event{Type: room.EventRoomTerminated, RoomID: roomID})
		e.registry.Bus().CloseRoom(roomID)
		if e.OnTerminated != nil {
			e.OnTerminated(roomID)
		}
		return room.OK()
	}
	return e.Terminate(ctx, roomID, "manual cleanup")
}

// Stop cancels any pending grace-window timers.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.pending {
		t.Stop()
		delete(e.pending, id)
	}
}
