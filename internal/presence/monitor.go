// internal/presence/monitor.go
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quizwheel/quizwheel/internal/room"
	"github.com/quizwheel/quizwheel/internal/store"
)

// TerminateFunc hands a room over to termination with a reason.
type TerminateFunc func(ctx context.Context, roomID, reason string)

// Monitor tracks per-player liveness. Detection is dual-path:
//
//   - push: the store's disconnect hook flips the presence record offline
//     the moment the transport drops, and a room-scoped subscription routes
//     that into handleDisconnect;
//   - pull: a stale-connection sweep catches records whose heartbeat went
//     quiet without the hook ever firing (partitions, half-open sockets).
//
// lastSeen is only ever refreshed from observed client traffic (Heartbeat,
// called by the transport when a ping frame arrives), never from a server
// timer: a half-open socket sends nothing, so its record goes stale and
// the sweep catches it. Both paths converge on the same handling, so a
// disconnect is processed once no matter which side saw it first.
type Monitor struct {
	registry  *room.Registry
	store     store.Store
	hooks     store.DisconnectRegistry
	logger    *log.Logger
	terminate TerminateFunc

	staleThreshold time.Duration
	sweepInterval  time.Duration

	mu       sync.Mutex
	watches  map[string]store.UnsubscribeFunc // roomID -> presence subscription
	handling map[string]bool                  // roomID/playerID being handled right now
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (m *Monitor) loadRecord(ctx context.Context, path string) (*room.PresenceRecord, error) {
	v, err := m.store.Get(ctx, path)
	if err != nil || v == nil {
		return nil, err
	}
	var rec room.PresenceRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode presence record at %s: %w", path, err)
	}
	return &rec, nil
}

// NewMonitor wires a presence monitor. terminate is called when a room's
// last active player disconnects.
func NewMonitor(registry *room.Registry, hooks store.DisconnectRegistry, logger *log.Logger,
	staleThreshold, sweepInterval time.Duration, terminate TerminateFunc) *Monitor {
	return &Monitor{
		registry:       registry,
		store:          registry.Store(),
		hooks:          hooks,
		logger:         logger,
		terminate:      terminate,
		staleThreshold: staleThreshold,
		sweepInterval:  sweepInterval,
		watches:        make(map[string]store.UnsubscribeFunc),
		handling:       make(map[string]bool),
		stopCh:         make(chan struct{}),
	}
}

// StaleThreshold is how long a connection may stay silent before it is
// treated as dead. The transport uses it as its read deadline.
func (m *Monitor) StaleThreshold() time.Duration { return m.staleThreshold }

// RegisterPlayer writes an online presence record and arms the dead-man's
// switch for the session.
func (m *Monitor) RegisterPlayer(ctx context.Context, roomID, playerID, playerName, sessionID string) error {
	now := time.Now().UTC()
	rec := room.PresenceRecord{
		PlayerID:    playerID,
		PlayerName:  playerName,
		Online:      true,
		ConnectedAt: now,
		LastSeen:    now,
	}
	path := room.PresencePath(roomID, playerID)
	if err := m.store.Set(ctx, path, rec); err != nil {
		return fmt.Errorf("write presence record: %w", err)
	}

	// Pre-commit the offline flip with the transport layer now, while the
	// connection is healthy. A crashed client cannot run cleanup itself.
	offline := rec
	offline.Online = false
	if err := m.hooks.SetOnDisconnect(sessionID, path, offline); err != nil {
		return fmt.Errorf("arm disconnect hook: %w", err)
	}

	m.logger.WithFields(log.Fields{"room": roomID, "player": playerID, "session": sessionID}).
		Debug("presence registered")
	return nil
}

// UnregisterPlayer is the clean-leave path: cancel the hook and delete the
// record outright.
func (m *Monitor) UnregisterPlayer(ctx context.Context, roomID, playerID, sessionID string) {
	m.hooks.CancelOnDisconnect(sessionID)
	if err := m.store.Set(ctx, room.PresencePath(roomID, playerID), nil); err != nil {
		m.logger.WithError(err).WithFields(log.Fields{"room": roomID, "player": playerID}).
			Warn("failed to delete presence record on leave")
	}
}

// SessionDropped is called by the transport when a connection dies. It
// commits the pre-registered writes.
func (m *Monitor) SessionDropped(ctx context.Context, sessionID string) {
	m.hooks.FireDisconnect(ctx, sessionID)
}

// Heartbeat refreshes lastSeen for a player. Called by the transport when
// it observes actual client traffic; a session that sends nothing goes
// stale no matter how long its socket stays half-open.
func (m *Monitor) Heartbeat(ctx context.Context, roomID, playerID string) {
	path := room.PresencePath(roomID, playerID)
	// Re-read immediately before the write so a hook-flipped record is not
	// resurrected by a late frame.
	rec, err := m.loadRecord(ctx, path)
	if err != nil || rec == nil || !rec.Online {
		return
	}
	rec.LastSeen = time.Now().UTC()
	if err := m.store.Set(ctx, path, rec); err != nil {
		m.logger.WithError(err).WithField("path", path).Warn("heartbeat write failed")
	}
}

// WatchRoom subscribes to every presence record in a room; any record that
// flips offline is routed through handleDisconnect.
func (m *Monitor) WatchRoom(roomID string) error {
	m.mu.Lock()
	if _, ok := m.watches[roomID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	unsub, err := m.store.SubscribePrefix(context.Background(), room.PresencePrefix(roomID),
		func(path string, v store.Value) {
			if v == nil {
				return
			}
			var rec room.PresenceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				m.logger.WithError(err).WithField("path", path).Warn("bad presence record")
				return
			}
			if !rec.Online {
				go m.handleDisconnect(context.Background(), roomID, rec.PlayerID)
			}
		})
	if err != nil {
		return fmt.Errorf("watch presence for room %s: %w", roomID, err)
	}

	m.mu.Lock()
	m.watches[roomID] = unsub
	m.mu.Unlock()
	return nil
}

// StopWatch drops the room's presence subscription (room teardown).
func (m *Monitor) StopWatch(roomID string) {
	m.mu.Lock()
	unsub, ok := m.watches[roomID]
	delete(m.watches, roomID)
	m.mu.Unlock()
	if ok {
		unsub()
	}
}

// handleDisconnect removes the player and, if they were the last one,
// hands the room to termination. Failures along the way are logged and the
// pipeline continues: partial disconnect handling beats none.
func (m *Monitor) handleDisconnect(ctx context.Context, roomID, playerID string) {
	key := roomID + "/" + playerID
	m.mu.Lock()
	if m.handling[key] {
		m.mu.Unlock()
		return
	}
	m.handling[key] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.handling, key)
		m.mu.Unlock()
	}()

	path := room.PresencePath(roomID, playerID)
	rec, err := m.loadRecord(ctx, path)
	if err != nil {
		m.logger.WithError(err).WithField("path", path).Warn("disconnect: presence read failed")
		return
	}
	if rec == nil {
		return // already handled (clean leave or the other detection path)
	}

	m.logger.WithFields(log.Fields{"room": roomID, "player": playerID}).Info("player disconnected")

	if err := m.store.Set(ctx, room.PlayerPath(roomID, playerID), nil); err != nil {
		m.logger.WithError(err).WithFields(log.Fields{"room": roomID, "player": playerID}).
			Error("disconnect: player removal failed, continuing")
	}
	if err := m.store.Set(ctx, path, nil); err != nil {
		m.logger.WithError(err).WithField("path", path).
			Error("disconnect: presence cleanup failed, continuing")
	}

	m.registry.Bus().Publish(room.Event{Type: room.EventPlayerLeft, RoomID: roomID, PlayerID: playerID})

	players, err := m.registry.ListPlayers(ctx, roomID)
	if err != nil {
		m.logger.WithError(err).WithField("room", roomID).Error("disconnect: player recount failed")
		return
	}
	if len(players) == 0 && m.terminate != nil {
		m.terminate(ctx, roomID, "all players disconnected")
	}
}

// Run starts the stale-connection sweep: any record still marked online
// whose lastSeen is older than the stale threshold goes through the same
// disconnect handling as a hook-detected drop. The hook can fail to fire
// under partitions; the sweep cannot.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepStale(ctx)
		}
	}
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) sweepStale(ctx context.Context) {
	all, err := m.store.ListPrefix(ctx, "presence/")
	if err != nil {
		m.logger.WithError(err).Warn("stale sweep: listing presence failed")
		return
	}
	cutoff := time.Now().UTC().Add(-m.staleThreshold)
	for path, v := range all {
		var rec room.PresenceRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		if !rec.Online || rec.LastSeen.After(cutoff) {
			continue
		}
		roomID := roomIDFromPresencePath(path)
		if roomID == "" {
			continue
		}
		m.logger.WithFields(log.Fields{"room": roomID, "player": rec.PlayerID,
			"lastSeen": rec.LastSeen}).Info("stale connection detected")
		m.handleDisconnect(ctx, roomID, rec.PlayerID)
	}
}

func roomIDFromPresencePath(path string) string {
	const pre = "presence/"
	if !strings.HasPrefix(path, pre) {
		return ""
	}
	rest := path[len(pre):]
	if idx := strings.IndexByte(rest, '/'); idx > 0 {
		return rest[:idx]
	}
	return ""
}
