// internal/room/registry.go
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/quizwheel/quizwheel/internal/store"
)

// Registry creates rooms, resolves codes and handles joins. It never hands
// a raw store error across the boundary; callers get typed results.
type Registry struct {
	store  store.Store
	codes  *CodeGenerator
	bus    *Bus
	logger *log.Logger

	maxPlayers    int
	startingScore int
}

// NewRegistry wires a registry over the shared store.
func NewRegistry(s store.Store, codes *CodeGenerator, bus *Bus, logger *log.Logger, maxPlayers, startingScore int) *Registry {
	return &Registry{
		store:         s,
		codes:         codes,
		bus:           bus,
		logger:        logger,
		maxPlayers:    maxPlayers,
		startingScore: startingScore,
	}
}

// Bus exposes the per-room event bus.
func (r *Registry) Bus() *Bus { return r.bus }

// Store exposes the underlying shared store.
func (r *Registry) Store() store.Store { return r.store }

// CreateRoom generates a code and writes the initial room record plus the
// code index entry in one atomic multi-write.
func (r *Registry) CreateRoom(ctx context.Context) (*Room, Result) {
	code, err := r.codes.Generate(ctx)
	if err != nil {
		if err == ErrGenerationExhausted {
			r.logger.WithError(err).Error("room code space exhausted")
			return nil, Fail(ErrGenerationFailed, err.Error())
		}
		return nil, Transient(fmt.Sprintf("generate room code: %v", err))
	}

	now := time.Now().UTC()
	rm := &Room{
		Code:           code,
		ID:             uuid.NewString(),
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		Phase:          PhaseWaiting,
		RoundNumber:    0,
		PhaseStartTime: now,
	}

	writes := map[string]interface{}{
		RoomPath(rm.ID, "code"):           rm.Code,
		RoomPath(rm.ID, "id"):             rm.ID,
		RoomPath(rm.ID, "status"):         rm.Status,
		RoomPath(rm.ID, "createdAt"):      rm.CreatedAt,
		RoomPath(rm.ID, "lastActivityAt"): rm.LastActivityAt,
		RoomPath(rm.ID, "phase"):          rm.Phase,
		RoomPath(rm.ID, "roundNumber"):    rm.RoundNumber,
		RoomPath(rm.ID, "phaseStartTime"): rm.PhaseStartTime,
		CodePath(code):                    rm.ID,
	}
	if err := r.store.MultiWrite(ctx, writes); err != nil {
		return nil, Transient(fmt.Sprintf("write room record: %v", err))
	}

	r.logger.WithFields(log.Fields{"room": rm.ID, "code": code}).Info("room created")
	return rm, OK()
}

// Resolve maps a (already validated) code to a room ID, or "" if unknown.
func (r *Registry) Resolve(ctx context.Context, code string) (string, error) {
	v, err := r.store.Get(ctx, CodePath(code))
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(v, &id); err != nil {
		return "", fmt.Errorf("decode code index for %s: %w", code, err)
	}
	return id, nil
}

// LoadRoom reads every scalar field of a room and assembles the record.
// Returns nil if the room does not exist.
func (r *Registry) LoadRoom(ctx context.Context, roomID string) (*Room, error) {
	all, err := r.store.ListPrefix(ctx, RoomPrefix(roomID))
	if err != nil {
		return nil, err
	}
	rm := &Room{ID: roomID}
	found := false
	prefix := RoomPrefix(roomID)
	for path, v := range all {
		field := strings.TrimPrefix(path, prefix)
		if strings.ContainsRune(field, '/') {
			continue // player/spectator/round subtree
		}
		found = true
		var dst interface{}
		switch field {
		case "code":
			dst = &rm.Code
		case "status":
			dst = &rm.Status
		case "createdAt":
			dst = &rm.CreatedAt
		case "lastActivityAt":
			dst = &rm.LastActivityAt
		case "phase":
			dst = &rm.Phase
		case "roundNumber":
			dst = &rm.RoundNumber
		case "phaseStartTime":
			dst = &rm.PhaseStartTime
		case "currentTopic":
			dst = &rm.CurrentTopic
		case "usedTopics":
			dst = &rm.UsedTopics
		case "lastCleanedAt":
			dst = &rm.LastCleanedAt
		default:
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return nil, fmt.Errorf("decode room field %s: %w", field, err)
		}
	}
	if !found {
		return nil, nil
	}
	return rm, nil
}

// GetRoomInfo validates locally, resolves the code and fetches the room.
func (r *Registry) GetRoomInfo(ctx context.Context, code string) InfoResult {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !r.codes.ValidateCode(code) {
		return InfoResult{Result: Fail(ErrInvalidCode, "malformed room code")}
	}
	id, err := r.Resolve(ctx, code)
	if err != nil {
		return InfoResult{Result: Transient(fmt.Sprintf("resolve room code: %v", err))}
	}
	if id == "" {
		return InfoResult{Result: Fail(ErrRoomNotFound, "no room with that code")}
	}
	rm, err := r.LoadRoom(ctx, id)
	if err != nil {
		return InfoResult{Result: Transient(fmt.Sprintf("load room: %v", err))}
	}
	if rm == nil {
		return InfoResult{Result: Fail(ErrRoomNotFound, "room record missing")}
	}
	if rm.Status != StatusActive {
		return InfoResult{Result: Fail(ErrRoomTerminating, "room is shutting down"), Room: rm}
	}
	return InfoResult{Result: OK(), Room: rm}
}

// JoinRoom validates, resolves and either adds a spectator (elevated path,
// uncounted toward capacity) or a competing player.
func (r *Registry) JoinRoom(ctx context.Context, code, name string, elevated bool) JoinResult {
	code = strings.ToUpper(strings.TrimSpace(code))
	name = strings.TrimSpace(name)
	if !r.codes.ValidateCode(code) {
		return JoinResult{Result: Fail(ErrInvalidCode, "malformed room code")}
	}
	if name == "" || len(name) > 24 {
		return JoinResult{Result: Fail(ErrInvalidName, "name must be 1-24 characters")}
	}

	id, err := r.Resolve(ctx, code)
	if err != nil {
		return JoinResult{Result: Transient(fmt.Sprintf("resolve room code: %v", err))}
	}
	if id == "" {
		return JoinResult{Result: Fail(ErrRoomNotFound, "no room with that code")}
	}
	rm, err := r.LoadRoom(ctx, id)
	if err != nil {
		return JoinResult{Result: Transient(fmt.Sprintf("load room: %v", err))}
	}
	if rm == nil {
		return JoinResult{Result: Fail(ErrRoomNotFound, "room record missing")}
	}
	if rm.Status != StatusActive {
		return JoinResult{Result: Fail(ErrRoomTerminating, "room is shutting down")}
	}

	players, err := r.ListPlayers(ctx, id)
	if err != nil {
		return JoinResult{Result: Transient(fmt.Sprintf("list players: %v", err))}
	}
	spectators, err := r.ListSpectators(ctx, id)
	if err != nil {
		return JoinResult{Result: Transient(fmt.Sprintf("list spectators: %v", err))}
	}
	for _, p := range players {
		if strings.EqualFold(p.Name, name) {
			return JoinResult{Result: Fail(ErrDuplicateName, "that name is already taken")}
		}
	}
	for _, sp := range spectators {
		if strings.EqualFold(sp.Name, name) {
			return JoinResult{Result: Fail(ErrDuplicateName, "that name is already taken")}
		}
	}

	now := time.Now().UTC()
	userID := uuid.NewString()

	if elevated {
		sp := Spectator{ID: userID, Name: name, JoinedAt: now, IsElevated: true}
		// Spectator joins do not count toward capacity and do not touch
		// lastActivityAt, so idle-but-watched rooms still reap.
		if err := r.store.Set(ctx, SpectatorPath(id, userID), sp); err != nil {
			return JoinResult{Result: Transient(fmt.Sprintf("write spectator: %v", err))}
		}
		r.bus.Publish(Event{Type: EventSpectatorJoined, RoomID: id, PlayerID: userID})
		r.logger.WithFields(log.Fields{"room": id, "user": userID, "name": name}).Info("spectator joined")
		return JoinResult{Result: OK(), RoomID: id, PlayerID: userID, Spectator: true}
	}

	if rm.Phase != PhaseWaiting {
		return JoinResult{Result: Fail(ErrGameInProgress, "game already in progress")}
	}
	if len(players) >= r.maxPlayers {
		return JoinResult{Result: Fail(ErrRoomFull, "room is full")}
	}

	p := Player{
		ID:            userID,
		Name:          name,
		Score:         r.startingScore,
		CurrentAnswer: -1,
		JoinedAt:      now,
	}
	writes := map[string]interface{}{
		PlayerPath(id, userID):         p,
		RoomPath(id, "lastActivityAt"): now,
	}
	if err := r.store.MultiWrite(ctx, writes); err != nil {
		return JoinResult{Result: Transient(fmt.Sprintf("write player: %v", err))}
	}

	r.bus.Publish(Event{Type: EventPlayerJoined, RoomID: id, PlayerID: userID})
	r.logger.WithFields(log.Fields{"room": id, "player": userID, "name": name}).Info("player joined")
	return JoinResult{Result: OK(), RoomID: id, PlayerID: userID}
}

// ListPlayers returns every competing player in join order.
func (r *Registry) ListPlayers(ctx context.Context, roomID string) ([]Player, error) {
	all, err := r.store.ListPrefix(ctx, PlayersPrefix(roomID))
	if err != nil {
		return nil, err
	}
	players := make([]Player, 0, len(all))
	for path, v := range all {
		var p Player
		if err := json.Unmarshal(v, &p); err != nil {
			return nil, fmt.Errorf("decode player %s: %w", LastSegment(path), err)
		}
		players = append(players, p)
	}
	sortPlayersByJoin(players)
	return players, nil
}

// ListSpectators returns every spectator in a room.
func (r *Registry) ListSpectators(ctx context.Context, roomID string) ([]Spectator, error) {
	all, err := r.store.ListPrefix(ctx, SpectatorsPrefix(roomID))
	if err != nil {
		return nil, err
	}
	spectators := make([]Spectator, 0, len(all))
	for path, v := range all {
		var sp Spectator
		if err := json.Unmarshal(v, &sp); err != nil {
			return nil, fmt.Errorf("decode spectator %s: %w", LastSegment(path), err)
		}
		spectators = append(spectators, sp)
	}
	return spectators, nil
}

// GetPlayer fetches one player record, nil if absent.
func (r *Registry) GetPlayer(ctx context.Context, roomID, playerID string) (*Player, error) {
	v, err := r.store.Get(ctx, PlayerPath(roomID, playerID))
	if err != nil || v == nil {
		return nil, err
	}
	var p Player
	if err := json.Unmarshal(v, &p); err != nil {
		return nil, fmt.Errorf("decode player %s: %w", playerID, err)
	}
	return &p, nil
}

// IsSpectator reports whether userID holds a spectator record in the room.
func (r *Registry) IsSpectator(ctx context.Context, roomID, userID string) (bool, error) {
	v, err := r.store.Get(ctx, SpectatorPath(roomID, userID))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// IsElevated re-reads the caller's role flag from the store. Never cached:
// authority checks happen at the point of use.
func (r *Registry) IsElevated(ctx context.Context, roomID, userID string) (bool, error) {
	v, err := r.store.Get(ctx, SpectatorPath(roomID, userID))
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	var sp Spectator
	if err := json.Unmarshal(v, &sp); err != nil {
		return false, fmt.Errorf("decode spectator %s: %w", userID, err)
	}
	return sp.IsElevated, nil
}

// ActiveRoomIDs scans the store for rooms whose status is active. Used by
// the inactivity reaper.
func (r *Registry) ActiveRoomIDs(ctx context.Context) ([]string, error) {
	all, err := r.store.ListPrefix(ctx, "rooms/")
	if err != nil {
		return nil, err
	}
	var ids []string
	for path, v := range all {
		if !strings.HasSuffix(path, "/status") || strings.Count(path, "/") != 2 {
			continue
		}
		var st Status
		if err := json.Unmarshal(v, &st); err != nil {
			continue
		}
		if st == StatusActive {
			ids = append(ids, RoomIDFromPath(path))
		}
	}
	return ids, nil
}

// DataUsageStats counts stored entities and approximate bytes for a room.
func (r *Registry) DataUsageStats(ctx context.Context, roomID string) StatsResult {
	all, err := r.store.ListPrefix(ctx, RoomPrefix(roomID))
	if err != nil {
		return StatsResult{Result: Transient(fmt.Sprintf("list room data: %v", err))}
	}
	if len(all) == 0 {
		return StatsResult{Result: Fail(ErrRoomNotFound, "no data for that room")}
	}
	stats := StatsResult{Result: OK(), StoredPaths: len(all)}
	rounds := make(map[string]bool)
	for path, v := range all {
		stats.ApproxBytes += len(path) + len(v)
		rest := strings.TrimPrefix(path, RoomPrefix(roomID))
		parts := strings.Split(rest, "/")
		switch parts[0] {
		case "players":
			stats.Players++
		case "spectators":
			stats.Spectators++
		case "rounds":
			if len(parts) > 1 {
				rounds[parts[1]] = true
			}
		}
	}
	stats.Rounds = len(rounds)
	return stats
}

func sortPlayersByJoin(players []Player) {
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].JoinedAt.Before(players[j].JoinedAt)
	})
}
