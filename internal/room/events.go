// internal/room/events.go
package room

import (
	"sync"
)

// EventType enumerates the room lifecycle events observers can watch.
type EventType string

const (
	EventPlayerJoined     EventType = "player_joined"
	EventSpectatorJoined  EventType = "spectator_joined"
	EventPlayerLeft       EventType = "player_left"
	EventPlayerEliminated EventType = "player_eliminated"
	EventPhaseChanged     EventType = "phase_changed"
	EventRoundSettled     EventType = "round_settled"
	EventGameFinished     EventType = "game_finished"
	EventRoomTerminating  EventType = "room_terminating"
	EventRoomTerminated   EventType = "room_terminated"
)

// Event is one lifecycle notification for a room.
type Event struct {
	Type     EventType              `json:"type"`
	RoomID   string                 `json:"roomId"`
	PlayerID string                 `json:"playerId,omitempty"`
	Phase    Phase                  `json:"phase,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// Bus is a per-room event fan-out. Explicit channels instead of ad hoc
// callback lists give deterministic ordering per subscriber and trivial
// cancellation. Slow subscribers drop events rather than block publishers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event // roomID -> subID -> channel
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Event)}
}

// Subscribe returns a channel of events for one room and a cancel func that
// closes it.
func (b *Bus) Subscribe(roomID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[roomID] == nil {
		b.subs[roomID] = make(map[int]chan Event)
	}
	ch := make(chan Event, 64)
	b.subs[roomID][id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[roomID][id]; ok {
			delete(b.subs[roomID], id)
			close(sub)
		}
	}
}

// Publish delivers ev to every subscriber of its room, dropping on full
// buffers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.RoomID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CloseRoom closes and removes every subscription for a room. Called when
// the room terminates.
func (b *Bus) CloseRoom(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs[roomID] {
		delete(b.subs[roomID], id)
		close(ch)
	}
	delete(b.subs, roomID)
}
