// internal/room/registry_test.go
package room

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizwheel/quizwheel/internal/store"
)

func testRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	codes := NewCodeGenerator(s, 6, 10)
	return NewRegistry(s, codes, NewBus(), logger, 8, 5000), s
}

func TestCreateRoom(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)

	rm, res := r.CreateRoom(ctx)
	require.True(t, res.Success, res.Error)
	require.NotNil(t, rm)
	assert.Equal(t, StatusActive, rm.Status)
	assert.Equal(t, PhaseWaiting, rm.Phase)
	assert.Zero(t, rm.RoundNumber)
	assert.Len(t, rm.Code, 6)

	id, err := r.Resolve(ctx, rm.Code)
	require.NoError(t, err)
	assert.Equal(t, rm.ID, id, "code index must point at the room")

	loaded, err := r.LoadRoom(ctx, rm.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, rm.Code, loaded.Code)
	assert.Equal(t, PhaseWaiting, loaded.Phase)
}

func TestGetRoomInfo(t *testing.T) {
	ctx := context.Background()
	r, s := testRegistry(t)
	rm, res := r.CreateRoom(ctx)
	require.True(t, res.Success)

	info := r.GetRoomInfo(ctx, strings.ToLower(rm.Code))
	require.True(t, info.Success, "codes are case-insensitive at the boundary")
	assert.Equal(t, rm.ID, info.Room.ID)

	info = r.GetRoomInfo(ctx, "!!!!!!")
	assert.Equal(t, ErrInvalidCode, info.ErrorCode)

	info = r.GetRoomInfo(ctx, "ZZZZZZ")
	assert.Equal(t, ErrRoomNotFound, info.ErrorCode)

	require.NoError(t, s.Set(ctx, RoomPath(rm.ID, "status"), StatusTerminating))
	info = r.GetRoomInfo(ctx, rm.Code)
	assert.Equal(t, ErrRoomTerminating, info.ErrorCode)
}

func TestJoinRoomValidation(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)
	rm, _ := r.CreateRoom(ctx)

	res := r.JoinRoom(ctx, "nope", "Alice", false)
	assert.Equal(t, ErrInvalidCode, res.ErrorCode)

	res = r.JoinRoom(ctx, rm.Code, "", false)
	assert.Equal(t, ErrInvalidName, res.ErrorCode)

	res = r.JoinRoom(ctx, rm.Code, strings.Repeat("x", 25), false)
	assert.Equal(t, ErrInvalidName, res.ErrorCode)

	res = r.JoinRoom(ctx, rm.Code, "  Alice  ", false)
	require.True(t, res.Success, "names are trimmed before validation")
	assert.NotEmpty(t, res.PlayerID)
	assert.Equal(t, rm.ID, res.RoomID)
	assert.False(t, res.Spectator)
}

func TestJoinRoomDuplicateNames(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)
	rm, _ := r.CreateRoom(ctx)

	require.True(t, r.JoinRoom(ctx, rm.Code, "Alice", false).Success)
	res := r.JoinRoom(ctx, rm.Code, "alice", false)
	assert.Equal(t, ErrDuplicateName, res.ErrorCode, "duplicate check is case-insensitive")

	require.True(t, r.JoinRoom(ctx, rm.Code, "Host", true).Success)
	res = r.JoinRoom(ctx, rm.Code, "HOST", false)
	assert.Equal(t, ErrDuplicateName, res.ErrorCode, "spectator names count too")
}

func TestJoinRoomCapacity(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	r := NewRegistry(s, NewCodeGenerator(s, 6, 10), NewBus(), logger, 2, 5000)
	rm, _ := r.CreateRoom(ctx)

	require.True(t, r.JoinRoom(ctx, rm.Code, "P1", false).Success)
	require.True(t, r.JoinRoom(ctx, rm.Code, "P2", false).Success)

	res := r.JoinRoom(ctx, rm.Code, "P3", false)
	assert.Equal(t, ErrRoomFull, res.ErrorCode)

	res = r.JoinRoom(ctx, rm.Code, "Watcher", true)
	assert.True(t, res.Success, "spectators do not count toward capacity")
	assert.True(t, res.Spectator)
}

func TestJoinRoomMidGame(t *testing.T) {
	ctx := context.Background()
	r, s := testRegistry(t)
	rm, _ := r.CreateRoom(ctx)
	require.NoError(t, s.Set(ctx, RoomPath(rm.ID, "phase"), PhaseBidding))

	res := r.JoinRoom(ctx, rm.Code, "Late", false)
	assert.Equal(t, ErrGameInProgress, res.ErrorCode)

	res = r.JoinRoom(ctx, rm.Code, "Watcher", true)
	assert.True(t, res.Success, "spectators may join mid-game")
}

func TestPlayerStartsWithStakeAndJoinOrder(t *testing.T) {
	ctx := context.Background()
	r, _ := testRegistry(t)
	rm, _ := r.CreateRoom(ctx)

	var ids []string
	for i := 0; i < 3; i++ {
		res := r.JoinRoom(ctx, rm.Code, fmt.Sprintf("Player%d", i), false)
		require.True(t, res.Success)
		ids = append(ids, res.PlayerID)
	}

	players, err := r.ListPlayers(ctx, rm.ID)
	require.NoError(t, err)
	require.Len(t, players, 3)
	for i, p := range players {
		assert.Equal(t, 5000, p.Score)
		assert.Equal(t, -1, p.CurrentAnswer)
		assert.Equal(t, ids[i], p.ID, "ListPlayers keeps join order")
	}
}

func TestElevationIsReReadFromStore(t *testing.T) {
	ctx := context.Background()
	r, s := testRegistry(t)
	rm, _ := r.CreateRoom(ctx)

	host := r.JoinRoom(ctx, rm.Code, "Host", true)
	require.True(t, host.Success)

	elevated, err := r.IsElevated(ctx, rm.ID, host.PlayerID)
	require.NoError(t, err)
	assert.True(t, elevated)

	// Revoking the record revokes the authority on the next check.
	require.NoError(t, s.Set(ctx, SpectatorPath(rm.ID, host.PlayerID), nil))
	elevated, err = r.IsElevated(ctx, rm.ID, host.PlayerID)
	require.NoError(t, err)
	assert.False(t, elevated)

	elevated, err = r.IsElevated(ctx, rm.ID, "unknown-user")
	require.NoError(t, err)
	assert.False(t, elevated)
}

func TestActiveRoomIDs(t *testing.T) {
	ctx := context.Background()
	r, s := testRegistry(t)
	a, _ := r.CreateRoom(ctx)
	b, _ := r.CreateRoom(ctx)
	require.NoError(t, s.Set(ctx, RoomPath(b.ID, "status"), StatusTerminated))

	ids, err := r.ActiveRoomIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)
}

func TestDataUsageStats(t *testing.T) {
	ctx := context.Background()
	r, s := testRegistry(t)
	rm, _ := r.CreateRoom(ctx)
	p1 := r.JoinRoom(ctx, rm.Code, "Alice", false)
	r.JoinRoom(ctx, rm.Code, "Host", true)
	require.NoError(t, s.Set(ctx, BidPath(rm.ID, 1, p1.PlayerID), 500))
	require.NoError(t, s.Set(ctx, AnswerPath(rm.ID, 1, p1.PlayerID), 2))
	require.NoError(t, s.Set(ctx, BidPath(rm.ID, 2, p1.PlayerID), 700))

	stats := r.DataUsageStats(ctx, rm.ID)
	require.True(t, stats.Success)
	assert.Equal(t, 1, stats.Players)
	assert.Equal(t, 1, stats.Spectators)
	assert.Equal(t, 2, stats.Rounds)
	assert.Greater(t, stats.ApproxBytes, 0)

	missing := r.DataUsageStats(ctx, "no-such-room")
	assert.Equal(t, ErrRoomNotFound, missing.ErrorCode)
}

func TestEventBusFanout(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("r1")
	defer cancel()

	b.Publish(Event{Type: EventPlayerJoined, RoomID: "r1", PlayerID: "p1"})
	b.Publish(Event{Type: EventPlayerJoined, RoomID: "r2", PlayerID: "p2"})

	ev := <-ch
	assert.Equal(t, EventPlayerJoined, ev.Type)
	assert.Equal(t, "p1", ev.PlayerID)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for another room: %+v", ev)
	default:
	}

	b.CloseRoom("r1")
	_, open := <-ch
	assert.False(t, open, "CloseRoom closes subscriber channels")
}
