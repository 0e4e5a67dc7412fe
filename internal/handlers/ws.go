// internal/handlers/ws.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/quizwheel/quizwheel/internal/middleware"
	"github.com/quizwheel/quizwheel/internal/room"
)

// clientMessage is the inbound frame shape. Players mostly listen; the
// only actions carried over the socket itself are heartbeat-style pings
// and an explicit leave.
type clientMessage struct {
	Type string `json:"type"`
}

// RoomWSHandler upgrades to a websocket session bound to one player in one
// room. The session is the player's liveness anchor: registering arms the
// presence record and the disconnect hook; the hook fires when the read
// loop exits without a clean leave.
func (s *Server) RoomWSHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	playerID := r.URL.Query().Get("playerId")
	if roomID == "" || playerID == "" {
		http.Error(w, "roomId and playerId are required", http.StatusBadRequest)
		return
	}

	player, err := s.Registry.GetPlayer(r.Context(), roomID, playerID)
	if err != nil || player == nil {
		http.Error(w, "unknown player", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"json"},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.Logger.WithError(err).Warn("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server closing")

	middleware.LogWebSocketConnect(s.Logger, r.RemoteAddr, r.URL.Path)

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Monitor.RegisterPlayer(ctx, roomID, playerID, player.Name, sessionID); err != nil {
		s.Logger.WithError(err).WithField("player", playerID).Error("presence registration failed")
		conn.Close(websocket.StatusInternalError, "presence registration failed")
		return
	}

	events, unsubscribe := s.Registry.Bus().Subscribe(roomID)
	defer unsubscribe()

	// Write pump: room events out to the client.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					// Room terminated; its data is gone, so the disconnect
					// hook must not fire and write any of it back.
					bg, bgCancel := context.WithTimeout(context.Background(), 10*time.Second)
					s.Monitor.UnregisterPlayer(bg, roomID, playerID, sessionID)
					bgCancel()
					conn.Close(websocket.StatusNormalClosure, "room closed")
					cancel()
					return
				}
				wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(wctx, conn, ev)
				wcancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Read pump blocks the handler; exiting it ends the session. Each read
	// carries a deadline: a half-open socket that stops sending hits it,
	// the loop exits, and the disconnect hook fires. Presence lastSeen is
	// refreshed only here, from frames the client actually sent.
	clean := false
	for {
		var msg clientMessage
		rctx, rcancel := context.WithTimeout(ctx, s.Monitor.StaleThreshold())
		err := wsjson.Read(rctx, conn, &msg)
		rcancel()
		if err != nil {
			break
		}
		switch msg.Type {
		case "leave":
			clean = true
		case "ping":
			s.Monitor.Heartbeat(ctx, roomID, playerID)
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			_ = wsjson.Write(wctx, conn, map[string]string{"type": "pong"})
			wcancel()
		}
		if clean {
			break
		}
	}

	// Cleanup runs on a fresh context: the request context is already dead
	// by the time an abrupt drop lands here.
	bg, bgCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer bgCancel()
	if clean {
		s.Monitor.UnregisterPlayer(bg, roomID, playerID, sessionID)
		if err := s.Registry.Store().Set(bg, room.PlayerPath(roomID, playerID), nil); err != nil {
			s.Logger.WithError(err).WithField("player", playerID).Warn("player removal on leave failed")
		}
		s.Registry.Bus().Publish(room.Event{Type: room.EventPlayerLeft, RoomID: roomID, PlayerID: playerID})
		if players, err := s.Registry.ListPlayers(bg, roomID); err == nil && len(players) == 0 {
			s.Executor.Terminate(bg, roomID, "all players left")
		}
		conn.Close(websocket.StatusNormalClosure, "left")
	} else {
		s.Monitor.SessionDropped(bg, sessionID)
	}
	middleware.LogWebSocketDisconnect(s.Logger, r.RemoteAddr, r.URL.Path, nil)
}
