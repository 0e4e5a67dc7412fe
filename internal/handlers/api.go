// internal/handlers/api.go
package handlers

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/quizwheel/quizwheel/internal/cleanup"
	"github.com/quizwheel/quizwheel/internal/game"
	"github.com/quizwheel/quizwheel/internal/presence"
	"github.com/quizwheel/quizwheel/internal/room"
)

// Server bundles the operation surface exposed to UI collaborators. Every
// handler answers with a structured result body; HTTP status codes mirror
// the error taxonomy (400 validation, 404/409/403 state, 503 transient).
type Server struct {
	Registry    *room.Registry
	Coordinator *game.Coordinator
	Executor    *cleanup.Executor
	Monitor     *presence.Monitor
	Logger      *log.Logger
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(res room.Result) int {
	if res.Success {
		return http.StatusOK
	}
	if res.Retryable {
		return http.StatusServiceUnavailable
	}
	switch res.ErrorCode {
	case room.ErrRoomNotFound, room.ErrPlayerNotFound:
		return http.StatusNotFound
	case room.ErrPermissionDenied:
		return http.StatusForbidden
	case room.ErrRoomTerminating, room.ErrDuplicateName, room.ErrRoomFull,
		room.ErrGameInProgress, room.ErrWrongPhase:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, room.Fail(room.ErrInvalidCode, "malformed request body"))
		return false
	}
	return true
}

// CreateRoomHandler creates a room and installs its watches.
func (s *Server) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	rm, res := s.Registry.CreateRoom(r.Context())
	if !res.Success {
		writeJSON(w, statusFor(res), res)
		return
	}
	s.watchRoom(rm.ID)
	writeJSON(w, http.StatusOK, struct {
		room.Result
		Room *room.Room `json:"room"`
	}{res, rm})
}

// watchRoom arms the auto-advance loop and the presence watch for a room.
func (s *Server) watchRoom(roomID string) {
	if err := s.Coordinator.WatchRoom(roomID); err != nil {
		s.Logger.WithError(err).WithField("room", roomID).Error("failed to watch room phases")
	}
	if err := s.Monitor.WatchRoom(roomID); err != nil {
		s.Logger.WithError(err).WithField("room", roomID).Error("failed to watch room presence")
	}
}

// JoinRoomHandler handles both player and elevated (spectator) joins.
func (s *Server) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		Name     string `json:"name"`
		Elevated bool   `json:"elevated"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res := s.Registry.JoinRoom(r.Context(), req.Code, req.Name, req.Elevated)
	writeJSON(w, statusFor(res.Result), res)
}

// RoomInfoHandler resolves a code and returns the room record.
func (s *Server) RoomInfoHandler(w http.ResponseWriter, r *http.Request) {
	res := s.Registry.GetRoomInfo(r.Context(), r.URL.Query().Get("code"))
	writeJSON(w, statusFor(res.Result), res)
}

type roomCallerReq struct {
	RoomID   string `json:"roomId"`
	CallerID string `json:"callerId"`
}

// StartGameHandler begins round one. Elevated callers only.
func (s *Server) StartGameHandler(w http.ResponseWriter, r *http.Request) {
	var req roomCallerReq
	if !decodeBody(w, r, &req) {
		return
	}
	res := s.Coordinator.StartGame(r.Context(), req.RoomID, req.CallerID)
	writeJSON(w, statusFor(res), res)
}

// AdvancePhaseHandler manually drives the next phase edge.
func (s *Server) AdvancePhaseHandler(w http.ResponseWriter, r *http.Request) {
	var req roomCallerReq
	if !decodeBody(w, r, &req) {
		return
	}
	res := s.Coordinator.AdvancePhase(r.Context(), req.RoomID, req.CallerID)
	writeJSON(w, statusFor(res), res)
}

// ResetGameHandler returns a room to the waiting phase.
func (s *Server) ResetGameHandler(w http.ResponseWriter, r *http.Request) {
	var req roomCallerReq
	if !decodeBody(w, r, &req) {
		return
	}
	res := s.Coordinator.ResetGame(r.Context(), req.RoomID, req.CallerID)
	writeJSON(w, statusFor(res), res)
}

// SubmitBidHandler records a wager for the current round.
func (s *Server) SubmitBidHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID   string `json:"roomId"`
		PlayerID string `json:"playerId"`
		Amount   int    `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res := s.Coordinator.SubmitBid(r.Context(), req.RoomID, req.PlayerID, req.Amount)
	writeJSON(w, statusFor(res), res)
}

// SubmitAnswerHandler records a choice for the current round.
func (s *Server) SubmitAnswerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID   string `json:"roomId"`
		PlayerID string `json:"playerId"`
		Choice   int    `json:"choice"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res := s.Coordinator.SubmitAnswer(r.Context(), req.RoomID, req.PlayerID, req.Choice)
	writeJSON(w, statusFor(res), res)
}

// ManualCleanupHandler forces the termination protocol.
func (s *Server) ManualCleanupHandler(w http.ResponseWriter, r *http.Request) {
	var req roomCallerReq
	if !decodeBody(w, r, &req) {
		return
	}
	res := s.Executor.ManualCleanup(r.Context(), req.RoomID, req.CallerID)
	writeJSON(w, statusFor(res), res)
}

// IsSpectatorHandler reports whether a user holds a spectator record.
func (s *Server) IsSpectatorHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	userID := r.URL.Query().Get("userId")
	isSpec, err := s.Registry.IsSpectator(r.Context(), roomID, userID)
	if err != nil {
		res := room.Transient("spectator lookup failed")
		writeJSON(w, statusFor(res), res)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		room.Result
		Spectator bool `json:"spectator"`
	}{room.OK(), isSpec})
}

// DataUsageStatsHandler returns entity counts and approximate bytes.
func (s *Server) DataUsageStatsHandler(w http.ResponseWriter, r *http.Request) {
	res := s.Registry.DataUsageStats(r.Context(), r.URL.Query().Get("roomId"))
	writeJSON(w, statusFor(res.Result), res)
}

// StandingsHandler serves the cached final standings of a finished game,
// available through the grace window even after player records are gone.
func (s *Server) StandingsHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	standings := s.Executor.CachedStandings(roomID)
	if standings == nil {
		res := room.Fail(room.ErrRoomNotFound, "no standings cached for that room")
		writeJSON(w, statusFor(res), res)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		room.Result
		Standings *room.Standings `json:"standings"`
	}{room.OK(), standings})
}
