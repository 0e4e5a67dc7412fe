// internal/handlers/api_test.go
package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizwheel/quizwheel/internal/cleanup"
	"github.com/quizwheel/quizwheel/internal/game"
	"github.com/quizwheel/quizwheel/internal/presence"
	"github.com/quizwheel/quizwheel/internal/room"
	"github.com/quizwheel/quizwheel/internal/store"
)

type trivialSource struct{}

func (trivialSource) Question(topic string, round int) game.Question {
	return game.Question{Prompt: "q", Choices: []string{"a", "b"}, Correct: 0}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := store.NewMemoryStore()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	registry := room.NewRegistry(s, room.NewCodeGenerator(s, 6, 10), room.NewBus(), logger, 8, 5000)
	coordinator := game.NewCoordinator(registry, trivialSource{}, logger, game.Config{
		TotalRounds:      5,
		SpinningDuration: 50 * time.Millisecond,
		BiddingDuration:  50 * time.Millisecond,
		QuestionDuration: 50 * time.Millisecond,
		ResultsDuration:  50 * time.Millisecond,
		Topics:           game.DefaultTopics,
	})
	executor := cleanup.NewExecutor(registry, logger, 3, time.Millisecond, time.Minute, nil)
	monitor := presence.NewMonitor(registry, s, logger,
		60*time.Millisecond, 20*time.Millisecond, nil)
	t.Cleanup(func() {
		coordinator.StopAll()
		executor.Stop()
		monitor.Stop()
	})
	return &Server{
		Registry:    registry,
		Coordinator: coordinator,
		Executor:    executor,
		Monitor:     monitor,
		Logger:      logger,
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestCreateJoinInfoFlow(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.CreateRoomHandler(rec, httptest.NewRequest(http.MethodPost, "/room/create", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var created struct {
		room.Result
		Room *room.Room `json:"room"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, created.Success)
	require.NotNil(t, created.Room)
	code := created.Room.Code

	rec = postJSON(t, srv.JoinRoomHandler, map[string]interface{}{"code": code, "name": "Alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	var joined room.JoinResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &joined))
	assert.True(t, joined.Success)
	assert.NotEmpty(t, joined.PlayerID)

	req := httptest.NewRequest(http.MethodGet, "/room/info?code="+code, nil)
	rec = httptest.NewRecorder()
	srv.RoomInfoHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var info room.InfoResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, created.Room.ID, info.Room.ID)
	assert.Equal(t, room.PhaseWaiting, info.Room.Phase)
}

func TestErrorCodesMapToHTTPStatus(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/room/info?code=ZZZZZZ", nil)
	rec := httptest.NewRecorder()
	srv.RoomInfoHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/room/info?code=bad", nil)
	rec = httptest.NewRecorder()
	srv.RoomInfoHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A plain player cannot start the game: 403.
	rec = httptest.NewRecorder()
	srv.CreateRoomHandler(rec, httptest.NewRequest(http.MethodPost, "/room/create", nil))
	var created struct {
		room.Result
		Room *room.Room `json:"room"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	joinRec := postJSON(t, srv.JoinRoomHandler, map[string]interface{}{"code": created.Room.Code, "name": "Alice"})
	var joined room.JoinResult
	require.NoError(t, json.Unmarshal(joinRec.Body.Bytes(), &joined))

	rec = postJSON(t, srv.StartGameHandler, map[string]string{
		"roomId": created.Room.ID, "callerId": joined.PlayerID,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postJSON(t, srv.SubmitBidHandler, map[string]interface{}{
		"roomId": created.Room.ID, "playerId": joined.PlayerID, "amount": 100,
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "bids outside the bidding phase conflict")
}

func TestStandingsHandlerServesCache(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/room/standings?roomId=nope", nil)
	rec := httptest.NewRecorder()
	srv.StandingsHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMalformedBodyIsRejected(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/room/join", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.JoinRoomHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
