// internal/game/coordinator_test.go
package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizwheel/quizwheel/internal/room"
	"github.com/quizwheel/quizwheel/internal/store"
)

// stubSource always marks choice 1 as correct, so tests control outcomes by
// answering 1 (right) or anything else (wrong).
type stubSource struct{}

func (stubSource) Question(topic string, round int) Question {
	return Question{
		Prompt:  "stub question for " + topic,
		Choices: []string{"a", "b", "c", "d"},
		Correct: 1,
	}
}

type fixture struct {
	store       *store.MemoryStore
	registry    *room.Registry
	coordinator *Coordinator
	roomID      string
	code        string
	hostID      string
}

func newFixture(t *testing.T, totalRounds int) *fixture {
	return newFixtureScore(t, totalRounds, 5000)
}

func newFixtureScore(t *testing.T, totalRounds, startingScore int) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	registry := room.NewRegistry(s, room.NewCodeGenerator(s, 6, 10), room.NewBus(), logger, 8, startingScore)
	c := NewCoordinator(registry, stubSource{}, logger, Config{
		TotalRounds:      totalRounds,
		SpinningDuration: 50 * time.Millisecond,
		BiddingDuration:  50 * time.Millisecond,
		QuestionDuration: 50 * time.Millisecond,
		ResultsDuration:  50 * time.Millisecond,
		Topics:           []string{"History", "Science", "Movies"},
	})

	rm, res := registry.CreateRoom(ctx)
	require.True(t, res.Success, res.Error)
	host := registry.JoinRoom(ctx, rm.Code, "Host", true)
	require.True(t, host.Success, host.Error)

	return &fixture{
		store:       s,
		registry:    registry,
		coordinator: c,
		roomID:      rm.ID,
		code:        rm.Code,
		hostID:      host.PlayerID,
	}
}

func (f *fixture) join(t *testing.T, name string) string {
	t.Helper()
	res := f.registry.JoinRoom(context.Background(), f.code, name, false)
	require.True(t, res.Success, res.Error)
	return res.PlayerID
}

func (f *fixture) phase(t *testing.T) room.Phase {
	t.Helper()
	rm, err := f.registry.LoadRoom(context.Background(), f.roomID)
	require.NoError(t, err)
	require.NotNil(t, rm)
	return rm.Phase
}

func (f *fixture) player(t *testing.T, id string) *room.Player {
	t.Helper()
	p, err := f.registry.GetPlayer(context.Background(), f.roomID, id)
	require.NoError(t, err)
	return p
}

func TestStartGameRequiresElevation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	alice := f.join(t, "Alice")

	res := f.coordinator.StartGame(ctx, f.roomID, alice)
	assert.Equal(t, room.ErrPermissionDenied, res.ErrorCode, "a plain player cannot start")

	res = f.coordinator.StartGame(ctx, f.roomID, "nobody")
	assert.Equal(t, room.ErrPermissionDenied, res.ErrorCode)

	res = f.coordinator.StartGame(ctx, f.roomID, f.hostID)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, room.PhaseSpinning, f.phase(t))

	rm, _ := f.registry.LoadRoom(ctx, f.roomID)
	assert.Equal(t, 1, rm.RoundNumber)
	assert.NotEmpty(t, rm.CurrentTopic)
	assert.Equal(t, []string{rm.CurrentTopic}, rm.UsedTopics)
}

func TestStartGameGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	res := f.coordinator.StartGame(ctx, f.roomID, f.hostID)
	assert.Equal(t, room.ErrWrongPhase, res.ErrorCode, "no players, no game")

	f.join(t, "Alice")
	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)

	res = f.coordinator.StartGame(ctx, f.roomID, f.hostID)
	assert.Equal(t, room.ErrGameInProgress, res.ErrorCode, "starting twice is rejected")
}

func TestTransitionIsIdempotentAndMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.join(t, "Alice")
	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)

	// Re-applying the edge that already happened is a benign lost race.
	res := f.coordinator.transition(ctx, f.roomID, room.PhaseWaiting, room.PhaseSpinning, nil)
	assert.True(t, res.Success, "target already applied reads as success")
	assert.Equal(t, room.PhaseSpinning, f.phase(t))

	// A stale view that matches neither source nor target is rejected.
	res = f.coordinator.transition(ctx, f.roomID, room.PhaseQuestion, room.PhaseResults, nil)
	assert.Equal(t, room.ErrWrongPhase, res.ErrorCode)
	assert.Equal(t, room.PhaseSpinning, f.phase(t), "rejected transitions write nothing")
}

func TestBidValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	alice := f.join(t, "Alice")

	res := f.coordinator.SubmitBid(ctx, f.roomID, alice, 100)
	assert.Equal(t, room.ErrWrongPhase, res.ErrorCode, "no bids while waiting")

	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.Equal(t, room.PhaseBidding, f.phase(t))

	assert.Equal(t, room.ErrInvalidBid, f.coordinator.SubmitBid(ctx, f.roomID, alice, 0).ErrorCode)
	assert.Equal(t, room.ErrInvalidBid, f.coordinator.SubmitBid(ctx, f.roomID, alice, -5).ErrorCode)
	assert.Equal(t, room.ErrPlayerNotFound, f.coordinator.SubmitBid(ctx, f.roomID, "ghost", 100).ErrorCode)

	// Bidding past the current score is legal; a wrong answer then drives the
	// score negative and the elimination sweep settles it.
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, alice, 5001).Success)
	assert.Equal(t, 5001, f.player(t, alice).CurrentBid)

	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, alice, 1000).Success)
	assert.Equal(t, 1000, f.player(t, alice).CurrentBid)

	// Re-bidding overwrites, last write wins.
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, alice, 2000).Success)
	assert.Equal(t, 2000, f.player(t, alice).CurrentBid)
}

func TestRoundSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	alice := f.join(t, "Alice")
	bob := f.join(t, "Bob")
	carol := f.join(t, "Carol")

	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success) // -> bidding

	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, alice, 1000).Success)
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, bob, 4000).Success)
	// Carol never bids or answers.

	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success) // -> question
	require.True(t, f.coordinator.SubmitAnswer(ctx, f.roomID, alice, 1).Success) // right
	require.True(t, f.coordinator.SubmitAnswer(ctx, f.roomID, bob, 3).Success)   // wrong

	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success) // -> results
	require.Equal(t, room.PhaseResults, f.phase(t))

	assert.Equal(t, 7000, f.player(t, alice).Score, "correct answer wins twice the bid")
	assert.Equal(t, 1000, f.player(t, bob).Score, "wrong answer loses the bid")
	assert.Equal(t, 5000, f.player(t, carol).Score, "no answer, no settlement")

	assert.Equal(t, 0, f.player(t, alice).CurrentBid, "bid resets after settlement")
	assert.Equal(t, -1, f.player(t, alice).CurrentAnswer, "answer resets after settlement")

	var results map[string]room.RoundResult
	v, err := f.store.Get(ctx, room.ResultsPath(f.roomID, 1))
	require.NoError(t, err)
	require.NotNil(t, v, "results snapshot is written")
	require.NoError(t, jsonUnmarshal(v, &results))
	assert.Equal(t, room.RoundResult{Correct: true, ScoreChange: 2000, NewScore: 7000}, results[alice])
	assert.Equal(t, room.RoundResult{Correct: false, ScoreChange: -4000, NewScore: 1000}, results[bob])
	assert.NotContains(t, results, carol)
}

func TestSettlementIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	alice := f.join(t, "Alice")

	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, alice, 1000).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.SubmitAnswer(ctx, f.roomID, alice, 1).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.Equal(t, 7000, f.player(t, alice).Score)

	// A racing client settling again must not double-pay.
	require.NoError(t, f.coordinator.settleRound(ctx, f.roomID, 1))
	assert.Equal(t, 7000, f.player(t, alice).Score)
}

func TestEliminationMovesPlayerToSpectators(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	alice := f.join(t, "Alice")
	bob := f.join(t, "Bob")

	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, alice, 100).Success)
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, bob, 5000).Success) // all in
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.SubmitAnswer(ctx, f.roomID, alice, 1).Success)
	require.True(t, f.coordinator.SubmitAnswer(ctx, f.roomID, bob, 0).Success) // wrong
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)

	assert.Nil(t, f.player(t, bob), "eliminated player record is gone")

	spectators, err := f.registry.ListSpectators(ctx, f.roomID)
	require.NoError(t, err)
	var eliminated *room.Spectator
	for i := range spectators {
		if spectators[i].ID == bob {
			eliminated = &spectators[i]
		}
	}
	require.NotNil(t, eliminated, "eliminated player becomes a spectator")
	assert.Equal(t, "Bob", eliminated.Name)
	assert.False(t, eliminated.IsElevated, "elimination grants no authority")
	require.NotNil(t, eliminated.FinalScore)
	assert.Equal(t, 0, *eliminated.FinalScore)
	assert.NotNil(t, eliminated.EliminatedAt)

	assert.Equal(t, 5200, f.player(t, alice).Score, "survivors are untouched")
}

func TestOverScoreBidEliminatesBelowZero(t *testing.T) {
	ctx := context.Background()
	f := newFixtureScore(t, 5, 3000)
	alice := f.join(t, "Alice")
	bob := f.join(t, "Bob")

	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, alice, 100).Success)
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, bob, 4000).Success) // more than he has
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.SubmitAnswer(ctx, f.roomID, alice, 1).Success)
	require.True(t, f.coordinator.SubmitAnswer(ctx, f.roomID, bob, 3).Success) // wrong
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)

	assert.Nil(t, f.player(t, bob), "eliminated player record is gone")

	spectators, err := f.registry.ListSpectators(ctx, f.roomID)
	require.NoError(t, err)
	var eliminated *room.Spectator
	for i := range spectators {
		if spectators[i].ID == bob {
			eliminated = &spectators[i]
		}
	}
	require.NotNil(t, eliminated)
	require.NotNil(t, eliminated.FinalScore)
	assert.Equal(t, -1000, *eliminated.FinalScore, "the loss is booked in full, below zero")

	// The results snapshot records the negative balance too.
	var results map[string]room.RoundResult
	v, err := f.store.Get(ctx, room.ResultsPath(f.roomID, 1))
	require.NoError(t, err)
	require.NotNil(t, v)
	require.NoError(t, jsonUnmarshal(v, &results))
	assert.Equal(t, room.RoundResult{Correct: false, ScoreChange: -4000, NewScore: -1000}, results[bob])
}

func TestAnswerChoiceMustBeInRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	alice := f.join(t, "Alice")

	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, alice, 100).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)

	assert.Equal(t, room.ErrInvalidAnswer, f.coordinator.SubmitAnswer(ctx, f.roomID, alice, -1).ErrorCode)
	assert.Equal(t, room.ErrInvalidAnswer, f.coordinator.SubmitAnswer(ctx, f.roomID, alice, 17).ErrorCode,
		"the stub question has four choices")
	assert.Equal(t, -1, f.player(t, alice).CurrentAnswer, "rejected answers write nothing")

	require.True(t, f.coordinator.SubmitAnswer(ctx, f.roomID, alice, 3).Success)
}

func TestResultsAdvanceToNextRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.join(t, "Alice")

	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)
	rm, _ := f.registry.LoadRoom(ctx, f.roomID)
	firstTopic := rm.CurrentTopic

	for _, step := range []room.Phase{room.PhaseBidding, room.PhaseQuestion, room.PhaseResults} {
		require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
		require.Equal(t, step, f.phase(t))
	}

	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	assert.Equal(t, room.PhaseSpinning, f.phase(t))

	rm, _ = f.registry.LoadRoom(ctx, f.roomID)
	assert.Equal(t, 2, rm.RoundNumber)
	assert.NotEqual(t, firstTopic, rm.CurrentTopic, "the wheel never repeats before exhausting")
	assert.Len(t, rm.UsedTopics, 2)
}

func TestFinalRoundFinishesGame(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	alice := f.join(t, "Alice")
	bob := f.join(t, "Bob")

	var mu sync.Mutex
	var finished *room.Standings
	f.coordinator.OnFinished = func(ctx context.Context, s room.Standings) {
		mu.Lock()
		defer mu.Unlock()
		finished = &s
	}

	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, alice, 2000).Success)
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, bob, 500).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.SubmitAnswer(ctx, f.roomID, alice, 1).Success)
	require.True(t, f.coordinator.SubmitAnswer(ctx, f.roomID, bob, 1).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)

	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	assert.Equal(t, room.PhaseFinished, f.phase(t))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, finished, "finish hook fires")
	require.Len(t, finished.Rankings, 2)
	assert.Equal(t, alice, finished.Rankings[0].PlayerID)
	assert.Equal(t, 9000, finished.Rankings[0].Score)
	assert.True(t, finished.Rankings[0].IsWinner)
	assert.Equal(t, 2, finished.Rankings[1].Rank)
	assert.False(t, finished.Rankings[1].IsWinner)

	res := f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID)
	assert.Equal(t, room.ErrWrongPhase, res.ErrorCode, "finished is terminal")
}

func TestResetGame(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	alice := f.join(t, "Alice")

	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.AdvancePhase(ctx, f.roomID, f.hostID).Success)
	require.True(t, f.coordinator.SubmitBid(ctx, f.roomID, alice, 1000).Success)

	res := f.coordinator.ResetGame(ctx, f.roomID, alice)
	assert.Equal(t, room.ErrPermissionDenied, res.ErrorCode)

	require.True(t, f.coordinator.ResetGame(ctx, f.roomID, f.hostID).Success)
	assert.Equal(t, room.PhaseWaiting, f.phase(t))

	rm, _ := f.registry.LoadRoom(ctx, f.roomID)
	assert.Zero(t, rm.RoundNumber)
	assert.Empty(t, rm.CurrentTopic)
	assert.Empty(t, rm.UsedTopics)

	players, err := f.registry.ListPlayers(ctx, f.roomID)
	require.NoError(t, err)
	assert.Empty(t, players, "reset clears player records; players rejoin")

	rounds, err := f.store.ListPrefix(ctx, room.RoundsPrefix(f.roomID))
	require.NoError(t, err)
	assert.Empty(t, rounds, "reset clears round data")

	spectators, err := f.registry.ListSpectators(ctx, f.roomID)
	require.NoError(t, err)
	assert.Len(t, spectators, 1, "spectators survive a reset")
}

func TestWatchRoomAutoAdvances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.join(t, "Alice")

	require.NoError(t, f.coordinator.WatchRoom(f.roomID))
	defer f.coordinator.StopAll()

	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)

	// With 50ms phases and one round the watch loop should drive the whole
	// machine to finished on its own.
	require.Eventually(t, func() bool {
		return f.phase(t) == room.PhaseFinished
	}, 3*time.Second, 10*time.Millisecond, "timers must advance every phase")

	rm, _ := f.registry.LoadRoom(ctx, f.roomID)
	assert.Equal(t, 1, rm.RoundNumber)
}

func TestStopWatchCancelsTimers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.join(t, "Alice")

	require.NoError(t, f.coordinator.WatchRoom(f.roomID))
	require.True(t, f.coordinator.StartGame(ctx, f.roomID, f.hostID).Success)
	f.coordinator.StopWatch(f.roomID)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, room.PhaseSpinning, f.phase(t), "no auto-advance after StopWatch")
}
