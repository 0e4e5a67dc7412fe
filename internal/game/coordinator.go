// internal/game/coordinator.go
package game

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quizwheel/quizwheel/internal/room"
	"github.com/quizwheel/quizwheel/internal/store"
)

// Question is one multiple-choice question served for a round. The catalog
// itself is an external collaborator; the coordinator only needs the correct
// index to settle the round.
type Question struct {
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices"`
	Correct int      `json:"-"`
}

// QuestionSource hands out a question for a topic and round.
type QuestionSource interface {
	Question(topic string, round int) Question
}

// OnFinishedFunc is invoked once when a room reaches the finished phase,
// with the final standings. The cleanup executor hangs off this.
type OnFinishedFunc func(ctx context.Context, standings room.Standings)

// Config carries the fixed game parameters.
type Config struct {
	TotalRounds      int
	SpinningDuration time.Duration
	BiddingDuration  time.Duration
	QuestionDuration time.Duration
	ResultsDuration  time.Duration
	Topics           []string
}

// Coordinator drives the per-round phase state machine:
//
//	waiting -> spinning -> bidding -> question -> results -> {spinning|finished}
//
// phaseStartTime in the store is the single source of truth for countdowns.
// Every client (and this coordinator's own watch loop) independently counts
// down from it and, at expiry, attempts the same next-edge transition. There
// is no cross-client lock, so every transition is a conditional write:
// re-read the current phase immediately before writing, treat "already
// there" as success and anything else as a lost race.
type Coordinator struct {
	registry *room.Registry
	store    store.Store
	source   QuestionSource
	logger   *log.Logger
	cfg      Config

	// OnFinished is called exactly once per watch when a game ends
	// naturally. May be nil.
	OnFinished OnFinishedFunc

	mu      sync.Mutex
	watches map[string]*roomWatch
}

// roomWatch is the per-room auto-advance state: a subscription on
// phaseStartTime and the countdown timer it keeps rescheduling.
type roomWatch struct {
	unsub  store.UnsubscribeFunc
	timer  *time.Timer
	closed bool
}

// NewCoordinator builds a coordinator over the shared store.
func NewCoordinator(registry *room.Registry, source QuestionSource, logger *log.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		registry: registry,
		store:    registry.Store(),
		source:   source,
		logger:   logger,
		cfg:      cfg,
		watches:  make(map[string]*roomWatch),
	}
}

// phaseDuration returns the countdown for a phase; zero means the phase
// does not auto-advance (waiting, finished).
func (c *Coordinator) phaseDuration(p room.Phase) time.Duration {
	switch p {
	case room.PhaseSpinning:
		return c.cfg.SpinningDuration
	case room.PhaseBidding:
		return c.cfg.BiddingDuration
	case room.PhaseQuestion:
		return c.cfg.QuestionDuration
	case room.PhaseResults:
		return c.cfg.ResultsDuration
	}
	return 0
}

// nextPhase returns the static successor edge, not counting the
// results -> {spinning|finished} split which depends on the round counter.
func nextPhase(p room.Phase) room.Phase {
	switch p {
	case room.PhaseSpinning:
		return room.PhaseBidding
	case room.PhaseBidding:
		return room.PhaseQuestion
	case room.PhaseQuestion:
		return room.PhaseResults
	}
	return ""
}

// requireElevated re-reads the caller's role flag from the store at the
// point of use, never cached. Fails closed: an ambiguous check (store
// trouble, missing record) denies.
func (c *Coordinator) requireElevated(ctx context.Context, roomID, callerID string) *room.Result {
	elevated, err := c.registry.IsElevated(ctx, roomID, callerID)
	if err != nil {
		c.logger.WithError(err).WithField("room", roomID).Warn("role check failed, denying")
		res := room.Fail(room.ErrPermissionDenied, "could not verify elevated role")
		return &res
	}
	if !elevated {
		res := room.Fail(room.ErrPermissionDenied, "caller is not elevated")
		return &res
	}
	return nil
}

// StartGame begins the first round: waiting -> spinning with roundNumber 1.
// Elevated callers only.
func (c *Coordinator) StartGame(ctx context.Context, roomID, callerID string) room.Result {
	if res := c.requireElevated(ctx, roomID, callerID); res != nil {
		return *res
	}
	rm, err := c.registry.LoadRoom(ctx, roomID)
	if err != nil {
		return room.Transient(fmt.Sprintf("load room: %v", err))
	}
	if rm == nil {
		return room.Fail(room.ErrRoomNotFound, "room record missing")
	}
	if rm.Status != room.StatusActive {
		return room.Fail(room.ErrRoomTerminating, "room is shutting down")
	}
	if rm.Phase != room.PhaseWaiting {
		return room.Fail(room.ErrGameInProgress, "game already started")
	}
	players, err := c.registry.ListPlayers(ctx, roomID)
	if err != nil {
		return room.Transient(fmt.Sprintf("list players: %v", err))
	}
	if len(players) == 0 {
		return room.Fail(room.ErrWrongPhase, "cannot start with no players")
	}

	topic, used := pickTopic(c.cfg.Topics, nil)
	extra := map[string]interface{}{
		room.RoomPath(roomID, "roundNumber"):  1,
		room.RoomPath(roomID, "currentTopic"): topic,
		room.RoomPath(roomID, "usedTopics"):   used,
	}
	return c.transition(ctx, roomID, room.PhaseWaiting, room.PhaseSpinning, extra)
}

// AdvancePhase manually drives the current phase's next edge. Elevated
// callers only; the timer path goes through the same transition logic.
func (c *Coordinator) AdvancePhase(ctx context.Context, roomID, callerID string) room.Result {
	if res := c.requireElevated(ctx, roomID, callerID); res != nil {
		return *res
	}
	rm, err := c.registry.LoadRoom(ctx, roomID)
	if err != nil {
		return room.Transient(fmt.Sprintf("load room: %v", err))
	}
	if rm == nil {
		return room.Fail(room.ErrRoomNotFound, "room record missing")
	}
	switch rm.Phase {
	case room.PhaseWaiting:
		return room.Fail(room.ErrWrongPhase, "game has not started")
	case room.PhaseFinished:
		return room.Fail(room.ErrWrongPhase, "game is finished")
	case room.PhaseResults:
		return c.advanceFromResults(ctx, rm)
	default:
		return c.advanceEdge(ctx, rm)
	}
}

// ResetGame returns a room to the waiting phase. Round data and player
// records are removed (players rejoin); spectators and the room record
// survive. Elevated callers only.
func (c *Coordinator) ResetGame(ctx context.Context, roomID, callerID string) room.Result {
	if res := c.requireElevated(ctx, roomID, callerID); res != nil {
		return *res
	}
	rm, err := c.registry.LoadRoom(ctx, roomID)
	if err != nil {
		return room.Transient(fmt.Sprintf("load room: %v", err))
	}
	if rm == nil {
		return room.Fail(room.ErrRoomNotFound, "room record missing")
	}

	now := time.Now().UTC()
	writes := map[string]interface{}{
		room.RoomPath(roomID, "phase"):          room.PhaseWaiting,
		room.RoomPath(roomID, "phaseStartTime"): now,
		room.RoomPath(roomID, "roundNumber"):    0,
		room.RoomPath(roomID, "currentTopic"):   nil,
		room.RoomPath(roomID, "usedTopics"):     nil,
		room.RoomPath(roomID, "lastActivityAt"): now,
	}
	players, err := c.registry.ListPlayers(ctx, roomID)
	if err != nil {
		return room.Transient(fmt.Sprintf("list players: %v", err))
	}
	for _, p := range players {
		writes[room.PlayerPath(roomID, p.ID)] = nil
	}
	rounds, err := c.store.ListPrefix(ctx, room.RoundsPrefix(roomID))
	if err != nil {
		return room.Transient(fmt.Sprintf("list rounds: %v", err))
	}
	for path := range rounds {
		writes[path] = nil
	}
	if err := c.store.MultiWrite(ctx, writes); err != nil {
		return room.Transient(fmt.Sprintf("reset room: %v", err))
	}

	c.registry.Bus().Publish(room.Event{Type: room.EventPhaseChanged, RoomID: roomID, Phase: room.PhaseWaiting})
	c.logger.WithField("room", roomID).Info("game reset")
	return room.OK()
}

// SubmitBid records a player's wager for the current round. Bidding phase
// only; the bid must be positive. Bids above the player's score are
// allowed: a wrong all-in-plus answer drives the score negative and the
// elimination sweep handles it.
func (c *Coordinator) SubmitBid(ctx context.Context, roomID, playerID string, amount int) room.Result {
	if amount <= 0 {
		return room.Fail(room.ErrInvalidBid, "bid must be positive")
	}
	rm, err := c.registry.LoadRoom(ctx, roomID)
	if err != nil {
		return room.Transient(fmt.Sprintf("load room: %v", err))
	}
	if rm == nil {
		return room.Fail(room.ErrRoomNotFound, "room record missing")
	}
	if rm.Phase != room.PhaseBidding {
		return room.Fail(room.ErrWrongPhase, "bids are only accepted during the bidding phase")
	}
	p, err := c.registry.GetPlayer(ctx, roomID, playerID)
	if err != nil {
		return room.Transient(fmt.Sprintf("load player: %v", err))
	}
	if p == nil {
		return room.Fail(room.ErrPlayerNotFound, "no such player in room")
	}

	p.CurrentBid = amount
	writes := map[string]interface{}{
		room.BidPath(roomID, rm.RoundNumber, playerID): amount,
		room.PlayerPath(roomID, playerID):              p,
		room.RoomPath(roomID, "lastActivityAt"):        time.Now().UTC(),
	}
	if err := c.store.MultiWrite(ctx, writes); err != nil {
		return room.Transient(fmt.Sprintf("write bid: %v", err))
	}
	return room.OK()
}

// SubmitAnswer records a player's choice for the current round. Question
// phase only.
func (c *Coordinator) SubmitAnswer(ctx context.Context, roomID, playerID string, choice int) room.Result {
	if choice < 0 {
		return room.Fail(room.ErrInvalidAnswer, "choice index must be non-negative")
	}
	rm, err := c.registry.LoadRoom(ctx, roomID)
	if err != nil {
		return room.Transient(fmt.Sprintf("load room: %v", err))
	}
	if rm == nil {
		return room.Fail(room.ErrRoomNotFound, "room record missing")
	}
	if rm.Phase != room.PhaseQuestion {
		return room.Fail(room.ErrWrongPhase, "answers are only accepted during the question phase")
	}
	if qv, err := c.store.Get(ctx, room.QuestionPath(roomID, rm.RoundNumber)); err != nil {
		return room.Transient(fmt.Sprintf("read question: %v", err))
	} else if qv != nil {
		var q Question
		if err := jsonUnmarshal(qv, &q); err != nil {
			return room.Transient(fmt.Sprintf("decode question: %v", err))
		}
		if choice >= len(q.Choices) {
			return room.Fail(room.ErrInvalidAnswer, "choice index out of range")
		}
	}
	p, err := c.registry.GetPlayer(ctx, roomID, playerID)
	if err != nil {
		return room.Transient(fmt.Sprintf("load player: %v", err))
	}
	if p == nil {
		return room.Fail(room.ErrPlayerNotFound, "no such player in room")
	}

	p.CurrentAnswer = choice
	writes := map[string]interface{}{
		room.AnswerPath(roomID, rm.RoundNumber, playerID): choice,
		room.PlayerPath(roomID, playerID):                 p,
		room.RoomPath(roomID, "lastActivityAt"):           time.Now().UTC(),
	}
	if err := c.store.MultiWrite(ctx, writes); err != nil {
		return room.Transient(fmt.Sprintf("write answer: %v", err))
	}
	return room.OK()
}

// advanceEdge performs the static next edge for rm's current phase,
// carrying any entry work for the target phase.
func (c *Coordinator) advanceEdge(ctx context.Context, rm *room.Room) room.Result {
	next := nextPhase(rm.Phase)
	if next == "" {
		return room.Fail(room.ErrWrongPhase, fmt.Sprintf("phase %s does not auto-advance", rm.Phase))
	}

	extra := map[string]interface{}{}
	switch next {
	case room.PhaseQuestion:
		// Stamp the question and its correct index into the round record as
		// part of the same atomic transition, so settlement has one source
		// of truth even if the serving client vanishes.
		q := c.source.Question(rm.CurrentTopic, rm.RoundNumber)
		extra[room.QuestionPath(rm.ID, rm.RoundNumber)] = q
		extra[room.CorrectAnswerPath(rm.ID, rm.RoundNumber)] = q.Correct
	}

	res := c.transition(ctx, rm.ID, rm.Phase, next, extra)
	if res.Success && next == room.PhaseResults {
		// Entering results settles the round. Settlement is idempotent (the
		// results snapshot is written once), so racing clients are harmless.
		if err := c.settleRound(ctx, rm.ID, rm.RoundNumber); err != nil {
			c.logger.WithError(err).WithFields(log.Fields{"room": rm.ID, "round": rm.RoundNumber}).
				Error("round settlement failed")
			return room.Transient(fmt.Sprintf("settle round: %v", err))
		}
	}
	return res
}

// advanceFromResults is the round/finish split: past the final round the
// game finishes, otherwise the next round spins up with a fresh topic.
func (c *Coordinator) advanceFromResults(ctx context.Context, rm *room.Room) room.Result {
	if rm.RoundNumber >= c.cfg.TotalRounds {
		res := c.transition(ctx, rm.ID, room.PhaseResults, room.PhaseFinished, nil)
		if res.Success {
			c.finishGame(ctx, rm)
		}
		return res
	}

	topic, used := pickTopic(c.cfg.Topics, rm.UsedTopics)
	extra := map[string]interface{}{
		room.RoomPath(rm.ID, "roundNumber"):  rm.RoundNumber + 1,
		room.RoomPath(rm.ID, "currentTopic"): topic,
		room.RoomPath(rm.ID, "usedTopics"):   used,
	}
	return c.transition(ctx, rm.ID, room.PhaseResults, room.PhaseSpinning, extra)
}

// transition is the single conditional write every phase change goes
// through: re-read the phase immediately before writing, then commit
// {phase, phaseStartTime} (plus any entry writes) atomically.
//
// Idempotence: if the room already shows the target phase the caller lost a
// benign race and gets success. Monotonicity: if the room shows neither the
// expected source nor the target, the caller is acting on a stale view and
// is rejected without a write.
func (c *Coordinator) transition(ctx context.Context, roomID string, from, to room.Phase, extra map[string]interface{}) room.Result {
	cur, err := c.currentPhase(ctx, roomID)
	if err != nil {
		return room.Transient(fmt.Sprintf("read phase: %v", err))
	}
	if cur == to {
		return room.OK() // another client already applied this edge
	}
	if cur != from {
		return room.Fail(room.ErrWrongPhase,
			fmt.Sprintf("room is in phase %s, not %s", cur, from))
	}

	now := time.Now().UTC()
	writes := map[string]interface{}{
		room.RoomPath(roomID, "phase"):          to,
		room.RoomPath(roomID, "phaseStartTime"): now,
		room.RoomPath(roomID, "lastActivityAt"): now,
	}
	for k, v := range extra {
		writes[k] = v
	}
	if err := c.store.MultiWrite(ctx, writes); err != nil {
		return room.Transient(fmt.Sprintf("write transition: %v", err))
	}

	c.registry.Bus().Publish(room.Event{Type: room.EventPhaseChanged, RoomID: roomID, Phase: to})
	c.logger.WithFields(log.Fields{"room": roomID, "from": from, "to": to}).Debug("phase transition")
	return room.OK()
}

func (c *Coordinator) currentPhase(ctx context.Context, roomID string) (room.Phase, error) {
	v, err := c.store.Get(ctx, room.RoomPath(roomID, "phase"))
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("room %s has no phase", roomID)
	}
	var p room.Phase
	if err := jsonUnmarshal(v, &p); err != nil {
		return "", err
	}
	if !p.Valid() {
		return "", fmt.Errorf("room %s has corrupt phase %q", roomID, p)
	}
	return p, nil
}

// WatchRoom installs the auto-advance loop for a room: a subscription on
// phaseStartTime that reschedules the countdown timer on every transition,
// no matter which client wrote it.
func (c *Coordinator) WatchRoom(roomID string) error {
	c.mu.Lock()
	if _, ok := c.watches[roomID]; ok {
		c.mu.Unlock()
		return nil
	}
	w := &roomWatch{}
	c.watches[roomID] = w
	c.mu.Unlock()

	unsub, err := c.store.Subscribe(context.Background(), room.RoomPath(roomID, "phaseStartTime"),
		func(v store.Value) {
			c.reschedule(roomID)
		})
	if err != nil {
		c.mu.Lock()
		delete(c.watches, roomID)
		c.mu.Unlock()
		return fmt.Errorf("watch room %s: %w", roomID, err)
	}

	c.mu.Lock()
	if w.closed {
		c.mu.Unlock()
		unsub()
		return nil
	}
	w.unsub = unsub
	c.mu.Unlock()
	return nil
}

// StopWatch cancels the room's timer and subscription. Called on
// termination and on finished games after the grace window.
func (c *Coordinator) StopWatch(roomID string) {
	c.mu.Lock()
	w, ok := c.watches[roomID]
	if ok {
		delete(c.watches, roomID)
		w.closed = true
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	c.mu.Unlock()
	if ok && w.unsub != nil {
		w.unsub()
	}
}

// StopAll tears down every watch (process shutdown).
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	watches := c.watches
	c.watches = make(map[string]*roomWatch)
	for _, w := range watches {
		w.closed = true
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	c.mu.Unlock()
	for _, w := range watches {
		if w.unsub != nil {
			w.unsub()
		}
	}
}

// reschedule stops any running countdown and starts one for the phase the
// store currently shows. Stop-on-transition, restart-on-new-phaseStartTime.
func (c *Coordinator) reschedule(roomID string) {
	ctx := context.Background()
	rm, err := c.registry.LoadRoom(ctx, roomID)
	if err != nil {
		c.logger.WithError(err).WithField("room", roomID).Warn("reschedule: load room failed")
		return
	}
	if rm == nil || rm.Status != room.StatusActive {
		c.StopWatch(roomID)
		return
	}

	dur := c.phaseDuration(rm.Phase)

	c.mu.Lock()
	w, ok := c.watches[roomID]
	if !ok || w.closed {
		c.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if dur <= 0 {
		c.mu.Unlock()
		return // waiting and finished do not auto-advance
	}

	remaining := dur - time.Since(rm.PhaseStartTime)
	if remaining < 0 {
		remaining = 0
	}
	observedPhase := rm.Phase
	observedStart := rm.PhaseStartTime
	w.timer = time.AfterFunc(remaining, func() {
		c.onExpiry(roomID, observedPhase, observedStart)
	})
	c.mu.Unlock()
}

// onExpiry fires when a countdown runs out. The room is re-read and the
// timer's observations validated before anything is written; a stale fire
// (the phase moved underneath us) is dropped.
func (c *Coordinator) onExpiry(roomID string, observedPhase room.Phase, observedStart time.Time) {
	ctx := context.Background()
	rm, err := c.registry.LoadRoom(ctx, roomID)
	if err != nil {
		c.logger.WithError(err).WithField("room", roomID).Warn("expiry: load room failed")
		return
	}
	if rm == nil || rm.Status != room.StatusActive {
		c.StopWatch(roomID)
		return
	}
	if rm.Phase != observedPhase || !rm.PhaseStartTime.Equal(observedStart) {
		return // stale timer, a newer transition already landed
	}

	var res room.Result
	if rm.Phase == room.PhaseResults {
		res = c.advanceFromResults(ctx, rm)
	} else {
		res = c.advanceEdge(ctx, rm)
	}
	if !res.Success && res.ErrorCode != room.ErrWrongPhase {
		// WrongPhase here just means another client won the race.
		c.logger.WithFields(log.Fields{
			"room": roomID, "phase": rm.Phase, "error": res.Error,
		}).Warn("auto-advance failed")
	}
}
