// internal/room/types.go
package room

import (
	"time"
)

// Phase is a named stage in the per-round state machine.
type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhaseSpinning Phase = "spinning"
	PhaseBidding  Phase = "bidding"
	PhaseQuestion Phase = "question"
	PhaseResults  Phase = "results"
	PhaseFinished Phase = "finished"
)

// Valid reports whether p is a member of the phase enum.
func (p Phase) Valid() bool {
	switch p {
	case PhaseWaiting, PhaseSpinning, PhaseBidding, PhaseQuestion, PhaseResults, PhaseFinished:
		return true
	}
	return false
}

// Status tracks the room through its termination protocol.
type Status string

const (
	StatusActive      Status = "active"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// Room is the one piece of truly shared mutable state. It is read by every
// client; all mutation goes through whole-field atomic multi-writes.
type Room struct {
	Code           string    `json:"code"`
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Phase          Phase     `json:"phase"`
	RoundNumber    int       `json:"roundNumber"`
	PhaseStartTime time.Time `json:"phaseStartTime"`
	CurrentTopic   string    `json:"currentTopic,omitempty"`
	UsedTopics     []string  `json:"usedTopics,omitempty"`
	LastCleanedAt  time.Time `json:"lastCleanedAt,omitempty"`
}

// Player is a competing participant. Score may go negative until the
// elimination sweep runs.
type Player struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Score         int       `json:"score"`
	CurrentBid    int       `json:"currentBid"`
	CurrentAnswer int       `json:"currentAnswer"` // -1 when unanswered
	JoinedAt      time.Time `json:"joinedAt"`
}

// Spectator is a non-competing observer. Eliminated players carry their
// final score over so the finished screen can still show them.
type Spectator struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	JoinedAt     time.Time  `json:"joinedAt"`
	IsElevated   bool       `json:"isElevated"`
	EliminatedAt *time.Time `json:"eliminatedAt,omitempty"`
	FinalScore   *int       `json:"finalScore,omitempty"`
}

// RoundResult is one player's settled outcome for a round. Written once as
// part of the round's results snapshot, never mutated after.
type RoundResult struct {
	Correct     bool `json:"correct"`
	ScoreChange int  `json:"scoreChange"`
	NewScore    int  `json:"newScore"`
}

// PresenceRecord is the per-(room, player) liveness record. The store's
// disconnect hook flips Online to false when the transport drops.
type PresenceRecord struct {
	PlayerID    string    `json:"playerId"`
	PlayerName  string    `json:"playerName"`
	Online      bool      `json:"online"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Standing is one row of the final ranking.
type Standing struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
	IsWinner bool   `json:"isWinner"`
}

// Standings is the final ranking of a finished game, best score first.
// Ties keep first-encountered (join-time) order; the tie-break is stable,
// not fair, and accepted as such.
type Standings struct {
	RoomID     string     `json:"roomId"`
	RoomCode   string     `json:"roomCode"`
	Rankings   []Standing `json:"rankings"`
	FinishedAt time.Time  `json:"finishedAt"`
}

// Winner returns the top-ranked standing, or nil for an empty game.
func (s *Standings) Winner() *Standing {
	if len(s.Rankings) == 0 {
		return nil
	}
	return &s.Rankings[0]
}
