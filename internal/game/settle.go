// internal/game/settle.go
package game

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quizwheel/quizwheel/internal/room"
	"github.com/quizwheel/quizwheel/internal/store"
)

func jsonUnmarshal(v store.Value, dst interface{}) error {
	return json.Unmarshal(v, dst)
}

// settleRound computes every answering player's outcome for the round and
// commits all score writes plus the results snapshot in one atomic
// multi-write. The snapshot is written once; if it already exists another
// client settled first and this call is a no-op.
func (c *Coordinator) settleRound(ctx context.Context, roomID string, round int) error {
	existing, err := c.store.Get(ctx, room.ResultsPath(roomID, round))
	if err != nil {
		return fmt.Errorf("check results snapshot: %w", err)
	}
	if existing != nil {
		return nil // already settled by a racing client
	}

	correct, err := c.correctAnswer(ctx, roomID, round)
	if err != nil {
		return err
	}
	bids, err := c.intMapForPrefix(ctx, room.RoundPrefix(roomID, round)+"bids/")
	if err != nil {
		return fmt.Errorf("read bids: %w", err)
	}
	answers, err := c.intMapForPrefix(ctx, room.RoundPrefix(roomID, round)+"answers/")
	if err != nil {
		return fmt.Errorf("read answers: %w", err)
	}
	players, err := c.registry.ListPlayers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}

	results := make(map[string]room.RoundResult)
	writes := make(map[string]interface{})
	for i := range players {
		p := players[i]
		answer, answered := answers[p.ID]
		if !answered {
			continue // only players with a submitted answer settle
		}
		bid := bids[p.ID]
		res := room.RoundResult{Correct: answer == correct}
		if res.Correct {
			res.ScoreChange = bid * 2
		} else {
			res.ScoreChange = -bid
		}
		res.NewScore = p.Score + res.ScoreChange
		results[p.ID] = res

		p.Score = res.NewScore
		p.CurrentBid = 0
		p.CurrentAnswer = -1
		writes[room.PlayerPath(roomID, p.ID)] = p
	}
	writes[room.ResultsPath(roomID, round)] = results

	if err := c.store.MultiWrite(ctx, writes); err != nil {
		return fmt.Errorf("commit settlement: %w", err)
	}
	c.registry.Bus().Publish(room.Event{Type: room.EventRoundSettled, RoomID: roomID,
		Payload: map[string]interface{}{"round": round}})
	c.logger.WithFields(log.Fields{"room": roomID, "round": round, "settled": len(results)}).
		Info("round settled")

	c.eliminationSweep(ctx, roomID, players, results)
	return nil
}

// eliminationSweep moves every player whose settled score dropped to zero
// or below from players to spectators, preserving name, final score and
// elimination time. It is a per-player threshold check: a player missing a
// score or an answer never blocks the others.
func (c *Coordinator) eliminationSweep(ctx context.Context, roomID string, players []room.Player, results map[string]room.RoundResult) {
	now := time.Now().UTC()
	for _, p := range players {
		res, ok := results[p.ID]
		if !ok || res.NewScore > 0 {
			continue
		}
		score := res.NewScore
		sp := room.Spectator{
			ID:           p.ID,
			Name:         p.Name,
			JoinedAt:     p.JoinedAt,
			EliminatedAt: &now,
			FinalScore:   &score,
		}
		writes := map[string]interface{}{
			room.PlayerPath(roomID, p.ID):    nil,
			room.SpectatorPath(roomID, p.ID): sp,
		}
		if err := c.store.MultiWrite(ctx, writes); err != nil {
			// Best effort per player; a failed move will be retried on the
			// next settlement or swept with the room.
			c.logger.WithError(err).WithFields(log.Fields{"room": roomID, "player": p.ID}).
				Error("elimination move failed")
			continue
		}
		c.registry.Bus().Publish(room.Event{Type: room.EventPlayerEliminated, RoomID: roomID, PlayerID: p.ID,
			Payload: map[string]interface{}{"finalScore": score}})
		c.logger.WithFields(log.Fields{"room": roomID, "player": p.ID, "finalScore": score}).
			Info("player eliminated")
	}
}

// finishGame ranks the surviving players and hands the standings to the
// finish hook. Ranking is score-descending; ties keep join order (stable,
// not fair, accepted).
func (c *Coordinator) finishGame(ctx context.Context, rm *room.Room) {
	players, err := c.registry.ListPlayers(ctx, rm.ID)
	if err != nil {
		c.logger.WithError(err).WithField("room", rm.ID).Error("finish: list players failed")
		return
	}
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].Score > players[j].Score
	})

	standings := room.Standings{
		RoomID:     rm.ID,
		RoomCode:   rm.Code,
		FinishedAt: time.Now().UTC(),
	}
	for i, p := range players {
		standings.Rankings = append(standings.Rankings, room.Standing{
			PlayerID: p.ID,
			Name:     p.Name,
			Score:    p.Score,
			Rank:     i + 1,
			IsWinner: i == 0,
		})
	}

	c.registry.Bus().Publish(room.Event{Type: room.EventGameFinished, RoomID: rm.ID,
		Payload: map[string]interface{}{"rankings": standings.Rankings}})
	c.logger.WithFields(log.Fields{"room": rm.ID, "players": len(players)}).Info("game finished")

	if c.OnFinished != nil {
		c.OnFinished(ctx, standings)
	}
}

func (c *Coordinator) correctAnswer(ctx context.Context, roomID string, round int) (int, error) {
	v, err := c.store.Get(ctx, room.CorrectAnswerPath(roomID, round))
	if err != nil {
		return 0, fmt.Errorf("read correct answer: %w", err)
	}
	if v == nil {
		// No question was ever stamped for this round; nobody can be
		// correct, but wrong answers still lose their bids.
		return -1, nil
	}
	var correct int
	if err := jsonUnmarshal(v, &correct); err != nil {
		return 0, fmt.Errorf("decode correct answer: %w", err)
	}
	return correct, nil
}

// intMapForPrefix reads every path under prefix as an int keyed by the last
// path segment (bids and answers both store bare ints per player).
func (c *Coordinator) intMapForPrefix(ctx context.Context, prefix string) (map[string]int, error) {
	all, err := c.store.ListPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(all))
	for path, v := range all {
		var n int
		if err := jsonUnmarshal(v, &n); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out[room.LastSegment(path)] = n
	}
	return out, nil
}
