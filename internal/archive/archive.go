// internal/archive/archive.go
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/quizwheel/quizwheel/internal/room"
)

// Queue publishes final standings onto a Redis list for the archiver
// worker to drain. The game path never blocks on Postgres.
type Queue struct {
	rdb  *redis.Client
	name string
}

// NewQueue wraps an existing Redis client.
func NewQueue(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

// Publish serializes the standings and pushes them onto the queue.
func (q *Queue) Publish(ctx context.Context, standings room.Standings) error {
	data, err := json.Marshal(standings)
	if err != nil {
		return fmt.Errorf("marshal standings: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("rpush to %s: %w", q.name, err)
	}
	return nil
}

// Archiver drains the standings queue into Postgres. It is a separate
// worker process (cmd/archiver) so the coordination service stays up even
// when the database is down; standings simply accumulate in the queue.
type Archiver struct {
	rdb    *redis.Client
	db     *pgxpool.Pool
	logger *log.Logger
	queue  string
}

// NewArchiver builds a queue consumer over existing connections.
func NewArchiver(rdb *redis.Client, db *pgxpool.Pool, logger *log.Logger, queue string) *Archiver {
	return &Archiver{rdb: rdb, db: db, logger: logger, queue: queue}
}

// EnsureSchema creates the standings table if missing.
func (a *Archiver) EnsureSchema(ctx context.Context) error {
	_, err := a.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS game_standings (
			id           BIGSERIAL PRIMARY KEY,
			room_id      UUID NOT NULL,
			room_code    TEXT NOT NULL,
			player_id    UUID NOT NULL,
			player_name  TEXT NOT NULL,
			score        INTEGER NOT NULL,
			rank         INTEGER NOT NULL,
			is_winner    BOOLEAN NOT NULL,
			finished_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure game_standings schema: %w", err)
	}
	return nil
}

// Run blocks, popping standings from the queue and inserting rows until
// ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	a.logger.WithField("queue", a.queue).Info("standings archiver started")
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := a.rdb.BLPop(ctx, 5*time.Second, a.queue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.WithError(err).Warn("blpop failed, backing off")
			time.Sleep(2 * time.Second)
			continue
		}
		// BLPop returns [queue, payload].
		if len(res) != 2 {
			continue
		}
		var standings room.Standings
		if err := json.Unmarshal([]byte(res[1]), &standings); err != nil {
			a.logger.WithError(err).Warn("dropping undecodable standings payload")
			continue
		}
		if err := a.insert(ctx, standings); err != nil {
			a.logger.WithError(err).WithField("room", standings.RoomID).
				Error("insert failed, requeueing standings")
			// Push back for a later retry rather than losing the record.
			if rqErr := a.rdb.RPush(ctx, a.queue, res[1]).Err(); rqErr != nil {
				a.logger.WithError(rqErr).Error("requeue failed, standings lost")
			}
			time.Sleep(2 * time.Second)
		}
	}
}

func (a *Archiver) insert(ctx context.Context, standings room.Standings) error {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, s := range standings.Rankings {
		_, err := tx.Exec(ctx, `
			INSERT INTO game_standings
				(room_id, room_code, player_id, player_name, score, rank, is_winner, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			standings.RoomID, standings.RoomCode, s.PlayerID, s.Name, s.Score, s.Rank, s.IsWinner, standings.FinishedAt)
		if err != nil {
			return fmt.Errorf("insert standing for %s: %w", s.PlayerID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.logger.WithFields(log.Fields{"room": standings.RoomID, "rows": len(standings.Rankings)}).
		Info("standings archived")
	return nil
}
