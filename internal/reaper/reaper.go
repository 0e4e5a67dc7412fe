// internal/reaper/reaper.go
package reaper

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quizwheel/quizwheel/internal/presence"
	"github.com/quizwheel/quizwheel/internal/room"
)

// Reaper periodically scans every active room and hands the ones idle past
// the threshold to termination. Activity is only touched by creation,
// joins, phase transitions and bid/answer submissions, never by spectator
// joins or timer ticks, so an idle-but-watched room still reaps.
type Reaper struct {
	registry  *room.Registry
	logger    *log.Logger
	threshold time.Duration
	interval  time.Duration
	terminate presence.TerminateFunc
}

// New builds a reaper over the registry's store.
func New(registry *room.Registry, logger *log.Logger, threshold, interval time.Duration, terminate presence.TerminateFunc) *Reaper {
	return &Reaper{
		registry:  registry,
		logger:    logger,
		threshold: threshold,
		interval:  interval,
		terminate: terminate,
	}
}

// Run loops until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one scan. Exported so tests (and manual ops) can trigger it
// without waiting out the interval.
func (r *Reaper) Sweep(ctx context.Context) {
	ids, err := r.registry.ActiveRoomIDs(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("reaper: listing active rooms failed")
		return
	}
	now := time.Now().UTC()
	for _, id := range ids {
		rm, err := r.registry.LoadRoom(ctx, id)
		if err != nil {
			r.logger.WithError(err).WithField("room", id).Warn("reaper: load room failed")
			continue
		}
		if rm == nil || rm.Status != room.StatusActive {
			continue
		}
		idleFor := now.Sub(rm.LastActivityAt)
		if idleFor < r.threshold {
			continue
		}
		r.logger.WithFields(log.Fields{"room": id, "idle": idleFor}).Info("reaping idle room")
		r.terminate(ctx, id, "inactivity timeout")
	}
}
