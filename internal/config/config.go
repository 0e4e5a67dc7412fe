// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"time"
)

// Config collects all tunables for the coordination service. Values come from
// environment variables with sensible defaults; load once at startup and pass
// down rather than re-reading os.Getenv in component code.
type Config struct {
	// RedisAddr is the address of the shared state store backend.
	RedisAddr string
	// RedisDB is the Redis logical database index.
	RedisDB int

	// CodeLength is the length of generated room codes.
	CodeLength int
	// CodeMaxAttempts bounds collision retries during code generation.
	CodeMaxAttempts int

	// StartingScore is each player's initial stake.
	StartingScore int
	// TotalRounds is the number of rounds before a game finishes.
	TotalRounds int
	// MaxPlayers caps competing (non-spectator) players per room.
	MaxPlayers int

	// Per-phase countdown durations.
	SpinningDuration time.Duration
	BiddingDuration  time.Duration
	QuestionDuration time.Duration
	ResultsDuration  time.Duration

	// HeartbeatInterval is the cadence clients are expected to ping at.
	// StaleThreshold is how old a lastSeen may be before an online record is
	// treated as disconnected; conventionally 3x the heartbeat interval.
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	// StaleSweepInterval is how often the pull-side stale sweep runs.
	StaleSweepInterval time.Duration

	// InactivityThreshold is how long a room may sit idle before reaping.
	InactivityThreshold time.Duration
	// ReaperInterval is how often the reaper scans active rooms.
	ReaperInterval time.Duration

	// CleanupAttempts bounds deletion retries; CleanupBaseDelay is the first
	// backoff delay (doubled per attempt).
	CleanupAttempts  int
	CleanupBaseDelay time.Duration
	// FinishGraceWindow is how long a finished room lingers so clients can
	// still render the final screen.
	FinishGraceWindow time.Duration

	// ArchiveQueue is the Redis list the standings archiver drains.
	ArchiveQueue string
}

// Load builds a Config from the environment.
func Load() Config {
	hb := getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	return Config{
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:   getEnvInt("REDIS_DB", 0),

		CodeLength:      getEnvInt("ROOM_CODE_LENGTH", 6),
		CodeMaxAttempts: getEnvInt("ROOM_CODE_MAX_ATTEMPTS", 10),

		StartingScore: getEnvInt("STARTING_SCORE", 5000),
		TotalRounds:   getEnvInt("TOTAL_ROUNDS", 5),
		MaxPlayers:    getEnvInt("MAX_PLAYERS", 8),

		SpinningDuration: getEnvDuration("SPINNING_DURATION", 5*time.Second),
		BiddingDuration:  getEnvDuration("BIDDING_DURATION", 15*time.Second),
		QuestionDuration: getEnvDuration("QUESTION_DURATION", 20*time.Second),
		ResultsDuration:  getEnvDuration("RESULTS_DURATION", 8*time.Second),

		HeartbeatInterval:  hb,
		StaleThreshold:     getEnvDuration("STALE_THRESHOLD", 3*hb),
		StaleSweepInterval: getEnvDuration("STALE_SWEEP_INTERVAL", hb),

		InactivityThreshold: getEnvDuration("INACTIVITY_THRESHOLD", 10*time.Minute),
		ReaperInterval:      getEnvDuration("REAPER_INTERVAL", time.Minute),

		CleanupAttempts:   getEnvInt("CLEANUP_ATTEMPTS", 3),
		CleanupBaseDelay:  getEnvDuration("CLEANUP_BASE_DELAY", time.Second),
		FinishGraceWindow: getEnvDuration("FINISH_GRACE_WINDOW", 5*time.Minute),

		ArchiveQueue: getEnv("ARCHIVE_QUEUE_NAME", "quizwheel_standings"),
	}
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// getEnvDuration parses an environment variable with time.ParseDuration,
// else returns the default.
func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return v
}
