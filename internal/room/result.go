// internal/room/result.go
package room

// ErrorCode classifies operation failures for callers. Validation errors are
// rejected before any store I/O; state errors after a read; transient errors
// are the only ones worth retrying.
type ErrorCode string

const (
	ErrInvalidCode      ErrorCode = "INVALID_CODE"
	ErrInvalidName      ErrorCode = "INVALID_NAME"
	ErrDuplicateName    ErrorCode = "DUPLICATE_NAME"
	ErrInvalidBid       ErrorCode = "INVALID_BID"
	ErrInvalidAnswer    ErrorCode = "INVALID_ANSWER"
	ErrRoomNotFound     ErrorCode = "ROOM_NOT_FOUND"
	ErrRoomTerminating  ErrorCode = "ROOM_TERMINATING"
	ErrRoomFull         ErrorCode = "ROOM_FULL"
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrWrongPhase       ErrorCode = "WRONG_PHASE"
	ErrGameInProgress   ErrorCode = "GAME_IN_PROGRESS"
	ErrPlayerNotFound   ErrorCode = "PLAYER_NOT_FOUND"
	ErrGenerationFailed ErrorCode = "CODE_GENERATION_EXHAUSTED"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// Result is the structured outcome every operation returns across the
// boundary instead of throwing. Retryable marks transient failures only.
type Result struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	ErrorCode ErrorCode `json:"errorCode,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

// OK is the successful result.
func OK() Result { return Result{Success: true} }

// Fail builds a non-retryable failure.
func Fail(code ErrorCode, msg string) Result {
	return Result{Error: msg, ErrorCode: code}
}

// Transient builds a retryable failure.
func Transient(msg string) Result {
	return Result{Error: msg, ErrorCode: ErrStoreUnavailable, Retryable: true}
}

// JoinResult is returned by joinRoom; on success it carries the identity the
// caller should use for all further operations.
type JoinResult struct {
	Result
	RoomID    string `json:"roomId,omitempty"`
	PlayerID  string `json:"playerId,omitempty"`
	Spectator bool   `json:"spectator,omitempty"`
}

// InfoResult is returned by getRoomInfo.
type InfoResult struct {
	Result
	Room *Room `json:"room,omitempty"`
}

// StatsResult is returned by getDataUsageStats.
type StatsResult struct {
	Result
	Players     int `json:"players"`
	Spectators  int `json:"spectators"`
	Rounds      int `json:"rounds"`
	StoredPaths int `json:"storedPaths"`
	ApproxBytes int `json:"approxBytes"`
}
