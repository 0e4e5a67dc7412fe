// internal/room/paths.go
package room

import (
	"fmt"
	"strings"
)

// Path layout in the shared store. Scalar room fields live at their own
// paths so independent writers (phase transitions, activity touches, bids)
// never clobber each other's fields; entities (players, spectators,
// presence records) are one JSON document per path.
//
//	rooms/{roomId}/{phase,roundNumber,...}
//	rooms/{roomId}/players/{playerId}
//	rooms/{roomId}/spectators/{userId}
//	rooms/{roomId}/rounds/{n}/bids/{playerId}
//	rooms/{roomId}/rounds/{n}/answers/{playerId}
//	rooms/{roomId}/rounds/{n}/results
//	presence/{roomId}/{playerId}
//	roomCodes/{code} -> roomId

func RoomPath(roomID, field string) string {
	return fmt.Sprintf("rooms/%s/%s", roomID, field)
}

func RoomPrefix(roomID string) string {
	return fmt.Sprintf("rooms/%s/", roomID)
}

func PlayerPath(roomID, playerID string) string {
	return fmt.Sprintf("rooms/%s/players/%s", roomID, playerID)
}

func PlayersPrefix(roomID string) string {
	return fmt.Sprintf("rooms/%s/players/", roomID)
}

func SpectatorPath(roomID, userID string) string {
	return fmt.Sprintf("rooms/%s/spectators/%s", roomID, userID)
}

func SpectatorsPrefix(roomID string) string {
	return fmt.Sprintf("rooms/%s/spectators/", roomID)
}

func BidPath(roomID string, round int, playerID string) string {
	return fmt.Sprintf("rooms/%s/rounds/%d/bids/%s", roomID, round, playerID)
}

func AnswerPath(roomID string, round int, playerID string) string {
	return fmt.Sprintf("rooms/%s/rounds/%d/answers/%s", roomID, round, playerID)
}

func RoundPrefix(roomID string, round int) string {
	return fmt.Sprintf("rooms/%s/rounds/%d/", roomID, round)
}

func RoundsPrefix(roomID string) string {
	return fmt.Sprintf("rooms/%s/rounds/", roomID)
}

func QuestionPath(roomID string, round int) string {
	return fmt.Sprintf("rooms/%s/rounds/%d/question", roomID, round)
}

func ResultsPath(roomID string, round int) string {
	return fmt.Sprintf("rooms/%s/rounds/%d/results", roomID, round)
}

func CorrectAnswerPath(roomID string, round int) string {
	return fmt.Sprintf("rooms/%s/rounds/%d/correctAnswer", roomID, round)
}

func PresencePath(roomID, playerID string) string {
	return fmt.Sprintf("presence/%s/%s", roomID, playerID)
}

func PresencePrefix(roomID string) string {
	return fmt.Sprintf("presence/%s/", roomID)
}

func CodePath(code string) string {
	return fmt.Sprintf("roomCodes/%s", code)
}

// LastSegment returns the final path component (an entity ID, typically).
func LastSegment(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// RoomIDFromPath extracts the room ID from any rooms/... path, or "" if the
// path is not under rooms/.
func RoomIDFromPath(path string) string {
	const pre = "rooms/"
	if !strings.HasPrefix(path, pre) {
		return ""
	}
	rest := path[len(pre):]
	if idx := strings.IndexByte(rest, '/'); idx > 0 {
		return rest[:idx]
	}
	return ""
}
