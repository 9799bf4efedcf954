package gateway

import "fmt"

// Key templates exactly as named in §3 of the specification.

func objectsKey(boardID string) string  { return fmt.Sprintf("board/%s/objects", boardID) }
func changesKey(boardID string) string  { return fmt.Sprintf("board/%s/changes", boardID) }
func versionKey(boardID string) string  { return fmt.Sprintf("board/%s/version", boardID) }
func sessionsKey(boardID string) string { return fmt.Sprintf("board/%s/sessions", boardID) }
func presenceChannel(boardID string) string {
	return fmt.Sprintf("board/%s/presence", boardID)
}
func checkinKey(sessionID string) string { return fmt.Sprintf("session/%s/checkin", sessionID) }

// PresencePattern is the PSUBSCRIBE pattern the presence fanout (§4.5)
// subscribes to across every board.
const PresencePattern = "board/*/presence"

// BoardIDFromPresenceChannel extracts the board id from a concrete channel
// name delivered by a PSUBSCRIBE on PresencePattern.
func BoardIDFromPresenceChannel(channel string) (string, bool) {
	const prefix = "board/"
	const suffix = "/presence"
	if len(channel) <= len(prefix)+len(suffix) {
		return "", false
	}
	if channel[:len(prefix)] != prefix || channel[len(channel)-len(suffix):] != suffix {
		return "", false
	}
	return channel[len(prefix) : len(channel)-len(suffix)], true
}
