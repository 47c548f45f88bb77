package sync

import "time"

// resolveIncomingWins decides a race between an incoming mutation and the
// committed row it conflicts with: last write wins by mutation timestamp,
// ties broken by lexicographic event id comparison. Event ids are ULIDs, so
// the tiebreak is stable across every replica that evaluates it.
func resolveIncomingWins(incomingTs int64, incomingEventID string, committedTs int64, committedEventID string) bool {
	if incomingTs != committedTs {
		return incomingTs > committedTs
	}
	return incomingEventID > committedEventID
}

// clampTimestamp bounds client clock drift: a timestamp further ahead of
// server time than maxDrift is replaced with the server receive time, so a
// client with a fast clock cannot win every conflict indefinitely.
func clampTimestamp(ts int64, now time.Time, maxDrift time.Duration) int64 {
	limit := now.Add(maxDrift).UnixMilli()
	if ts > limit {
		return now.UnixMilli()
	}
	return ts
}
