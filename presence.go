// This file contains the presence computation for file rooms. Presence is a
// pure function of room membership: it is recomputed in full on every join,
// leave, and disconnect rather than incrementally patched, so a missed
// update can never leave clients with a drifted view. Room sizes are human
// collaborator counts, so the recompute cost is irrelevant.
package gridsync

import (
	"sort"
	"time"
)

type roomMember struct {
	identity Identity
	joinedAt time.Time
}

// computeActiveUsers produces the authoritative active-user list for a room:
// deduplicated by identity id (multiple tabs of the same user collapse into
// one entry keeping the earliest join time), ordered by join time with the
// user id as tiebreaker.
func computeActiveUsers(members []roomMember) []ActiveUser {
	earliest := make(map[string]roomMember, len(members))

	for _, m := range members {
		if existing, ok := earliest[m.identity.ID]; !ok || m.joinedAt.Before(existing.joinedAt) {
			earliest[m.identity.ID] = m
		}
	}

	users := make([]ActiveUser, 0, len(earliest))

	for _, m := range earliest {
		users = append(users, ActiveUser{
			UserID:    m.identity.ID,
			Username:  m.identity.Username,
			Timestamp: m.joinedAt.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Timestamp != users[j].Timestamp {
			return users[i].Timestamp < users[j].Timestamp
		}
		return users[i].UserID < users[j].UserID
	})

	return users
}
