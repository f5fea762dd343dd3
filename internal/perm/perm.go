// Package perm holds the pure membership predicates every operation
// consults before touching the store.
package perm

import "quarry/internal/store"

func IsOwner(project store.Project, userID string) bool {
	return userID != "" && project.OwnerID == userID
}

// IsMember reports whether the user may act inside the project. The owner
// always counts as a member.
func IsMember(project store.Project, memberIDs []string, userID string) bool {
	if IsOwner(project, userID) {
		return true
	}
	for _, id := range memberIDs {
		if id == userID {
			return true
		}
	}
	return false
}
