package perm

import (
	"testing"

	"quarry/internal/store"
)

func TestIsOwner(t *testing.T) {
	project := store.Project{ID: "prj_1", OwnerID: "usr_owner"}

	if !IsOwner(project, "usr_owner") {
		t.Error("expected owner to be recognized")
	}
	if IsOwner(project, "usr_other") {
		t.Error("expected non-owner to be rejected")
	}
	if IsOwner(project, "") {
		t.Error("expected empty user ID to be rejected")
	}
}

func TestIsMember(t *testing.T) {
	project := store.Project{ID: "prj_1", OwnerID: "usr_owner"}
	members := []string{"usr_a", "usr_b"}

	if !IsMember(project, members, "usr_a") {
		t.Error("expected listed member to be recognized")
	}
	if !IsMember(project, members, "usr_owner") {
		t.Error("expected owner to count as member")
	}
	if IsMember(project, members, "usr_stranger") {
		t.Error("expected stranger to be rejected")
	}
	if IsMember(project, nil, "usr_a") {
		t.Error("expected empty membership to reject non-owners")
	}
}
