package mention

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtractOrderedAndDeduplicated(t *testing.T) {
	got := Extract("cc @alice and @bob, then @alice again", "dave")
	want := []string{"alice", "bob"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestExtractExcludesSelf(t *testing.T) {
	got := Extract("hi @author", "author")
	if len(got) != 0 {
		t.Errorf("expected no mentions, got %v", got)
	}
}

func TestExtractDuplicatesCollapse(t *testing.T) {
	got := Extract("@bob @bob", "dave")
	if !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("expected single bob, got %v", got)
	}
}

func TestExtractIdempotent(t *testing.T) {
	text := "Thanks @carol, great work @carol! also @erin"
	first := Extract(text, "dave")
	second := Extract(text, "dave")
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical results, got %v then %v", first, second)
	}
	if !reflect.DeepEqual(first, []string{"carol", "erin"}) {
		t.Errorf("unexpected mentions %v", first)
	}
}

func TestExtractHandleLengthBounds(t *testing.T) {
	if got := Extract("hey @ab", "dave"); len(got) != 0 {
		t.Errorf("two-char handle should not match, got %v", got)
	}
	if got := Extract("hey @abc", "dave"); !reflect.DeepEqual(got, []string{"abc"}) {
		t.Errorf("three-char handle should match, got %v", got)
	}

	long := strings.Repeat("a", 50)
	if got := Extract("hey @"+long, "dave"); !reflect.DeepEqual(got, []string{long}) {
		t.Errorf("fifty-char handle should match, got %v", got)
	}
	if got := Extract("hey @"+long+"a", "dave"); len(got) != 0 {
		t.Errorf("over-long run should not match, got %v", got)
	}
}

func TestExtractIgnoresEmailAddresses(t *testing.T) {
	if got := Extract("mail me at dave@example.com", "bob"); len(got) != 0 {
		t.Errorf("email local part should stay inert, got %v", got)
	}
}

func TestExtractPunctuationBoundaries(t *testing.T) {
	got := Extract("(@alice), @bob_2!", "dave")
	want := []string{"alice", "bob_2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestExtractEmptyText(t *testing.T) {
	if got := Extract("", "dave"); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
	if got := Extract("no handles here", "dave"); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestValidHandle(t *testing.T) {
	valid := []string{"abc", "carol", "bob_2", strings.Repeat("x", 50)}
	for _, handle := range valid {
		if !ValidHandle(handle) {
			t.Errorf("expected %q to be valid", handle)
		}
	}
	invalid := []string{"", "ab", strings.Repeat("x", 51), "has space", "dot.ted", "@carol"}
	for _, handle := range invalid {
		if ValidHandle(handle) {
			t.Errorf("expected %q to be invalid", handle)
		}
	}
}
