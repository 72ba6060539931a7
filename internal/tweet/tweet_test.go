package tweet

import (
	"encoding/json"
	"testing"
)

func TestNewProjection_Shape(t *testing.T) {
	tw := Tweet{
		ID:        123,
		AuthorID:  456,
		CreatedAt: 1700000000,
		Text:      "hello",
		Truncated: false,
		User:      User{ID: 456, ScreenName: "alice", Name: "Alice"},
		URLs: []URL{
			{URL: "https://t.co/abc", DisplayURL: "example.com", ExpandedURL: "https://example.com", RangeStart: 6, RangeEnd: 29},
		},
	}

	p := NewProjection(tw)

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantKeys := []string{
		"text", "id", "created_at", "user", "truncated",
		"in_reply_to_user_id", "in_reply_to_screen_name", "in_reply_to_status_id", "urls",
	}
	for _, k := range wantKeys {
		if _, ok := decoded[k]; !ok {
			t.Errorf("missing projected field %q", k)
		}
	}

	urls, ok := decoded["urls"].([]any)
	if !ok || len(urls) != 1 {
		t.Fatalf("expected one url entity, got %v", decoded["urls"])
	}
}

func TestNewProjection_AbsentOptionalFieldsAreNull(t *testing.T) {
	tw := Tweet{ID: 1, User: User{ID: 2}}

	raw, err := json.Marshal(NewProjection(tw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, k := range []string{"in_reply_to_user_id", "in_reply_to_screen_name", "in_reply_to_status_id"} {
		if decoded[k] != nil {
			t.Errorf("expected %q to be null, got %v", k, decoded[k])
		}
	}
}

func TestNewProjection_URLsNeverNil(t *testing.T) {
	tw := Tweet{ID: 1, User: User{ID: 2}}
	p := NewProjection(tw)

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	urls, ok := decoded["urls"].([]any)
	if !ok {
		t.Fatalf("expected urls to decode as an array, got %T", decoded["urls"])
	}
	if len(urls) != 0 {
		t.Fatalf("expected an empty array, got %v", urls)
	}
}

func TestNewProjection_InReplyToPopulated(t *testing.T) {
	uid := uint64(99)
	name := "bob"
	sid := uint64(77)
	tw := Tweet{
		ID:        1,
		User:      User{ID: 2},
		InReplyTo: InReplyTo{UserID: &uid, ScreenName: &name, StatusID: &sid},
	}

	p := NewProjection(tw)
	if p.InReplyToUserID == nil || *p.InReplyToUserID != uid {
		t.Fatalf("expected in_reply_to_user_id %d, got %v", uid, p.InReplyToUserID)
	}
	if p.InReplyToScreenName == nil || *p.InReplyToScreenName != name {
		t.Fatalf("expected in_reply_to_screen_name %q, got %v", name, p.InReplyToScreenName)
	}
	if p.InReplyToStatusID == nil || *p.InReplyToStatusID != sid {
		t.Fatalf("expected in_reply_to_status_id %d, got %v", sid, p.InReplyToStatusID)
	}
}
