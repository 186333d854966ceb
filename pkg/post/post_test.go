package post

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodePage(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantLen   int
		wantError bool
	}{
		{name: "full page", body: `[{"userId":1,"id":1,"title":"a","body":"b"},{"userId":1,"id":2,"title":"c","body":"d"}]`, wantLen: 2},
		{name: "empty array", body: `[]`, wantLen: 0},
		{name: "partial fields", body: `[{"id":7}]`, wantLen: 1},
		{name: "null fields", body: `[{"userId":null,"id":null,"title":null,"body":null}]`, wantLen: 1},
		{name: "null element", body: `[null]`, wantLen: 1},
		{name: "unknown fields ignored", body: `[{"id":1,"extra":true}]`, wantLen: 1},
		{name: "leading whitespace", body: "\n  [{\"id\":1}]", wantLen: 1},
		{name: "empty body", body: ``, wantError: true},
		{name: "null body", body: `null`, wantError: true},
		{name: "object body", body: `{"not":"an array"}`, wantError: true},
		{name: "truncated", body: `[{"id":1}`, wantError: true},
		{name: "wrong field type", body: `[{"id":"one"}]`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posts, err := DecodePage([]byte(tt.body))
			if tt.wantError {
				if err == nil {
					t.Fatalf("expected error, got %d posts", len(posts))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(posts) != tt.wantLen {
				t.Errorf("len(posts) = %d, want %d", len(posts), tt.wantLen)
			}
		})
	}
}

func TestDecodePage_NotArray(t *testing.T) {
	_, err := DecodePage([]byte(`{"id":1}`))
	if !errors.Is(err, ErrNotArray) {
		t.Errorf("err = %v, want ErrNotArray", err)
	}
}

func TestDecodePage_PreservesOrderAndFields(t *testing.T) {
	posts, err := DecodePage([]byte(`[{"userId":3,"id":10,"title":"first","body":"x"},{"title":"second"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if id, ok := posts[0].ID(); !ok || id != 10 {
		t.Errorf("posts[0].ID() = %d, %v", id, ok)
	}
	if uid, ok := posts[0].UserID(); !ok || uid != 3 {
		t.Errorf("posts[0].UserID() = %d, %v", uid, ok)
	}
	if title, _ := posts[1].Title(); title != "second" {
		t.Errorf("posts[1].Title() = %q, want second", title)
	}
	if _, ok := posts[1].ID(); ok {
		t.Error("posts[1].ID() should be absent")
	}
	if _, ok := posts[1].Body(); ok {
		t.Error("posts[1].Body() should be absent")
	}
}

func TestPost_MarshalOmitsAbsentFields(t *testing.T) {
	var p Post
	if err := json.Unmarshal([]byte(`{"title":"only"}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"title":"only"}` {
		t.Errorf("marshal = %s", data)
	}

	full, err := json.Marshal(New(1, 2, "t", "b"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(full) != `{"userId":1,"id":2,"title":"t","body":"b"}` {
		t.Errorf("marshal = %s", full)
	}
}

func TestNew(t *testing.T) {
	p := New(5, 6, "title", "body")
	if v, ok := p.UserID(); !ok || v != 5 {
		t.Errorf("UserID() = %d, %v", v, ok)
	}
	if v, ok := p.ID(); !ok || v != 6 {
		t.Errorf("ID() = %d, %v", v, ok)
	}
	if v, ok := p.Title(); !ok || v != "title" {
		t.Errorf("Title() = %q, %v", v, ok)
	}
	if v, ok := p.Body(); !ok || v != "body" {
		t.Errorf("Body() = %q, %v", v, ok)
	}
}
