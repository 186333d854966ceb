// Package post defines the Post record served by the posts endpoint and the
// decoding of a single page of posts.
package post

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotArray is returned when a page body is not a JSON array.
var ErrNotArray = errors.New("page body is not a JSON array")

// Post is one record of the remote collection.
//
// Every field is optional. A Post with no fields set is still valid.
// Posts are immutable: fields are only readable through accessors.
type Post struct {
	userID *int
	id     *int
	title  *string
	body   *string
}

// New returns a Post with all fields present.
func New(userID, id int, title, body string) Post {
	return Post{
		userID: &userID,
		id:     &id,
		title:  &title,
		body:   &body,
	}
}

// UserID returns the author id and whether it was present.
func (p Post) UserID() (int, bool) {
	if p.userID == nil {
		return 0, false
	}
	return *p.userID, true
}

// ID returns the post id and whether it was present.
func (p Post) ID() (int, bool) {
	if p.id == nil {
		return 0, false
	}
	return *p.id, true
}

// Title returns the title and whether it was present.
func (p Post) Title() (string, bool) {
	if p.title == nil {
		return "", false
	}
	return *p.title, true
}

// Body returns the body and whether it was present.
func (p Post) Body() (string, bool) {
	if p.body == nil {
		return "", false
	}
	return *p.body, true
}

// wirePost mirrors the JSON shape of a post.
type wirePost struct {
	UserID *int    `json:"userId,omitempty"`
	ID     *int    `json:"id,omitempty"`
	Title  *string `json:"title,omitempty"`
	Body   *string `json:"body,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Post) UnmarshalJSON(data []byte) error {
	var w wirePost
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Post{userID: w.UserID, id: w.ID, title: w.Title, body: w.Body}
	return nil
}

// MarshalJSON implements json.Marshaler. Absent fields are omitted.
func (p Post) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePost{UserID: p.userID, ID: p.id, Title: p.title, Body: p.body})
}

// DecodePage decodes a page body into posts, preserving element order.
// A null element decodes to an empty Post.
func DecodePage(data []byte) ([]Post, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotArray
	}

	var posts []Post
	if err := json.Unmarshal(trimmed, &posts); err != nil {
		return nil, fmt.Errorf("decode posts: %w", err)
	}
	if posts == nil {
		posts = []Post{}
	}
	return posts, nil
}
