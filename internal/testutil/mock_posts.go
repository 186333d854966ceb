// Package testutil provides testing utilities for postfeed.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// PageResponse overrides the generated response for one page.
type PageResponse struct {
	StatusCode int
	Body       string
	// Drop closes the connection without writing a response.
	Drop bool
}

// MockPosts is an httptest server for the /posts endpoint. By default it
// serves pageSize generated posts per page with ids numbered across pages
// (page 2 of size 10 holds ids 11..20).
type MockPosts struct {
	server *httptest.Server

	mu        sync.Mutex
	total     int
	overrides map[int]PageResponse
	pages     []int
	limits    []int
	requestID []string
	gate      chan struct{}
	arrived   chan int
}

// NewMockPosts starts a server holding total posts.
func NewMockPosts(total int) *MockPosts {
	m := &MockPosts{
		total:     total,
		overrides: make(map[int]PageResponse),
		arrived:   make(chan int, 64),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the server base URL.
func (m *MockPosts) URL() string {
	return m.server.URL
}

// Close shuts down the server. Any held gate is released first.
func (m *MockPosts) Close() {
	m.Release()
	m.server.CloseClientConnections()
	m.server.Close()
}

// SetPage overrides the response for a page.
func (m *MockPosts) SetPage(page int, resp PageResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[page] = resp
}

// ClearPage removes an override.
func (m *MockPosts) ClearPage(page int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides, page)
}

// Hold makes every following request block until Release is called.
func (m *MockPosts) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

// Release unblocks held requests.
func (m *MockPosts) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// Arrived receives the page number of every request as soon as it reaches
// the server, before any hold.
func (m *MockPosts) Arrived() <-chan int {
	return m.arrived
}

// RequestCount returns the number of requests served.
func (m *MockPosts) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// Pages returns the _page value of every request in arrival order.
func (m *MockPosts) Pages() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.pages...)
}

// Limits returns the _limit value of every request in arrival order.
func (m *MockPosts) Limits() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.limits...)
}

// RequestIDs returns the X-Request-ID header of every request.
func (m *MockPosts) RequestIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requestID...)
}

func (m *MockPosts) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/posts" {
		http.NotFound(w, r)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("_page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("_limit"))

	m.mu.Lock()
	m.pages = append(m.pages, page)
	m.limits = append(m.limits, limit)
	m.requestID = append(m.requestID, r.Header.Get("X-Request-ID"))
	gate := m.gate
	override, hasOverride := m.overrides[page]
	total := m.total
	m.mu.Unlock()

	select {
	case m.arrived <- page:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if hasOverride {
		if override.Drop {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, err := hj.Hijack()
				if err == nil {
					conn.Close()
				}
			}
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(override.StatusCode)
		if override.Body != "" {
			w.Write([]byte(override.Body))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(PageJSON(page, limit, total)))
}

// PageJSON renders the posts of a page as the API would.
func PageJSON(page, limit, total int) string {
	if page < 1 || limit < 1 {
		return "[]"
	}

	body := "["
	first := (page-1)*limit + 1
	for id := first; id < first+limit && id <= total; id++ {
		if id > first {
			body += ","
		}
		body += fmt.Sprintf(`{"userId":%d,"id":%d,"title":"title %d","body":"body %d"}`,
			(id-1)/10+1, id, id, id)
	}
	return body + "]"
}
