package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/postfeed/internal/testutil"
	"github.com/Sternrassler/postfeed/pkg/client"
	"github.com/Sternrassler/postfeed/pkg/dispatch"
	"github.com/Sternrassler/postfeed/pkg/pagination"
	"github.com/Sternrassler/postfeed/pkg/viewmodel"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, baseURL string, executor dispatch.Executor) (*server, http.Handler) {
	t.Helper()

	logger := zerolog.Nop()
	cfg := client.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Timeout = 5 * time.Second
	cfg.Logger = &logger
	if executor != nil {
		cfg.Executor = executor
	}

	svc, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	srv := newServer(context.Background(), svc, viewmodel.New(svc, logger), logger)
	return srv, srv.routes()
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestStatusEndpoint_Empty(t *testing.T) {
	_, h := newTestServer(t, "http://127.0.0.1:1", nil)

	w := do(t, h, http.MethodGet, "/posts")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	got := decode[statusResponse](t, w)
	want := statusResponse{Count: 0, Footer: false, Cursor: 1}
	if got != want {
		t.Errorf("response = %+v, want %+v", got, want)
	}
}

func TestLoadAndReadRows(t *testing.T) {
	mock := testutil.NewMockPosts(100)
	defer mock.Close()

	// Inline executor: the load has completed by the time the handler returns.
	_, h := newTestServer(t, mock.URL(), nil)

	w := do(t, h, http.MethodPost, "/posts/load")
	if w.Code != http.StatusAccepted {
		t.Fatalf("load status = %d, want 202", w.Code)
	}
	if got := decode[loadResponse](t, w); !got.Started || got.Footer {
		t.Errorf("load response = %+v, want started without footer", got)
	}

	status := decode[statusResponse](t, do(t, h, http.MethodGet, "/posts"))
	if status.Count != 10 || status.Cursor != 2 {
		t.Errorf("status = %+v, want count 10 / cursor 2", status)
	}

	w = do(t, h, http.MethodGet, "/posts/3")
	if w.Code != http.StatusOK {
		t.Fatalf("row status = %d, want 200", w.Code)
	}
	var row struct {
		UserID int    `json:"userId"`
		ID     int    `json:"id"`
		Title  string `json:"title"`
	}
	if err := json.NewDecoder(w.Body).Decode(&row); err != nil {
		t.Fatalf("decode row: %v", err)
	}
	if row.ID != 4 || row.Title != "title 4" || row.UserID != 1 {
		t.Errorf("row = %+v, want id 4", row)
	}
}

func TestRowEndpoint_Errors(t *testing.T) {
	mock := testutil.NewMockPosts(100)
	defer mock.Close()

	_, h := newTestServer(t, mock.URL(), nil)
	do(t, h, http.MethodPost, "/posts/load")

	tests := []struct {
		path string
		want int
	}{
		{path: "/posts/10", want: http.StatusNotFound},
		{path: "/posts/-1", want: http.StatusNotFound},
		{path: "/posts/abc", want: http.StatusBadRequest},
		{path: "/posts/9", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if w := do(t, h, http.MethodGet, tt.path); w.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
			}
		})
	}
}

func TestLoadEndpoint_InFlight(t *testing.T) {
	mock := testutil.NewMockPosts(100)
	defer mock.Close()
	mock.Hold()

	loop := dispatch.NewLoop(zerolog.Nop())
	go loop.Run(context.Background())
	defer loop.Close()

	srv, h := newTestServer(t, mock.URL(), loop)

	if got := decode[loadResponse](t, do(t, h, http.MethodPost, "/posts/load")); !got.Started {
		t.Fatalf("first load response = %+v, want started", got)
	}

	select {
	case <-mock.Arrived():
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the server")
	}

	got := decode[loadResponse](t, do(t, h, http.MethodPost, "/posts/load"))
	if got.Started || !got.Footer {
		t.Errorf("second load response = %+v, want not started with footer", got)
	}

	mock.Release()

	deadline := time.Now().Add(5 * time.Second)
	for srv.list.RowCount() != 10 {
		if time.Now().After(deadline) {
			t.Fatalf("RowCount() = %d, want 10", srv.list.RowCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount() = %d, want 1", mock.RequestCount())
	}
}

func TestDrainEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		failPage  int
		wantCode  int
		wantPages int
	}{
		{name: "default pages", query: "", wantCode: http.StatusOK, wantPages: 3},
		{name: "limited", query: "?pages=2", wantCode: http.StatusOK, wantPages: 2},
		{name: "invalid pages", query: "?pages=0", wantCode: http.StatusBadRequest},
		{name: "upstream failure", query: "", failPage: 2, wantCode: http.StatusBadGateway, wantPages: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockPosts(30)
			defer mock.Close()
			if tt.failPage > 0 {
				mock.SetPage(tt.failPage, testutil.PageResponse{StatusCode: http.StatusServiceUnavailable, Body: "down"})
			}

			_, h := newTestServer(t, mock.URL(), nil)

			w := do(t, h, http.MethodPost, "/posts/drain"+tt.query)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusBadRequest {
				return
			}

			got := decode[drainResponse](t, w)
			if got.Pages != tt.wantPages {
				t.Errorf("pages = %d, want %d", got.Pages, tt.wantPages)
			}
			if tt.wantCode != http.StatusOK && got.Error == "" {
				t.Error("error message missing")
			}
		})
	}
}

func TestDrainResponse_JSON(t *testing.T) {
	b, err := json.Marshal(drainResponse{Summary: pagination.Summary{Pages: 2, Rows: 20, Exhausted: true}})
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	for _, want := range []string{`"pages":2`, `"rows":20`, `"exhausted":true`} {
		if !strings.Contains(s, want) {
			t.Errorf("json %s missing %s", s, want)
		}
	}
	if strings.Contains(s, `"error"`) {
		t.Errorf("json %s should omit empty error", s)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mock := testutil.NewMockPosts(100)
	defer mock.Close()

	_, h := newTestServer(t, mock.URL(), nil)
	do(t, h, http.MethodPost, "/posts/load")

	w := do(t, h, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	body := w.Body.String()
	for _, metric := range []string{"postfeed_requests_total", "postfeed_page_cursor", "postfeed_rows"} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("POSTFEED_TEST_INT", "42")
	t.Setenv("POSTFEED_TEST_BAD_INT", "x")
	t.Setenv("POSTFEED_TEST_FLOAT", "2.5")
	t.Setenv("POSTFEED_TEST_BOOL", "true")

	if got := getEnv("POSTFEED_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("getEnv = %q, want fallback", got)
	}
	if got := getEnvInt("POSTFEED_TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt = %d, want 42", got)
	}
	if got := getEnvInt("POSTFEED_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt(bad) = %d, want 7", got)
	}
	if got := getEnvFloat("POSTFEED_TEST_FLOAT", 0); got != 2.5 {
		t.Errorf("getEnvFloat = %g, want 2.5", got)
	}
	if got := getEnvBool("POSTFEED_TEST_BOOL", false); !got {
		t.Error("getEnvBool = false, want true")
	}
}
