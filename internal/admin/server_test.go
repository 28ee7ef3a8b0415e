package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/miknet/internal/auth"
	"github.com/danmuck/miknet/internal/endpoint"
	"github.com/danmuck/miknet/internal/protocol/conn"
	"github.com/danmuck/miknet/internal/testutil/testlog"
)

type staticSource []endpoint.ConnInfo

func (s staticSource) Snapshot() []endpoint.ConnInfo { return s }

func testServer() *Server {
	return New("miknetd-test", "127.0.0.1:0", staticSource{
		{
			Snapshot: conn.Snapshot{ID: "b-conn", Role: conn.RoleResponder, State: conn.Established, Token: 42, Outstanding: 1},
			Peer:     "127.0.0.1:5000",
			Stats:    conn.Stats{Delivered: 3, Dropped: map[conn.DropReason]int{conn.DropToken: 2}},
		},
		{
			Snapshot: conn.Snapshot{ID: "a-conn", Role: conn.RoleInitiator, State: conn.Closing, Token: 7},
			Peer:     "127.0.0.1:5001",
		},
	}, nil)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthRoute(t *testing.T) {
	testlog.Start(t)
	rec := get(t, testServer(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "miknetd-test" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestConnectionsRouteSortedWithStrings(t *testing.T) {
	testlog.Start(t)
	rec := get(t, testServer(), "/connections")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Count       int        `json:"count"`
		Connections []ConnView `json:"connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || body.Connections[0].ID != "a-conn" {
		t.Fatalf("unexpected listing: %+v", body)
	}
	b := body.Connections[1]
	if b.Role != "responder" || b.State != "established" || b.Delivered != 3 || b.Dropped["token_mismatch"] != 2 {
		t.Fatalf("unexpected view: %+v", b)
	}
}

func TestConnectionByID(t *testing.T) {
	testlog.Start(t)
	s := testServer()
	if rec := get(t, s, "/connections/a-conn"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"closing"`) {
		t.Fatalf("lookup failed: %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, s, "/connections/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMetricsRouteExposesProtocolCounters(t *testing.T) {
	testlog.Start(t)
	s := testServer()
	get(t, s, "/health")
	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "miknet_http_requests_total") {
		t.Fatalf("http metrics missing from scrape")
	}
}

func TestConnectionRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	s := testServer()
	s.RequireToken(auth.StaticToken{Token: "s3cret"})

	if rec := get(t, s, "/connections"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec := get(t, s, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/connections/a-conn", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized status = %d", rec.Code)
	}
}
