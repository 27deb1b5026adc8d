package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"deliverline/internal/app"
	"deliverline/internal/config"
	"deliverline/internal/engine"
	"deliverline/internal/metrics"
	deliverlinesdk "deliverline/sdk/go"
)

const (
	testSecret   = "test-secret"
	demoPassword = "demo-pass"
)

var pinned = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	WS     *app.Workspace
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*Config)) (*testServer, func()) {
	t.Helper()
	ws, err := app.Open(context.Background(), t.TempDir(), app.Options{Now: func() time.Time { return pinned }})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	ws.Engine.PasswordCost = bcrypt.MinCost
	if _, err := app.Seed(context.Background(), ws.Engine, demoPassword); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg := Config{Engine: ws.Engine, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		WS:     ws,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			ws.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func login(t *testing.T, srv *testServer, email string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email":    email,
		"password": demoPassword,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s: %d %s", email, res.StatusCode, string(data))
	}
	var tok TokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if tok.Token == "" {
		t.Fatalf("empty token for %s", email)
	}
	return map[string]string{"Authorization": "Bearer " + tok.Token}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deliverables", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if got := decodeError(t, data); got.Code != "unauthorized" {
		t.Fatalf("error code %q", got.Code)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "invalid_credentials" {
		t.Fatalf("bad token accepted: %d %s", res.StatusCode, string(data))
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email":    "dev@example.com",
		"password": "wrong-password",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if got := decodeError(t, data); got.Code != "invalid_credentials" {
		t.Fatalf("error code %q", got.Code)
	}
}

func TestDeliverablesFollowVisibility(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	var page paginatedDeliverables
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/deliverables", nil, login(t, srv, "dev@example.com"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if page.Count != 1 || page.Items[0].Department != "Development" {
		t.Fatalf("developer should only see Development: %+v", page.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deliverables", nil, login(t, srv, "direction@example.com"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	page = paginatedDeliverables{}
	_ = json.Unmarshal(data, &page)
	if page.Count != 3 {
		t.Fatalf("direction sees %d deliverables", page.Count)
	}
	// Earliest deadline first: the overdue budget review leads.
	first := page.Items[0]
	if first.Name != "Quarterly budget review" || !first.Derived.Overdue || first.Derived.Label.Key != "late" {
		t.Fatalf("unexpected first item %+v", first)
	}
	if first.Derived.OverdueDays != 1 || first.Derived.Progress != 0 {
		t.Fatalf("derived values %+v", first.Derived)
	}
}

func TestListSearchAndSort(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	direction := login(t, srv, "direction@example.com")

	names := func(query string) []string {
		t.Helper()
		res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/deliverables?"+query, nil, direction)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list ?%s: %d %s", query, res.StatusCode, string(data))
		}
		var page paginatedDeliverables
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal list: %v", err)
		}
		out := make([]string, 0, len(page.Items))
		for _, d := range page.Items {
			out = append(out, d.Name)
		}
		return out
	}
	cases := []struct {
		query string
		want  []string
	}{
		{"q=RELEASE", []string{"MyApplication v1.0"}},
		{"q=marketing", []string{"Technical documentation"}},
		{"priority=high", []string{"MyApplication v1.0"}},
		{"sort=priority", []string{"Quarterly budget review", "MyApplication v1.0", "Technical documentation"}},
		{"sort=department", []string{"MyApplication v1.0", "Quarterly budget review", "Technical documentation"}},
		{"sort=status&q=e", []string{"Quarterly budget review", "MyApplication v1.0", "Technical documentation"}},
	}
	for _, tc := range cases {
		if got := names(tc.query); !slices.Equal(got, tc.want) {
			t.Fatalf("?%s: got %v, want %v", tc.query, got, tc.want)
		}
	}

	for param, field := range map[string]string{"sort=size": "sort", "priority=someday": "priority"} {
		res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/deliverables?"+param, nil, direction)
		if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Details["field"] != field {
			t.Fatalf("?%s: %d %s", param, res.StatusCode, string(data))
		}
	}
}

func TestCreateDeliverableErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	dev := login(t, srv, "dev@example.com")
	deadline := pinned.Add(5 * 24 * time.Hour)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/deliverables", map[string]any{
		"name":        "Budget",
		"description": "Numbers",
		"department":  "Finance",
		"deadline":    deadline,
	}, dev)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	forbidden := decodeError(t, data)
	if forbidden.Code != "forbidden" || forbidden.Details["action"] != "deliverable.create" || forbidden.Details["department"] != "Finance" {
		t.Fatalf("forbidden envelope %+v", forbidden)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deliverables", map[string]any{
		"name":        "Release notes",
		"description": "   ",
		"deadline":    deadline,
	}, dev)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	invalid := decodeError(t, data)
	if invalid.Code != "validation_failed" || invalid.Details["field"] != "description" {
		t.Fatalf("validation envelope %+v", invalid)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deliverables", nil, dev)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d %s", res.StatusCode, string(data))
	}
}

func TestDeliverableLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	dev := login(t, srv, "dev@example.com")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/deliverables", map[string]any{
		"name":        "Release notes",
		"description": "What changed in <b>1.1</b>",
		"deadline":    pinned.Add(8 * 24 * time.Hour),
		"tags":        []string{"release"},
	}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created DeliverableResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Department != "Development" || created.Status != "to_do" || created.Priority != "medium" {
		t.Fatalf("defaults not applied: %+v", created.Deliverable)
	}
	if strings.Contains(created.Description, "<b>") {
		t.Fatalf("description not sanitized: %q", created.Description)
	}
	base := srv.URL + "/v0/deliverables/" + created.ID

	res, data = doJSON(t, client, http.MethodPost, base+"/start", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}
	var started DeliverableResponse
	_ = json.Unmarshal(data, &started)
	if started.Status != "in_progress" || started.Derived.Progress != 50 {
		t.Fatalf("start result %+v", started)
	}

	res, data = doJSON(t, client, http.MethodPatch, base, map[string]any{"priority": "urgent"}, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d %s", res.StatusCode, string(data))
	}
	var patched DeliverableResponse
	_ = json.Unmarshal(data, &patched)
	if patched.Priority != "urgent" || !patched.Derived.NeedsAttention {
		t.Fatalf("patch result %+v", patched)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/done", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("done: %d %s", res.StatusCode, string(data))
	}
	var done DeliverableResponse
	_ = json.Unmarshal(data, &done)
	if done.Status != "done" || done.Derived.Progress != 100 || done.Derived.Modifiable {
		t.Fatalf("done result %+v", done)
	}

	res, data = doJSON(t, client, http.MethodPatch, base, map[string]any{"priority": "low"}, dev)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected done deliverable to reject priority change, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, base, nil, dev)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("regular user delete: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, base+"?policy=unconditional", nil, dev)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("unconditional delete: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, base, nil, dev)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted deliverable still served: %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodDelete, base+"?policy=whatever", nil, dev)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown policy: %d %s", res.StatusCode, string(data))
	}
}

func TestScanDryRunAndCreate(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	head := login(t, srv, "marketing.head@example.com")
	text := "Plan marketing campagne\nLivraison avant le 20/03/2025"

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/scan", map[string]any{"text": text, "dry_run": true}, head)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dry run: %d %s", res.StatusCode, string(data))
	}
	var dry ScanResponse
	_ = json.Unmarshal(data, &dry)
	if dry.Deliverable != nil || dry.Draft.Department != "Marketing" || !dry.Draft.DateDetected {
		t.Fatalf("dry run result %+v", dry)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scan", map[string]any{"text": text}, head)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scan: %d %s", res.StatusCode, string(data))
	}
	var saved ScanResponse
	_ = json.Unmarshal(data, &saved)
	if saved.Deliverable == nil || saved.Deliverable.ID == "" {
		t.Fatalf("scan did not save: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scan", map[string]any{"text": "   "}, head)
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Details["field"] != "text" {
		t.Fatalf("blank scan: %d %s", res.StatusCode, string(data))
	}
}

func TestOverviewEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	direction := login(t, srv, "direction@example.com")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/attention", nil, direction)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("attention: %d %s", res.StatusCode, string(data))
	}
	var att paginatedDeliverables
	_ = json.Unmarshal(data, &att)
	if att.Count != 2 {
		t.Fatalf("attention count %d", att.Count)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, direction)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %s", res.StatusCode, string(data))
	}
	var stats struct {
		Total   int `json:"total"`
		Overdue int `json:"overdue"`
	}
	_ = json.Unmarshal(data, &stats)
	if stats.Total != 3 || stats.Overdue != 1 {
		t.Fatalf("stats %+v", stats)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/overdue/refresh", nil, login(t, srv, "viewer@example.com"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer refresh: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/overdue/refresh", nil, direction)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d %s", res.StatusCode, string(data))
	}
	var refresh engine.RefreshResult
	_ = json.Unmarshal(data, &refresh)
	if refresh.Checked != 3 || refresh.Overdue != 1 {
		t.Fatalf("refresh result %+v", refresh)
	}
}

func TestMeAndDepartments(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	tech := login(t, srv, "tech@example.com")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, tech)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who engine.Identity
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.User.ID != "demo-tech" || !who.Permissions.TechnicalDirection || !who.Permissions.CanManageUsers {
		t.Fatalf("identity %+v", who)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/departments", nil, login(t, srv, "marketing.head@example.com"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("departments: %d %s", res.StatusCode, string(data))
	}
	var deps engine.Departments
	_ = json.Unmarshal(data, &deps)
	if len(deps.Creatable) != 1 || deps.Creatable[0] != "Marketing" {
		t.Fatalf("department head creatable %v", deps.Creatable)
	}
}

func TestRegisterAndManageUsers(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/register", map[string]any{
		"email":      "new@example.com",
		"password":   "secret1",
		"name":       "New Person",
		"department": "Design",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, string(data))
	}
	var reg TokenResponse
	_ = json.Unmarshal(data, &reg)
	if reg.User.Role != "regular_user" || reg.Token == "" {
		t.Fatalf("register result %+v", reg)
	}

	for _, dept := range []string{"General Management", "Technical Direction"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/register", map[string]any{
			"email":      "boss@example.com",
			"password":   "secret1",
			"department": dept,
		}, nil)
		if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Details["field"] != "department" {
			t.Fatalf("register into %s: %d %s", dept, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/register", map[string]any{
		"email":      "new@example.com",
		"password":   "secret1",
		"department": "Design",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: %d %s", res.StatusCode, string(data))
	}

	self := map[string]string{"Authorization": "Bearer " + reg.Token}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/"+reg.User.ID+"/promote", map[string]any{"to": "department_head"}, self)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("self promotion: %d %s", res.StatusCode, string(data))
	}

	direction := login(t, srv, "direction@example.com")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/"+reg.User.ID+"/promote", map[string]any{"to": "department_head"}, direction)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("promote: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/users/"+reg.User.ID, map[string]any{"active": false}, direction)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deactivate: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, self)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("inactive user token still works: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users", nil, direction)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list users: %d %s", res.StatusCode, string(data))
	}
	var users []map[string]any
	_ = json.Unmarshal(data, &users)
	if len(users) != len(app.DemoUsers)+1 {
		t.Fatalf("users listed %d", len(users))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	dev := login(t, srv, "dev@example.com")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{"name": "ci"}, dev)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	_ = json.Unmarshal(data, &key)
	if !strings.HasPrefix(key.Key, "dl_") {
		t.Fatalf("raw key missing: %+v", key)
	}
	withKey := map[string]string{"X-Api-Key": key.Key}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, withKey)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with key: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/api-keys", nil, withKey)
	if res.StatusCode != http.StatusOK || strings.Contains(string(data), key.Key) {
		t.Fatalf("list keys leaks or fails: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/api-keys/"+key.ID, nil, dev)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, withKey)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key accepted: %d", res.StatusCode)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, login(t, srv, "dev@example.com"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("developer read events: %d %s", res.StatusCode, string(data))
	}

	direction := login(t, srv, "direction@example.com")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, direction)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, direction)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	_ = json.Unmarshal(data, &next)
	if len(next.Items) == 0 || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("second page does not continue the first: %+v", next.Items)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, direction)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid cursor: %d", res.StatusCode)
	}
}

func TestRateLimitPerUser(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{PerSecond: 0.01, Burst: 1}
	})
	defer cleanup()
	client := srv.Client()
	dev := login(t, srv, "dev@example.com")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, dev)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, dev)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", res.StatusCode, string(data))
	}
	if res.Header.Get("Retry-After") == "" || decodeError(t, data).Code != "rate_limit_exceeded" {
		t.Fatalf("rate limit response %v %s", res.Header, string(data))
	}
	// Another user has a bucket of their own.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, login(t, srv, "tech@example.com"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("other user limited: %d", res.StatusCode)
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	srv, cleanup := newTestServer(t, func(cfg *Config) {
		cfg.Metrics = collector
		cfg.Gatherer = reg
	})
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "deliverline_http_requests_total") {
		t.Fatalf("metrics: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	var oas struct {
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := oas.Paths["/v0/deliverables/{id}/done"]; !ok {
		t.Fatalf("openapi missing deliverable routes")
	}
	if sec := oas.Paths["/v0/auth/login"]["post"].Security; len(sec) != 0 {
		t.Fatalf("login should not require auth: %v", sec)
	}
}

func TestWebhookDelivery(t *testing.T) {
	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), app.Options{Now: func() time.Time { return pinned }})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	ws.Engine.PasswordCost = bcrypt.MinCost

	var mu sync.Mutex
	var received []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := newWebhookDispatcher(WebhookOptions{
		Store: ws.Repo,
		Hooks: []config.WebhookConfig{{URL: hook.URL, Events: []string{"deliverable.created"}, Secret: "s3cret"}},
	})
	// The first pass only pins the cursor.
	d.dispatchAll(ctx)
	if _, err := app.Seed(ctx, ws.Engine, demoPassword); err != nil {
		t.Fatalf("seed: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("expected 3 deliverable.created deliveries, got %d", len(received))
	}
	for i, evt := range received {
		if evt.Type != "deliverable.created" || evt.EntityKind != "deliverable" {
			t.Fatalf("unexpected event %+v", evt)
		}
		if headers[i].Get("X-Deliverline-Secret") != "s3cret" || headers[i].Get("X-Deliverline-Event") != evt.Type {
			t.Fatalf("headers %v", headers[i])
		}
	}
}

func TestWebhookFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), app.Options{Now: func() time.Time { return pinned }})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	ws.Engine.PasswordCost = bcrypt.MinCost

	fail := true
	var got int
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		got++
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	d := newWebhookDispatcher(WebhookOptions{Store: ws.Repo, Hooks: []config.WebhookConfig{{URL: hook.URL}}})
	d.dispatchAll(ctx)
	if _, err := app.Seed(ctx, ws.Engine, demoPassword); err != nil {
		t.Fatalf("seed: %v", err)
	}
	d.dispatchAll(ctx)
	if got != 0 {
		t.Fatalf("delivered while hook was down")
	}
	fail = false
	d.dispatchAll(ctx)
	latest, _ := ws.Repo.LatestEventID(ctx)
	if got == 0 || d.cursors[0] != latest {
		t.Fatalf("retry delivered %d, cursor %d of %d", got, d.cursors[0], latest)
	}
}

func TestStartWebhooksStopsWithContext(t *testing.T) {
	ws, err := app.Open(context.Background(), t.TempDir(), app.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := StartWebhooks(ctx, WebhookOptions{
		Store:    ws.Repo,
		Hooks:    []config.WebhookConfig{{URL: "http://127.0.0.1:1/unused"}},
		Interval: 10 * time.Millisecond,
	})
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	idle := StartWebhooks(context.Background(), WebhookOptions{Store: ws.Repo})
	select {
	case <-idle:
	default:
		t.Fatal("dispatcher without hooks should not run")
	}
}

func TestSDKClient(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	ctx := context.Background()

	client := deliverlinesdk.New(srv.URL)
	if _, err := client.Login(ctx, "tech@example.com", demoPassword); err != nil {
		t.Fatalf("sdk login: %v", err)
	}
	me, err := client.Me(ctx)
	if err != nil || me.User.ID != "demo-tech" {
		t.Fatalf("sdk me: %+v %v", me, err)
	}
	items, err := client.ListDeliverables(ctx, deliverlinesdk.ListOptions{Department: "Development"})
	if err != nil || len(items) != 1 {
		t.Fatalf("sdk list: %d %v", len(items), err)
	}
	found, err := client.ListDeliverables(ctx, deliverlinesdk.ListOptions{Query: "Board", Priority: "urgent", Sort: "status"})
	if err != nil || len(found) != 1 || found[0].Name != "Quarterly budget review" {
		t.Fatalf("sdk search: %+v %v", found, err)
	}
	started, err := client.Start(ctx, items[0].ID)
	if err != nil || started.Status != "in_progress" {
		t.Fatalf("sdk start: %+v %v", started, err)
	}
	created, err := client.CreateDeliverable(ctx, deliverlinesdk.NewDeliverable{
		Name:        "Design review",
		Description: "Mockups for the settings screen",
		Department:  "Design",
		Deadline:    pinned.Add(4 * 24 * time.Hour),
	})
	if err != nil || created.Department != "Design" {
		t.Fatalf("sdk create: %+v %v", created, err)
	}
	if _, err := client.Deliverable(ctx, "missing"); err == nil {
		t.Fatal("expected not found")
	} else if apiErr, ok := err.(*deliverlinesdk.APIError); !ok || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("sdk error %v", err)
	}
	evts, err := client.Events(ctx, 5)
	if err != nil || len(evts) != 5 {
		t.Fatalf("sdk events: %d %v", len(evts), err)
	}
}
