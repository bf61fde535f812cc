package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/migrate"
)

const testSecret = "test-secret"

const serverCatalog = `tasks:
  solo:
    name: "Walk the dog"
    points: 25
quests:
  q1:
    name: "Kitchen duty"
    completion_bonus_points: 20
    tasks:
      - id: t1
        name: "Wipe counters"
        points: 10
      - id: t2
        name: "Sweep floor"
        points: 10
`

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	ctx := context.Background()
	for _, u := range []domain.User{
		{Username: "casey", Role: "member"},
		{Username: "jordan", Role: "guardian"},
	} {
		if err := e.Repo.InsertUser(ctx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	cat, err := config.FromYAML([]byte(serverCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	if _, err := e.ImportCatalog(ctx, cat, "jordan"); err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func authHeader(t *testing.T, username, role string) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, username, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/users", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestMemberCannotAssign(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/assignments", map[string]any{
		"user_id": "casey", "kind": "task", "template_id": "solo",
	}, authHeader(t, "casey", "member"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func TestTaskApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	guardian := authHeader(t, "jordan", "guardian")
	member := authHeader(t, "casey", "member")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments", map[string]any{
		"user_id": "casey", "kind": "task", "template_id": "solo",
	}, guardian)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal assignment: %v", err)
	}

	base := srv.URL + "/v0/users/casey/assignments/" + a.ID
	for _, step := range []struct {
		verb    string
		headers map[string]string
		want    string
	}{
		{"accept", member, domain.StatusActive},
		{"submit", member, domain.StatusAwaitingApproval},
		{"approve", guardian, domain.StatusCompleted},
	} {
		res, data = doJSON(t, client, http.MethodPost, base+"/"+step.verb, nil, step.headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", step.verb, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &a); err != nil {
			t.Fatalf("unmarshal after %s: %v", step.verb, err)
		}
		if a.Status != step.want {
			t.Fatalf("after %s got status %s, want %s", step.verb, a.Status, step.want)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/casey/points", nil, member)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("points status %d: %s", res.StatusCode, string(data))
	}
	var pts PointsResponse
	if err := json.Unmarshal(data, &pts); err != nil {
		t.Fatalf("unmarshal points: %v", err)
	}
	if pts.Total != 25 {
		t.Fatalf("expected 25 points, got %d", pts.Total)
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	guardian := authHeader(t, "jordan", "guardian")
	member := authHeader(t, "casey", "member")

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments", map[string]any{
		"user_id": "casey", "kind": "task", "template_id": "solo",
	}, guardian)
	var a domain.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatal(err)
	}
	// submitting before accepting is not a legal transition
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users/casey/assignments/"+a.ID+"/submit", nil, member)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %q", envelope.Error.Code)
	}
}

func TestQuestCompletionOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	guardian := authHeader(t, "jordan", "guardian")
	member := authHeader(t, "casey", "member")

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments", map[string]any{
		"user_id": "casey", "kind": "quest", "template_id": "q1",
	}, guardian)
	var a domain.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatal(err)
	}
	base := srv.URL + "/v0/users/casey/assignments/" + a.ID
	if res, data := doJSON(t, client, http.MethodPost, base+"/accept", nil, member); res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
	for _, task := range []string{"t1", "t2"} {
		res, data := doJSON(t, client, http.MethodPost, base+"/complete", map[string]any{"task_id": task}, member)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete %s: %d %s", task, res.StatusCode, string(data))
		}
	}
	var cascade engine.CascadeResult
	res, data := doJSON(t, client, http.MethodPost, base+"/complete", map[string]any{"task_id": "t2"}, member)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("duplicate complete: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &cascade); err != nil {
		t.Fatal(err)
	}
	if cascade.LeafAwarded || cascade.PointsAwarded != 0 {
		t.Fatalf("duplicate completion must be a no-op: %+v", cascade)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/casey/points", nil, member)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("points: %d", res.StatusCode)
	}
	var pts PointsResponse
	if err := json.Unmarshal(data, &pts); err != nil {
		t.Fatal(err)
	}
	if pts.Total != 40 { // 10 + 10 + 20 bonus
		t.Fatalf("expected 40 points, got %d", pts.Total)
	}
}
