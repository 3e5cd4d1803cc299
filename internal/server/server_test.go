package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"scrumbringer/internal/config"
	"scrumbringer/internal/db"
	"scrumbringer/internal/domain"
	"scrumbringer/internal/engine"
	"scrumbringer/internal/migrate"
)

type testServer struct {
	URL     string
	Project int64
	Org     int64
	TypeID  int64
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

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
	e := engine.New(conn, config.Default())
	ctx := context.Background()
	org, project, err := e.InitOrg(ctx, "Test Org", "test")
	if err != nil {
		t.Fatalf("init org: %v", err)
	}
	typeID, err := e.Repo.InsertTaskType(ctx, domain.TaskType{OrgID: org.ID, Name: "bug", CreatedAt: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("insert type: %v", err)
	}
	// The legacy X-User-Id header is trusted as-is, so the rows the tasks
	// reference must exist.
	for _, username := range []string{"alice", "bob"} {
		if _, err := e.Repo.EnsureUser(ctx, org.ID, username, "2024-01-01T00:00:00Z"); err != nil {
			t.Fatalf("ensure %s: %v", username, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyUserHeader: true},
	})
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
		URL:     "http://" + ln.Addr().String(),
		Project: project.ID,
		Org:     org.ID,
		TypeID:  typeID,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func asUser(id int64) map[string]string {
	return map[string]string{"X-User-Id": fmt.Sprintf("%d", id)}
}

func (s *testServer) createTask(t *testing.T, title string) TaskResponse {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost,
		fmt.Sprintf("%s/v0/projects/%d/tasks", s.URL, s.Project),
		map[string]any{"title": title, "type_id": s.TypeID}, asUser(1))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created
}

func (s *testServer) transition(t *testing.T, taskID int64, action string, version int, userID int64) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, s.client, http.MethodPost,
		fmt.Sprintf("%s/v0/projects/%d/tasks/%d/%s", s.URL, s.Project, taskID, action),
		map[string]any{"version": version}, asUser(userID))
}

func TestClaimCompleteOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := srv.createTask(t, "Ship feature")
	if created.Status != "available" || created.Version != 1 {
		t.Fatalf("created: status=%s version=%d", created.Status, created.Version)
	}

	res, data := srv.transition(t, created.ID, "claim", 1, 1)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var claimed TaskResponse
	if err := json.Unmarshal(data, &claimed); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if claimed.Status != "claimed" || claimed.Version != 2 {
		t.Fatalf("claimed: status=%s version=%d", claimed.Status, claimed.Version)
	}

	res, data = srv.transition(t, created.ID, "complete", 2, 1)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var done TaskResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal complete: %v", err)
	}
	if done.Status != "completed" || done.CompletedAt == nil {
		t.Fatalf("completed: status=%s completed_at=%v", done.Status, done.CompletedAt)
	}
}

func TestStaleVersionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := srv.createTask(t, "Race me")
	if res, data := srv.transition(t, created.ID, "claim", 1, 1); res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}

	res, data := srv.transition(t, created.ID, "release", 1, 1)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale release: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "conflict" {
		t.Fatalf("error code: %s", code)
	}
}

func TestInvalidTransitionUnprocessable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := srv.createTask(t, "Not yours")
	if res, data := srv.transition(t, created.ID, "claim", 1, 1); res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}

	// A different user completing a task they never claimed.
	res, data := srv.transition(t, created.ID, "complete", 2, 2)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("complete by non-claimant: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("error code: %s", code)
	}
}

func TestTransitionMissingTask(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := srv.transition(t, 9999, "claim", 1, 1)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("claim missing: %d %s", res.StatusCode, string(data))
	}
}

func TestTransitionRequiresVersion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := srv.createTask(t, "No version")
	res, data := doJSON(t, srv.client, http.MethodPost,
		fmt.Sprintf("%s/v0/projects/%d/tasks/%d/claim", srv.URL, srv.Project, created.ID),
		map[string]any{}, asUser(1))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("claim without version: %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.client, http.MethodGet,
		fmt.Sprintf("%s/v0/projects/%d/tasks", srv.URL, srv.Project), nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: %d %s", res.StatusCode, string(data))
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestDevLoginBearerFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login",
		map[string]any{"username": "alice", "org_id": srv.Org}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("empty token")
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil,
		map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Username != "alice" || me.Source != "jwt" {
		t.Fatalf("me: %+v", me)
	}
}

func TestRuleTriggerGatedByConfig(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.client, http.MethodPost,
		fmt.Sprintf("%s/v0/projects/%d/workflows", srv.URL, srv.Project),
		map[string]any{"name": "wf"}, asUser(1))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow: %d %s", res.StatusCode, string(data))
	}
	var wf WorkflowResponse
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}

	// The default config only lists "completed" as a bindable trigger.
	res, data = doJSON(t, srv.client, http.MethodPost,
		fmt.Sprintf("%s/v0/projects/%d/rules", srv.URL, srv.Project),
		map[string]any{"workflow_id": wf.ID, "trigger_event": "claimed"}, asUser(1))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("disallowed trigger: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost,
		fmt.Sprintf("%s/v0/projects/%d/rules", srv.URL, srv.Project),
		map[string]any{"workflow_id": wf.ID, "trigger_event": "completed"}, asUser(1))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("allowed trigger: %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyDeletionScopedToOwner(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/me/api-keys",
		map[string]any{"name": "laptop"}, asUser(1))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}

	// Another user cannot delete it.
	res, data = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v0/me/api-keys/"+key.ID, nil, asUser(2))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign delete: %d %s", res.StatusCode, string(data))
	}

	// The owner can.
	res, data = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v0/me/api-keys/"+key.ID, nil, asUser(1))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("owner delete: %d %s", res.StatusCode, string(data))
	}
}

func TestTaskListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		srv.createTask(t, fmt.Sprintf("Task %d", i))
	}

	res, data := doJSON(t, srv.client, http.MethodGet,
		fmt.Sprintf("%s/v0/projects/%d/tasks?limit=2", srv.URL, srv.Project), nil, asUser(1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var page paginatedTasks
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("page: items=%d cursor=%q", len(page.Items), page.NextCursor)
	}

	res, data = doJSON(t, srv.client, http.MethodGet,
		fmt.Sprintf("%s/v0/projects/%d/tasks?limit=10&cursor=%s", srv.URL, srv.Project, page.NextCursor), nil, asUser(1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res.StatusCode, string(data))
	}
	var rest paginatedTasks
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(rest.Items) != 3 || rest.NextCursor != "" {
		t.Fatalf("second page: items=%d cursor=%q", len(rest.Items), rest.NextCursor)
	}
}
