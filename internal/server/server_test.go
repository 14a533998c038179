package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/modelodev/scrumbringer/internal/db"
	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/engine"
	"github.com/modelodev/scrumbringer/internal/migrate"
	"github.com/modelodev/scrumbringer/internal/repo"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil)
	handler, err := New(Config{Engine: e, BasePath: "/api/v1", Auth: AuthConfig{JWTSecret: testJWTSecret}})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, userID, email string) map[string]string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func seedProjectHTTP(t *testing.T, srv *testServer) string {
	t.Helper()
	ctx := context.Background()
	org, err := srv.Engine.InitOrg(ctx, "Test Org")
	if err != nil {
		t.Fatalf("init org: %v", err)
	}
	p, err := srv.Engine.InitProject(ctx, org.ID, "test-project")
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	return p.ID
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

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected code unauthorized, got %s", code)
	}

	bad := map[string]string{"Authorization": "Bearer not-a-token"}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/projects", nil, bad)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected code invalid_credentials, got %s", code)
	}
}

func TestClaimConflictEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	projectID := seedProjectHTTP(t, srv)
	client := srv.Client()
	alice := bearer(t, "alice", "alice@example.com")
	bob := bearer(t, "bob", "bob@example.com")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/"+projectID+"/tasks", map[string]any{
		"title": "Contended task",
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+created.ID+"/claim", map[string]any{
		"expected_version": 1,
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var claimed domain.Task
	if err := json.Unmarshal(data, &claimed); err != nil {
		t.Fatalf("unmarshal claimed: %v", err)
	}
	if claimed.Version != 2 || claimed.ClaimedBy == nil || *claimed.ClaimedBy != "alice" {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}

	// bob holds a fresh version but alice holds the claim
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+created.ID+"/claim", map[string]any{
		"expected_version": 2,
	}, bob)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_claimed" {
		t.Fatalf("expected code already_claimed, got %s", code)
	}

	// bob tries to release what he never claimed
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+created.ID+"/release", map[string]any{
		"expected_version": 2,
	}, bob)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected code forbidden, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+created.ID+"/release", map[string]any{
		"expected_version": 2,
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release status %d: %s", res.StatusCode, string(data))
	}

	// the task is free again but at version 3, so a version-1 token is stale
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+created.ID+"/claim", map[string]any{
		"expected_version": 1,
	}, bob)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "version_conflict" {
		t.Fatalf("expected code version_conflict, got %s", code)
	}
}

func TestMilestoneActivationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	projectID := seedProjectHTTP(t, srv)
	client := srv.Client()
	alice := bearer(t, "alice", "alice@example.com")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/"+projectID+"/milestones", map[string]any{
		"name":     "Release 1",
		"position": 1,
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create milestone status %d: %s", res.StatusCode, string(data))
	}
	var milestone domain.Milestone
	if err := json.Unmarshal(data, &milestone); err != nil {
		t.Fatalf("unmarshal milestone: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/"+projectID+"/cards", map[string]any{
		"title": "Pool card",
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create card status %d: %s", res.StatusCode, string(data))
	}
	var card CardResponse
	if err := json.Unmarshal(data, &card); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/"+projectID+"/tasks", map[string]any{
		"title":   "Pool task",
		"card_id": card.ID,
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}

	activateURL := srv.URL + "/api/v1/projects/" + projectID + "/milestones/" + milestone.ID + "/activate"
	res, data = doJSON(t, client, http.MethodPost, activateURL, nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate status %d: %s", res.StatusCode, string(data))
	}
	var snap domain.ActivationSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Milestone.State != domain.MilestoneActive {
		t.Fatalf("expected active milestone, got %s", snap.Milestone.State)
	}
	if snap.CardsReleased != 1 || snap.TasksReleased != 1 {
		t.Fatalf("expected 1 card and 1 task released, got %d/%d", snap.CardsReleased, snap.TasksReleased)
	}

	res, data = doJSON(t, client, http.MethodPost, activateURL, nil, alice)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on re-activation, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_active" {
		t.Fatalf("expected code already_active, got %s", code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	projectID := seedProjectHTTP(t, srv)
	client := srv.Client()

	ctx := context.Background()
	rawKey := "sk-test-raw-key"
	err := func() error {
		tx, err := srv.Engine.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		key := domain.APIKey{
			ID: "key-1", UserID: "robot", Name: "ci",
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := srv.Engine.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return tx.Commit()
	}()
	if err != nil {
		t.Fatalf("seed api key: %v", err)
	}

	headers := map[string]string{"X-Api-Key": rawKey}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/projects/"+projectID+"/tasks", map[string]any{
		"title": "From CI",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task via api key status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.CreatedBy != "robot" {
		t.Fatalf("expected created_by robot, got %s", created.CreatedBy)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/projects/"+projectID+"/tasks", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d: %s", res.StatusCode, string(data))
	}
}
