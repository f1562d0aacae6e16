package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spritehub/spritehub/internal/allocator"
	"github.com/spritehub/spritehub/internal/common/config"
	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/events/bus"
	"github.com/spritehub/spritehub/internal/session"
	"github.com/spritehub/spritehub/internal/sprite"
	"github.com/spritehub/spritehub/internal/store"
	"github.com/spritehub/spritehub/internal/streaming"
	"github.com/spritehub/spritehub/internal/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiEnv struct {
	store  *store.MemoryStore
	router *gin.Engine
}

// newAPIEnv wires the full handler stack against the in-memory store and
// a stub sandbox API.
func newAPIEnv(t *testing.T, servicePassword string) *apiEnv {
	t.Helper()

	st := store.NewMemoryStore()
	localBus := bus.NewLocalEventBus()
	log := logger.NewNop()

	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/sprites":
			json.NewEncoder(w).Encode([]map[string]string{{"name": "default"}})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sprites":
			json.NewEncoder(w).Encode(map[string]string{"name": "default"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sprites/default/suspend":
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/sprites/default":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/exec"):
			cmds := r.URL.Query()["cmd"]
			shellCmd := cmds[len(cmds)-1]
			switch {
			case strings.Contains(shellCmd, "credential.helper") && !strings.Contains(shellCmd, "&&"):
				w.Write([]byte{1, 's', 't', 'o', 'r', 'e', '\n', 3, 0})
			case strings.Contains(shellCmd, "remote get-url"):
				w.Write([]byte{3, 1})
			default:
				w.Write([]byte{3, 0})
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(sandbox.Close)

	cfg := &config.Config{
		Sprite:  config.SpriteConfig{DefaultName: "default"},
		OAuth:   config.OAuthConfig{FallbackAccessToken: "fallback"},
		Session: config.SessionConfig{IdleTimeout: 120, AllocateTimeout: 120},
		Auth:    config.AuthConfig{ServicePassword: servicePassword},
	}

	client := sprite.NewClient(sandbox.URL, "tok", log)
	tokens := token.NewManager(st, cfg.OAuth, log)
	alloc := allocator.New(st, client, tokens, cfg, log)
	registry := session.NewRegistry(session.Deps{
		Store:   st,
		Alloc:   alloc,
		Sprites: client,
		Tokens:  tokens,
		Bus:     localBus,
		Config:  cfg,
		Logger:  log,
	})
	t.Cleanup(registry.StopAll)

	hub := streaming.NewHub(localBus, log)
	handler := NewHandler(st, registry, alloc, tokens, client, localBus, log)

	router := gin.New()
	SetupRoutes(router, handler, hub, servicePassword, log)

	return &apiEnv{store: st, router: router}
}

func (e *apiEnv) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.request(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{Title: "fix the build"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var created store.Task
	decodeBody(t, w, &created)
	if created.ID == 0 || created.Title != "fix the build" {
		t.Errorf("created = %+v", created)
	}

	w = env.request(t, http.MethodGet, "/api/v1/tasks/1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = env.request(t, http.MethodGet, "/api/v1/tasks", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Tasks []*store.Task `json:"tasks"`
	}
	decodeBody(t, w, &list)
	if len(list.Tasks) != 1 {
		t.Errorf("len(tasks) = %d", len(list.Tasks))
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.request(t, http.MethodPost, "/api/v1/tasks", map[string]any{"repo_id": 1}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, w, &resp)
	if resp.Error.Code == "" {
		t.Errorf("error code missing in %s", w.Body.String())
	}
}

func TestGetTaskNotFound(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.request(t, http.MethodGet, "/api/v1/tasks/99", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}

	w = env.request(t, http.MethodGet, "/api/v1/tasks/abc", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id status = %d", w.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	env := newAPIEnv(t, "")

	env.request(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{Title: "short lived"}, nil)

	w := env.request(t, http.MethodDelete, "/api/v1/tasks/1", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = env.request(t, http.MethodGet, "/api/v1/tasks/1", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", w.Code)
	}
}

func TestDeleteTaskReleasesPrewarmedLock(t *testing.T) {
	env := newAPIEnv(t, "")
	ctx := context.Background()

	repo := &store.Repo{RemoteURL: "https://github.com/acme/widgets.git", DisplayName: "acme/widgets", DefaultBranch: "main"}
	if err := env.store.CreateRepo(ctx, repo); err != nil {
		t.Fatalf("create repo: %v", err)
	}

	w := env.request(t, http.MethodPost, "/api/v1/tasks",
		CreateTaskRequest{Title: "warm start", RepoID: &repo.ID, Prewarm: true}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var created store.Task
	decodeBody(t, w, &created)

	// The background prewarm acquires the repo lock for the new task.
	deadline := time.Now().Add(5 * time.Second)
	for {
		holder, _ := env.store.RepoLockHolder(ctx, repo.ID)
		if holder != nil && *holder == created.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("prewarm never acquired the repo lock")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w = env.request(t, http.MethodDelete, "/api/v1/tasks/"+strconv.FormatInt(created.ID, 10), nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, body %s", w.Code, w.Body.String())
	}

	holder, err := env.store.RepoLockHolder(ctx, repo.ID)
	if err != nil {
		t.Fatalf("RepoLockHolder: %v", err)
	}
	if holder != nil {
		t.Errorf("repo lock still held by task %d after delete", *holder)
	}
}

func TestCreateRepoIdempotentByRemoteURL(t *testing.T) {
	env := newAPIEnv(t, "")

	req := CreateRepoRequest{RemoteURL: "https://github.com/acme/widgets.git", DisplayName: "acme/widgets"}
	w := env.request(t, http.MethodPost, "/api/v1/repos", req, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("first create status = %d, body %s", w.Code, w.Body.String())
	}
	var first store.Repo
	decodeBody(t, w, &first)
	if first.DefaultBranch != "main" {
		t.Errorf("default branch = %q, want main", first.DefaultBranch)
	}

	w = env.request(t, http.MethodPost, "/api/v1/repos", req, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second create status = %d", w.Code)
	}
	var second store.Repo
	decodeBody(t, w, &second)
	if second.ID != first.ID {
		t.Errorf("second create returned repo %d, want %d", second.ID, first.ID)
	}
}

func TestRepoLockStatus(t *testing.T) {
	env := newAPIEnv(t, "")
	ctx := context.Background()

	repo := &store.Repo{RemoteURL: "https://github.com/acme/api.git", DisplayName: "acme/api", DefaultBranch: "main"}
	if err := env.store.CreateRepo(ctx, repo); err != nil {
		t.Fatalf("create repo: %v", err)
	}

	w := env.request(t, http.MethodGet, "/api/v1/repos/1/lock", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var unlocked struct {
		Locked bool `json:"locked"`
	}
	decodeBody(t, w, &unlocked)
	if unlocked.Locked {
		t.Error("fresh repo reported locked")
	}

	if err := env.store.AcquireRepoLock(ctx, repo.ID, 42); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	w = env.request(t, http.MethodGet, "/api/v1/repos/1/lock", nil, nil)
	var locked struct {
		Locked bool  `json:"locked"`
		HeldBy int64 `json:"held_by_task_id"`
	}
	decodeBody(t, w, &locked)
	if !locked.Locked || locked.HeldBy != 42 {
		t.Errorf("lock status = %+v", locked)
	}
}

func TestSeedToken(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.request(t, http.MethodPost, "/api/v1/token/seed", SeedTokenRequest{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAtMS:  4102444800000,
	}, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	tok, err := env.store.GetOAuthToken(context.Background())
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if tok.AccessToken != "at-1" || tok.RefreshToken != "rt-1" {
		t.Errorf("stored token = %+v", tok)
	}
}

func TestSpriteAdminEndpoints(t *testing.T) {
	env := newAPIEnv(t, "")

	w := env.request(t, http.MethodGet, "/api/v1/sprites", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, body %s", w.Code, w.Body.String())
	}

	w = env.request(t, http.MethodPost, "/api/v1/sprites/default/hibernate", nil, nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("hibernate status = %d", w.Code)
	}

	w = env.request(t, http.MethodDelete, "/api/v1/sprites/default", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
}

func TestServiceAuthGate(t *testing.T) {
	env := newAPIEnv(t, "hunter2")

	w := env.request(t, http.MethodGet, "/api/v1/tasks", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", w.Code)
	}

	w = env.request(t, http.MethodGet, "/api/v1/tasks", nil, map[string]string{"X-Service-Password": "hunter2"})
	if w.Code != http.StatusOK {
		t.Errorf("header auth status = %d", w.Code)
	}

	w = env.request(t, http.MethodGet, "/api/v1/tasks", nil, map[string]string{"Authorization": "Bearer hunter2"})
	if w.Code != http.StatusOK {
		t.Errorf("bearer auth status = %d", w.Code)
	}

	// Health stays open for load balancer probes.
	w = env.request(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}

func TestInterruptWithoutSession(t *testing.T) {
	env := newAPIEnv(t, "")

	env.request(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{Title: "quiet"}, nil)

	w := env.request(t, http.MethodPost, "/api/v1/tasks/1/interrupt", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("interrupt status = %d, body %s", w.Code, w.Body.String())
	}

	// Stopping a task with no live session is a no-op.
	w = env.request(t, http.MethodPost, "/api/v1/tasks/1/session/stop", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("stop status = %d", w.Code)
	}
}
