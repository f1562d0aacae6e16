package allocator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spritehub/spritehub/internal/common/config"
	apperrors "github.com/spritehub/spritehub/internal/common/errors"
	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/sprite"
	"github.com/spritehub/spritehub/internal/store"
)

type staticTokens string

func (t staticTokens) GetAccessToken(ctx context.Context) (string, error) {
	return string(t), nil
}

// fakeSprite scripts the remote sandbox API: creation always succeeds,
// exec responses are derived from the shell command text.
type fakeSprite struct {
	mu        sync.Mutex
	creates   int
	commands  []string
	cloneGate chan struct{}
	cloneExit byte
	srv       *httptest.Server
}

func newFakeSprite(t *testing.T) *fakeSprite {
	t.Helper()
	f := &fakeSprite{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSprite) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/sprites":
		f.mu.Lock()
		f.creates++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"name": "default"})

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/exec"):
		cmds := r.URL.Query()["cmd"]
		shellCmd := cmds[len(cmds)-1]
		f.mu.Lock()
		f.commands = append(f.commands, shellCmd)
		gate := f.cloneGate
		exit := f.cloneExit
		f.mu.Unlock()

		switch {
		case strings.Contains(shellCmd, "credential.helper") && !strings.Contains(shellCmd, "&&"):
			writeFramed(w, "store\n", "", 0)
		case strings.Contains(shellCmd, "remote get-url"):
			writeFramed(w, "", "", 1)
		case strings.Contains(shellCmd, "git clone"):
			if gate != nil {
				<-gate
			}
			if exit != 0 {
				writeFramed(w, "", "fatal: could not read from remote\n", exit)
				return
			}
			writeFramed(w, "", "", 0)
		default:
			writeFramed(w, "", "", 0)
		}

	default:
		json.NewEncoder(w).Encode(map[string]string{"name": "default"})
	}
}

func writeFramed(w http.ResponseWriter, stdout, stderr string, exit byte) {
	if stdout != "" {
		w.Write(append([]byte{1}, stdout...))
	}
	if stderr != "" {
		w.Write(append([]byte{2}, stderr...))
	}
	w.Write([]byte{3, exit})
}

func (f *fakeSprite) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeSprite) commandCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func newTestAllocator(t *testing.T, f *fakeSprite) (*Allocator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := &config.Config{
		Sprite:  config.SpriteConfig{DefaultName: "default"},
		GitHub:  config.GitHubConfig{Token: "gh-token"},
		Session: config.SessionConfig{AllocateTimeout: 120, IdleTimeout: 120},
	}
	client := sprite.NewClient(f.srv.URL, "test-token", logger.NewNop())
	return New(st, client, staticTokens("oauth-token"), cfg, logger.NewNop()), st
}

func mustCreateTaskWithRepo(t *testing.T, st *store.MemoryStore) (*store.Task, *store.Repo) {
	t.Helper()
	ctx := context.Background()
	repo := &store.Repo{
		RemoteURL:     "https://github.com/acme/widgets.git",
		DisplayName:   "acme/widgets",
		DefaultBranch: "main",
	}
	if err := st.CreateRepo(ctx, repo); err != nil {
		t.Fatalf("create repo: %v", err)
	}
	task := &store.Task{Title: "test", Status: store.TaskStatusActive, RepoID: &repo.ID}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task, repo
}

func TestAllocateWithoutRepo(t *testing.T) {
	f := newFakeSprite(t)
	a, st := newTestAllocator(t, f)

	task := &store.Task{Title: "no repo", Status: store.TaskStatusActive}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	res, err := a.Allocate(context.Background(), task)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.SandboxName != "default" || res.WorkingDir != "/home/sprite" {
		t.Errorf("result = %+v", res)
	}
	if f.createCount() != 1 {
		t.Errorf("create count = %d", f.createCount())
	}
}

func TestAllocateClonesAndLocks(t *testing.T) {
	f := newFakeSprite(t)
	a, st := newTestAllocator(t, f)
	task, repo := mustCreateTaskWithRepo(t, st)

	res, err := a.Allocate(context.Background(), task)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.WorkingDir != "/home/sprite/repos/acme/widgets" {
		t.Errorf("working dir = %q", res.WorkingDir)
	}
	if f.commandCount("git clone") != 1 {
		t.Errorf("clone count = %d", f.commandCount("git clone"))
	}

	holder, err := st.RepoLockHolder(context.Background(), repo.ID)
	if err != nil {
		t.Fatalf("RepoLockHolder: %v", err)
	}
	if holder == nil || *holder != task.ID {
		t.Errorf("lock holder = %v", holder)
	}

	// Second allocate is a no-op returning the existing allocation.
	again, err := a.Allocate(context.Background(), task)
	if err != nil || again.WorkingDir != res.WorkingDir {
		t.Errorf("re-allocate = %+v, %v", again, err)
	}
	if f.commandCount("git clone") != 1 {
		t.Errorf("clone count after re-allocate = %d", f.commandCount("git clone"))
	}
}

func TestAllocateRepoContention(t *testing.T) {
	f := newFakeSprite(t)
	a, st := newTestAllocator(t, f)
	t1, repo := mustCreateTaskWithRepo(t, st)

	if _, err := a.Allocate(context.Background(), t1); err != nil {
		t.Fatalf("Allocate t1: %v", err)
	}
	setupCalls := f.createCount()

	t2 := &store.Task{Title: "contender", Status: store.TaskStatusActive, RepoID: &repo.ID}
	if err := st.CreateTask(context.Background(), t2); err != nil {
		t.Fatalf("create t2: %v", err)
	}

	_, err := a.Allocate(context.Background(), t2)
	if err == nil {
		t.Fatal("expected repo_locked error")
	}
	if !apperrors.IsRepoLocked(err) {
		t.Errorf("err = %v", err)
	}

	// The loser never reaches sandbox setup.
	if f.createCount() != setupCalls {
		t.Errorf("create count = %d, want %d", f.createCount(), setupCalls)
	}

	holder, _ := st.RepoLockHolder(context.Background(), repo.ID)
	if holder == nil || *holder != t1.ID {
		t.Errorf("lock holder = %v, want %d", holder, t1.ID)
	}
}

func TestPrewarmRaceJoinsInFlightSetup(t *testing.T) {
	f := newFakeSprite(t)
	f.cloneGate = make(chan struct{})
	a, st := newTestAllocator(t, f)
	task, _ := mustCreateTaskWithRepo(t, st)

	a.Prewarm(task)

	// Wait for the prewarm to reach the gated clone.
	deadline := time.Now().Add(2 * time.Second)
	for f.commandCount("git clone") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("prewarm never reached clone")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan *Result, 1)
	go func() {
		res, err := a.Allocate(context.Background(), task)
		if err != nil {
			t.Errorf("Allocate: %v", err)
			done <- nil
			return
		}
		done <- res
	}()

	// Give the synchronous call time to enqueue as a waiter, then let the
	// prewarm finish.
	time.Sleep(20 * time.Millisecond)
	close(f.cloneGate)

	select {
	case res := <-done:
		if res == nil {
			t.Fatal("allocate failed")
		}
		if res.WorkingDir != "/home/sprite/repos/acme/widgets" {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("allocate did not complete")
	}

	if f.commandCount("git clone") != 1 {
		t.Errorf("clone count = %d, want 1 (shared setup)", f.commandCount("git clone"))
	}

	// One consumer: the cache must not retain the entry.
	a.mu.Lock()
	_, cached := a.prewarmCache[task.ID]
	a.mu.Unlock()
	if cached {
		t.Error("prewarm cache retained a consumed result")
	}
}

func TestPrewarmCacheConsumedBySyncAllocate(t *testing.T) {
	f := newFakeSprite(t)
	a, st := newTestAllocator(t, f)
	task, _ := mustCreateTaskWithRepo(t, st)

	a.Prewarm(task)

	deadline := time.Now().Add(2 * time.Second)
	for {
		a.mu.Lock()
		_, cached := a.prewarmCache[task.ID]
		a.mu.Unlock()
		if cached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("prewarm never cached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, err := a.Allocate(context.Background(), task)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.WorkingDir != "/home/sprite/repos/acme/widgets" {
		t.Errorf("result = %+v", res)
	}
	if f.commandCount("git clone") != 1 {
		t.Errorf("clone count = %d, want 1", f.commandCount("git clone"))
	}
}

func TestPrewarmFailureReleasesLockAndErrorsWaiters(t *testing.T) {
	f := newFakeSprite(t)
	f.cloneGate = make(chan struct{})
	f.cloneExit = 128
	a, st := newTestAllocator(t, f)
	task, repo := mustCreateTaskWithRepo(t, st)

	a.Prewarm(task)

	deadline := time.Now().Add(2 * time.Second)
	for f.commandCount("git clone") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("prewarm never reached clone")
		}
		time.Sleep(5 * time.Millisecond)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Allocate(context.Background(), task)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(f.cloneGate)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected prewarm failure to propagate")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received the error")
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		holder, err := st.RepoLockHolder(context.Background(), repo.ID)
		if err != nil {
			t.Fatalf("RepoLockHolder: %v", err)
		}
		if holder == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("lock still held by %d", *holder)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReleaseDropsAllocationAndLock(t *testing.T) {
	f := newFakeSprite(t)
	a, st := newTestAllocator(t, f)
	task, repo := mustCreateTaskWithRepo(t, st)

	if _, err := a.Allocate(context.Background(), task); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Release(context.Background(), task); err != nil {
		t.Fatalf("Release: %v", err)
	}

	holder, _ := st.RepoLockHolder(context.Background(), repo.ID)
	if holder != nil {
		t.Errorf("lock holder = %v after release", holder)
	}

	// Releasing again is harmless.
	if err := a.Release(context.Background(), task); err != nil {
		t.Errorf("second Release: %v", err)
	}

	// A fresh allocate runs setup again.
	if _, err := a.Allocate(context.Background(), task); err != nil {
		t.Fatalf("re-Allocate: %v", err)
	}
	if f.commandCount("git clone") != 2 {
		t.Errorf("clone count = %d, want 2", f.commandCount("git clone"))
	}
}

func TestRecoverLocksSweepsOrphans(t *testing.T) {
	f := newFakeSprite(t)
	a, st := newTestAllocator(t, f)
	_, repo := mustCreateTaskWithRepo(t, st)

	orphan := &store.Task{Title: "orphan", Status: store.TaskStatusActive, RepoID: &repo.ID}
	if err := st.CreateTask(context.Background(), orphan); err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	if err := st.AcquireRepoLock(context.Background(), repo.ID, orphan.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	released, err := a.RecoverLocks(context.Background())
	if err != nil {
		t.Fatalf("RecoverLocks: %v", err)
	}
	if released != 1 {
		t.Errorf("released = %d", released)
	}

	holder, _ := st.RepoLockHolder(context.Background(), repo.ID)
	if holder != nil {
		t.Errorf("lock holder = %v after sweep", holder)
	}
}

func TestWorkingDirFor(t *testing.T) {
	if wd := WorkingDirFor(nil); wd != "/home/sprite" {
		t.Errorf("nil repo wd = %q", wd)
	}
	repo := &store.Repo{DisplayName: "acme/widgets"}
	if wd := WorkingDirFor(repo); wd != "/home/sprite/repos/acme/widgets" {
		t.Errorf("repo wd = %q", wd)
	}
}

func TestNormalizeRemoteURL(t *testing.T) {
	cases := map[string]string{
		"https://github.com/Acme/Widgets.git":  "https://github.com/acme/widgets",
		"https://github.com/acme/widgets/":     "https://github.com/acme/widgets",
		"https://github.com/acme/widgets.git/": "https://github.com/acme/widgets",
	}
	for in, want := range cases {
		if got := normalizeRemoteURL(in); got != want {
			t.Errorf("normalizeRemoteURL(%q) = %q, want %q", in, got, want)
		}
	}
}
