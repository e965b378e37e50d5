package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/Sternrassler/shellcache/internal/testutil"
	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/config"
	"github.com/Sternrassler/shellcache/pkg/network"
)

type harness struct {
	mock    *testutil.MockOrigin
	storage *testutil.RecordingStorage
	worker  *Worker
}

func newHarness(t *testing.T, policy config.Policy) *harness {
	t.Helper()
	mock := testutil.NewMockOrigin()
	t.Cleanup(mock.Close)

	fetcher, err := network.NewHTTPFetcher(network.DefaultConfig(mock.Origin()))
	if err != nil {
		t.Fatalf("NewHTTPFetcher() error = %v", err)
	}
	fetcher.SetHTTPClient(mock.Client())

	storage := testutil.NewRecordingStorage(nil)
	w, err := New(policy, Deps{Storage: storage, Fetcher: fetcher, Origin: mock.Origin()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{mock: mock, storage: storage, worker: w}
}

func shellPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.AppShell = []string{"/offline.html", "/js/app.js"}
	return p
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.worker.OnInstall(ctx); err != nil {
		t.Fatalf("OnInstall() error = %v", err)
	}
	if err := h.worker.OnActivate(ctx); err != nil {
		t.Fatalf("OnActivate() error = %v", err)
	}
}

func (h *harness) intercept(t *testing.T, path string, dest Destination) *http.Response {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, h.mock.URL()+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if dest != DestinationEmpty {
		r.Header.Set("Sec-Fetch-Dest", string(dest))
	}
	if dest == DestinationDocument {
		r.Header.Set("Accept", "text/html")
	}
	resp, err := h.worker.OnIntercept(context.Background(), NewRequest(r))
	if err != nil {
		t.Fatalf("OnIntercept(%s) error = %v", path, err)
	}
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestNew_Validation(t *testing.T) {
	mock := testutil.NewMockOrigin()
	defer mock.Close()
	fetcher, _ := network.NewHTTPFetcher(network.DefaultConfig(mock.Origin()))
	storage := cache.NewMemoryStorage()

	bad := config.DefaultPolicy()
	bad.DynamicLimit = 0

	tests := []struct {
		name   string
		policy config.Policy
		deps   Deps
	}{
		{name: "invalid policy", policy: bad, deps: Deps{Storage: storage, Fetcher: fetcher, Origin: mock.Origin()}},
		{name: "missing storage", policy: config.DefaultPolicy(), deps: Deps{Fetcher: fetcher, Origin: mock.Origin()}},
		{name: "missing fetcher", policy: config.DefaultPolicy(), deps: Deps{Storage: storage, Origin: mock.Origin()}},
		{name: "missing origin", policy: config.DefaultPolicy(), deps: Deps{Storage: storage, Fetcher: fetcher}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.policy, tt.deps); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWorker_Lifecycle(t *testing.T) {
	h := newHarness(t, shellPolicy())
	ctx := context.Background()

	if h.worker.State() != StateParsed {
		t.Fatalf("initial state = %s, want parsed", h.worker.State())
	}
	if err := h.worker.OnActivate(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("OnActivate() before install err = %v, want ErrInvalidState", err)
	}

	if err := h.worker.OnInstall(ctx); err != nil {
		t.Fatalf("OnInstall() error = %v", err)
	}
	if h.worker.State() != StateInstalled {
		t.Errorf("state = %s, want installed", h.worker.State())
	}
	if !h.worker.SkipWaiting() {
		t.Error("install should request skip waiting")
	}
	if h.worker.Controlling() {
		t.Error("installed worker must not control yet")
	}
	if err := h.worker.OnInstall(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second OnInstall() err = %v, want ErrInvalidState", err)
	}

	if err := h.worker.OnActivate(ctx); err != nil {
		t.Fatalf("OnActivate() error = %v", err)
	}
	if h.worker.State() != StateActivated || !h.worker.Controlling() {
		t.Errorf("state = %s controlling = %v, want activated and controlling", h.worker.State(), h.worker.Controlling())
	}
	if err := h.worker.OnActivate(ctx); err != nil {
		t.Errorf("repeated OnActivate() error = %v, want nil", err)
	}
}

func TestWorker_InstallSurvivesOffline(t *testing.T) {
	h := newHarness(t, shellPolicy())
	h.mock.SetOffline(true)

	if err := h.worker.OnInstall(context.Background()); err != nil {
		t.Fatalf("OnInstall() error = %v", err)
	}
	report := h.worker.LastInstall()
	if len(report.Failed) != 2 {
		t.Errorf("Failed = %v, want both paths", report.Failed)
	}
	if h.worker.State() != StateInstalled {
		t.Errorf("state = %s, want installed", h.worker.State())
	}
}

func TestWorker_NotControllingPassesThrough(t *testing.T) {
	h := newHarness(t, shellPolicy())
	h.mock.SetResponse("/js/app.js", testutil.NewScriptResponse("app()"))

	if resp := h.intercept(t, "/js/app.js", DestinationScript); resp != nil {
		t.Error("worker that is not controlling must pass requests through")
	}
	if err := h.worker.OnInstall(context.Background()); err != nil {
		t.Fatal(err)
	}
	if resp := h.intercept(t, "/js/app.js", DestinationScript); resp != nil {
		t.Error("installed worker must pass requests through")
	}
}

func TestWorker_NeverCacheTouchesNoPartition(t *testing.T) {
	h := newHarness(t, shellPolicy())
	h.start(t)

	before := h.storage.Accesses()

	paths := []struct {
		path string
		dest Destination
	}{
		{"/api/users", DestinationEmpty},
		{"/auth/callback", DestinationDocument},
		{"/admin/settings", DestinationDocument},
		{"/images/sockjs-node/info.png", DestinationImage},
	}
	for _, p := range paths {
		if resp := h.intercept(t, p.path, p.dest); resp != nil {
			t.Errorf("%s: expected pass-through", p.path)
		}
	}

	if after := h.storage.Accesses(); after != before {
		t.Errorf("storage accesses = %d, want %d (no partition access)", after, before)
	}
}

func TestWorker_AppJSScenario(t *testing.T) {
	h := newHarness(t, func() config.Policy {
		p := shellPolicy()
		p.AppShell = nil
		return p
	}())
	h.mock.SetResponse("/app.js", testutil.NewScriptResponse("console.log('app')"))
	h.start(t)

	resp := h.intercept(t, "/app.js", DestinationScript)
	if resp == nil {
		t.Fatal("expected a response")
	}
	if got := body(t, resp); got != "console.log('app')" {
		t.Errorf("body = %q", got)
	}

	shell, _ := h.storage.Open(context.Background(), "app-shell-v1")
	keys, _ := shell.Keys(context.Background())
	if len(keys) != 1 || keys[0] != "GET:"+h.mock.URL()+"/app.js" {
		t.Errorf("shell keys = %v, want the app.js key", keys)
	}

	// Round trip: served from the partition without a network call
	h.mock.SetOffline(true)
	resp = h.intercept(t, "/app.js", DestinationScript)
	if got := body(t, resp); got != "console.log('app')" {
		t.Errorf("cached body = %q", got)
	}
	if n := h.mock.RequestCount("/app.js"); n != 1 {
		t.Errorf("origin requests = %d, want 1", n)
	}
}

func TestWorker_OfflineNavigationScenario(t *testing.T) {
	h := newHarness(t, shellPolicy())
	h.mock.SetResponse("/offline.html", testutil.NewHTMLResponse("<html>offline</html>"))
	h.start(t)

	h.mock.SetOffline(true)
	resp := h.intercept(t, "/", DestinationDocument)
	if resp == nil {
		t.Fatal("expected a response")
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := body(t, resp); got != "<html>offline</html>" {
		t.Errorf("body = %q, want the cached offline page", got)
	}
}

func TestWorker_StaticNetworkFailure(t *testing.T) {
	h := newHarness(t, shellPolicy())
	h.start(t)
	h.mock.SetOffline(true)

	r, _ := http.NewRequest(http.MethodGet, h.mock.URL()+"/css/missing.css", nil)
	r.Header.Set("Sec-Fetch-Dest", "style")
	resp, err := h.worker.OnIntercept(context.Background(), NewRequest(r))
	if resp != nil {
		t.Error("expected no response")
	}
	if !errors.Is(err, network.ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
}

func TestWorker_DynamicBoundScenario(t *testing.T) {
	h := newHarness(t, shellPolicy())
	for i := 0; i < 51; i++ {
		h.mock.SetResponse(fmt.Sprintf("/uploads/%d.png", i), testutil.NewImageResponse(fmt.Sprintf("png-%d", i)))
	}
	h.start(t)

	ctx := context.Background()
	dynamic, _ := h.storage.Open(ctx, "dynamic-v1")

	for i := 0; i < 50; i++ {
		body(t, h.intercept(t, fmt.Sprintf("/uploads/%d.png", i), DestinationImage))
	}
	if n, _ := dynamic.Len(ctx); n != 50 {
		t.Fatalf("count after 50 insertions = %d, want 50", n)
	}

	body(t, h.intercept(t, "/uploads/50.png", DestinationImage))

	if n, _ := dynamic.Len(ctx); n != 50 {
		t.Errorf("count after 51st insertion = %d, want 50", n)
	}
	keys, _ := dynamic.Keys(ctx)
	oldest := "GET:" + h.mock.URL() + "/uploads/0.png"
	for _, k := range keys {
		if k == oldest {
			t.Error("oldest entry should have been evicted")
		}
	}
	if keys[len(keys)-1] != "GET:"+h.mock.URL()+"/uploads/50.png" {
		t.Errorf("newest key = %q", keys[len(keys)-1])
	}
}

func TestWorker_ActivationScenario(t *testing.T) {
	h := newHarness(t, shellPolicy())
	ctx := context.Background()
	for _, name := range []string{"app-shell-v0", "dynamic-v0", "dynamic-v1", "legacy"} {
		h.storage.Open(ctx, name)
	}
	h.start(t)

	names, _ := h.storage.Names(ctx)
	want := map[string]bool{"app-shell-v1": true, "dynamic-v1": true}
	if len(names) != 2 {
		t.Fatalf("partitions = %v, want [app-shell-v1 dynamic-v1]", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected partition %q", n)
		}
	}
}

func TestWorker_Messages(t *testing.T) {
	ctx := context.Background()

	t.Run("skip waiting activates installed worker", func(t *testing.T) {
		h := newHarness(t, shellPolicy())
		if err := h.worker.OnInstall(ctx); err != nil {
			t.Fatal(err)
		}
		if err := h.worker.OnMessage(ctx, Message{Type: MessageSkipWaiting}); err != nil {
			t.Fatalf("OnMessage() error = %v", err)
		}
		if !h.worker.Controlling() {
			t.Error("worker should be controlling after SKIP_WAITING")
		}
	})

	t.Run("skip waiting before install only records intent", func(t *testing.T) {
		h := newHarness(t, shellPolicy())
		if err := h.worker.OnMessage(ctx, Message{Type: MessageSkipWaiting}); err != nil {
			t.Fatalf("OnMessage() error = %v", err)
		}
		if h.worker.State() != StateParsed || !h.worker.SkipWaiting() {
			t.Errorf("state = %s skipWaiting = %v", h.worker.State(), h.worker.SkipWaiting())
		}
	})

	t.Run("clear cache deletes partition", func(t *testing.T) {
		h := newHarness(t, shellPolicy())
		h.start(t)
		h.storage.Open(ctx, "dynamic-v1")

		if err := h.worker.OnMessage(ctx, Message{Type: MessageClearCache, Payload: "dynamic-v1"}); err != nil {
			t.Fatalf("OnMessage() error = %v", err)
		}
		if ok, _ := h.storage.Has(ctx, "dynamic-v1"); ok {
			t.Error("dynamic-v1 should be deleted")
		}
		if ok, _ := h.storage.Has(ctx, "app-shell-v1"); !ok {
			t.Error("app-shell-v1 should be kept")
		}
	})

	t.Run("unknown message", func(t *testing.T) {
		h := newHarness(t, shellPolicy())
		if err := h.worker.OnMessage(ctx, Message{Type: "PING"}); !errors.Is(err, ErrUnknownMessage) {
			t.Errorf("err = %v, want ErrUnknownMessage", err)
		}
	})
}

func TestState_String(t *testing.T) {
	want := []string{"parsed", "installing", "installed", "activating", "activated"}
	for i, s := range []State{StateParsed, StateInstalling, StateInstalled, StateActivating, StateActivated} {
		if s.String() != want[i] {
			t.Errorf("State(%d) = %q, want %q", i, s.String(), want[i])
		}
	}
}
