package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/starford/margin/internal/apperr"
	"github.com/starford/margin/internal/docservice"
	"github.com/starford/margin/internal/index"
	"github.com/starford/margin/internal/models"
	"github.com/starford/margin/internal/storage"
	"github.com/starford/margin/internal/syncer"
	"github.com/starford/margin/internal/testutil"
)

type fakeSyncer struct {
	mu      sync.Mutex
	calls   []string
	report  *syncer.Report
	err     error
	phase   syncer.Phase
	started chan struct{}
}

func (f *fakeSyncer) record(call string) (*syncer.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	started := f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	return f.report, f.err
}

func (f *fakeSyncer) StartSync(_ context.Context, uri string) (*syncer.Report, error) {
	return f.record("sync:" + uri)
}

func (f *fakeSyncer) SyncModified(context.Context) (*syncer.Report, error) {
	return f.record("local")
}

func (f *fakeSyncer) Status() syncer.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	phase := f.phase
	if phase == "" {
		phase = syncer.PhaseIdle
	}
	return syncer.Status{Phase: phase}
}

type env struct {
	router http.Handler
	store  *storage.FS
	db     *index.DB
	sync   *fakeSyncer
}

// testEnv sets up a temp vault, SQLite DB, service, and router for testing.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) *env {
	t.Helper()
	return testEnvWithSSE(t, authToken != "", authToken, nil)
}

func testEnvWithSSE(t *testing.T, authEnabled bool, token string, sseHandler http.Handler) *env {
	t.Helper()
	_, store := testutil.TestVault(t)
	db := testutil.TestDB(t)
	fs := &fakeSyncer{report: &syncer.Report{SessionID: "s1", Kind: syncer.KindFull, Jobs: []syncer.JobResult{}}}
	docs := docservice.NewService(store, db)
	return &env{
		router: NewRouter(docs, fs, db, authEnabled, token, sseHandler),
		store:  store,
		db:     db,
		sync:   fs,
	}
}

func (e *env) put(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := e.store.Write(path, data); err != nil {
		t.Fatal(err)
	}
	if _, err := index.IndexFile(e.db, path, data, time.Now()); err != nil {
		t.Fatal(err)
	}
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestGetDocument(t *testing.T) {
	e := testEnv(t, "")
	e.put(t, "hypothesis/post.md", testutil.Document("https://example.com/post", "Post", "worth reading"))

	w := e.do(httptest.NewRequest(http.MethodGet, "/documents/hypothesis/post.md", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", w.Code, w.Body.String())
	}
	var doc DocumentDetail
	_ = json.Unmarshal(w.Body.Bytes(), &doc)
	if doc.URL != "https://example.com/post" {
		t.Errorf("url = %q", doc.URL)
	}
	if len(doc.Annotations) != 1 || doc.Annotations[0].Note != "worth reading" {
		t.Errorf("annotations = %+v", doc.Annotations)
	}
	if got := w.Header().Get("ETag"); got != `"`+doc.Checksum+`"` {
		t.Errorf("ETag = %q, want quoted checksum", got)
	}

	// Encoded slashes resolve to the same document.
	w = e.do(httptest.NewRequest(http.MethodGet, "/documents/hypothesis%2Fpost.md", nil))
	if w.Code != http.StatusOK {
		t.Errorf("encoded path status = %d", w.Code)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	e := testEnv(t, "")
	w := e.do(httptest.NewRequest(http.MethodGet, "/documents/missing.md", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	e := testEnv(t, "")
	original := testutil.Document("https://a.test", "A", "v1")
	e.put(t, "a.md", original)

	w := e.do(httptest.NewRequest(http.MethodGet, "/documents/a.md", nil))
	etag := w.Header().Get("ETag")

	body, _ := json.Marshal(UpdateDocumentRequest{Content: string(testutil.Document("https://a.test", "A", "v2"))})
	req := httptest.NewRequest(http.MethodPut, "/documents/a.md", bytes.NewReader(body))
	req.Header.Set("If-Match", etag)
	w = e.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("update with correct checksum = %d, body = %s", w.Code, w.Body.String())
	}
	var updated DocumentDetail
	_ = json.Unmarshal(w.Body.Bytes(), &updated)
	if updated.Annotations[0].Note != "v2" {
		t.Errorf("note = %q, want v2", updated.Annotations[0].Note)
	}

	// Same etag is stale now.
	req = httptest.NewRequest(http.MethodPut, "/documents/a.md", bytes.NewReader(body))
	req.Header.Set("If-Match", etag)
	w = e.do(req)
	if w.Code != http.StatusConflict {
		t.Errorf("stale update = %d, want 409", w.Code)
	}
}

func TestUpdateDocument_Errors(t *testing.T) {
	e := testEnv(t, "")
	e.put(t, "a.md", testutil.Document("https://a.test", "A", "v1"))

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/documents/a.md", "{", http.StatusBadRequest},
		{"empty content", "/documents/a.md", `{"content":""}`, http.StatusBadRequest},
		{"missing", "/documents/nope.md", `{"content":"x"}`, http.StatusNotFound},
		{"not a document", "/documents/a.md", `{"content":"# plain"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(httptest.NewRequest(http.MethodPut, tt.path, bytes.NewBufferString(tt.body)))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestListDocuments(t *testing.T) {
	e := testEnv(t, "")
	for i := range 3 {
		url := fmt.Sprintf("https://example.com/%d", i)
		e.put(t, fmt.Sprintf("doc%d.md", i), testutil.Document(url, fmt.Sprintf("Doc %d", i), "n"))
	}

	w := e.do(httptest.NewRequest(http.MethodGet, "/documents?limit=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var resp DocumentListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 3 || len(resp.Documents) != 2 {
		t.Errorf("total = %d, len = %d, want 3, 2", resp.Total, len(resp.Documents))
	}

	w = e.do(httptest.NewRequest(http.MethodGet, "/documents?state=UPDATED_LOCAL", nil))
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 0 {
		t.Errorf("UPDATED_LOCAL total = %d, want 0", resp.Total)
	}
}

func TestSearchEndpoint(t *testing.T) {
	e := testEnv(t, "")
	e.put(t, "s.md", testutil.Document("https://s.test", "Searchable", "xylophone"))

	w := e.do(httptest.NewRequest(http.MethodGet, "/search?q=xylophone", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d", w.Code)
	}
	var resp SearchResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) == 0 || resp.Results[0].Path != "s.md" {
		t.Errorf("results = %+v", resp.Results)
	}

	w = e.do(httptest.NewRequest(http.MethodGet, "/search", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("search no query = %d, want 400", w.Code)
	}
}

func TestStartSync_Wait(t *testing.T) {
	e := testEnv(t, "")

	w := e.do(httptest.NewRequest(http.MethodPost, "/sync?wait=true&uri=https://a.test", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("sync = %d, body = %s", w.Code, w.Body.String())
	}
	var report syncer.Report
	_ = json.Unmarshal(w.Body.Bytes(), &report)
	if report.SessionID != "s1" {
		t.Errorf("session = %q", report.SessionID)
	}
	if len(e.sync.calls) != 1 || e.sync.calls[0] != "sync:https://a.test" {
		t.Errorf("calls = %v", e.sync.calls)
	}
}

func TestStartSync_BodyTarget(t *testing.T) {
	e := testEnv(t, "")
	body, _ := json.Marshal(SyncRequest{URI: "https://b.test"})
	w := e.do(httptest.NewRequest(http.MethodPost, "/sync?wait=1", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("sync = %d", w.Code)
	}
	if e.sync.calls[0] != "sync:https://b.test" {
		t.Errorf("calls = %v", e.sync.calls)
	}
}

func TestStartSync_Background(t *testing.T) {
	e := testEnv(t, "")
	e.sync.started = make(chan struct{}, 1)

	w := e.do(httptest.NewRequest(http.MethodPost, "/sync", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("sync = %d, want 202", w.Code)
	}
	var resp SyncAccepted
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Kind != "full" {
		t.Errorf("kind = %q, want full", resp.Kind)
	}

	select {
	case <-e.sync.started:
	case <-time.After(2 * time.Second):
		t.Fatal("background session never started")
	}
}

func TestStartSync_AlreadyRunning(t *testing.T) {
	e := testEnv(t, "")
	e.sync.phase = syncer.PhaseSyncing

	w := e.do(httptest.NewRequest(http.MethodPost, "/sync", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("background while running = %d, want 409", w.Code)
	}

	e.sync.err = apperr.ErrSessionRunning
	w = e.do(httptest.NewRequest(http.MethodPost, "/sync/local?wait=true", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("wait while running = %d, want 409", w.Code)
	}
}

func TestStartSync_RemoteFailure(t *testing.T) {
	e := testEnv(t, "")
	e.sync.err = fmt.Errorf("hypothesis: profile: %w", apperr.ErrUnauthorized)

	w := e.do(httptest.NewRequest(http.MethodPost, "/sync?wait=true", nil))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}

	e.sync.err = errors.New("boom")
	w = e.do(httptest.NewRequest(http.MethodPost, "/sync?wait=true", nil))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestStatus(t *testing.T) {
	e := testEnv(t, "")
	ctx := context.Background()
	synced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := e.db.SetLastSync(ctx, synced); err != nil {
		t.Fatal(err)
	}
	e.put(t, "a.md", testutil.Document("https://a.test", "A", "n"))

	w := e.do(httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp StatusResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Phase != syncer.PhaseIdle {
		t.Errorf("phase = %q, want idle", resp.Phase)
	}
	if resp.LastSync == nil || !resp.LastSync.Equal(synced) {
		t.Errorf("last_sync = %v, want %v", resp.LastSync, synced)
	}
	if resp.States["SYNCHRONIZED"] != 1 {
		t.Errorf("states = %v", resp.States)
	}
}

func TestSessions(t *testing.T) {
	e := testEnv(t, "")
	ctx := context.Background()
	for i := range 2 {
		r := &syncer.Report{
			SessionID:    fmt.Sprintf("s%d", i),
			Kind:         syncer.KindFull,
			Started:      time.Date(2026, 3, 1, i, 0, 0, 0, time.UTC),
			Finished:     time.Date(2026, 3, 1, i, 1, 0, 0, time.UTC),
			NewDocuments: 1,
			Jobs:         []syncer.JobResult{},
		}
		if err := e.db.RecordSession(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	w := e.do(httptest.NewRequest(http.MethodGet, "/sessions?limit=1", nil))
	var resp SessionsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Sessions) != 1 || resp.Sessions[0].SessionID != "s1" {
		t.Errorf("sessions = %+v, want newest only", resp.Sessions)
	}
}

func TestGroups(t *testing.T) {
	e := testEnv(t, "")
	ctx := context.Background()
	if _, err := e.db.SelectedGroups(ctx, []models.Group{{ID: "g1", Name: "Team"}}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPut, "/groups/g1", bytes.NewBufferString(`{"selected":false}`))
	if w := e.do(req); w.Code != http.StatusNoContent {
		t.Fatalf("select = %d, body = %s", w.Code, w.Body.String())
	}

	w := e.do(httptest.NewRequest(http.MethodGet, "/groups", nil))
	var resp GroupsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Groups) != 1 || resp.Groups[0].Selected {
		t.Errorf("groups = %+v, want g1 deselected", resp.Groups)
	}

	req = httptest.NewRequest(http.MethodPut, "/groups/unknown", bytes.NewBufferString(`{"selected":true}`))
	if w := e.do(req); w.Code != http.StatusNotFound {
		t.Errorf("unknown group = %d, want 404", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		header  string
		want    int
	}{
		{"valid token", true, "Bearer secret", http.StatusOK},
		{"missing token", true, "", http.StatusUnauthorized},
		{"wrong token", true, "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", true, "Basic secret", http.StatusUnauthorized},
		{"disabled", false, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEnvWithSSE(t, tt.enabled, "secret", nil)
			req := httptest.NewRequest(http.MethodGet, "/documents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if w := e.do(req); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// Minimal SSE handler stub that writes headers and blocks until context done.
var sseStub = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	e := testEnvWithSSE(t, true, "secret", sseStub)

	w := e.do(httptest.NewRequest(http.MethodGet, "/events", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	e := testEnvWithSSE(t, true, "tok", sseStub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := e.do(req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}
