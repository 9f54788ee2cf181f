package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/margin/internal/apperr"
	"github.com/starford/margin/internal/docservice"
	"github.com/starford/margin/internal/index"
	"github.com/starford/margin/internal/storage"
	"github.com/starford/margin/internal/syncer"
	"github.com/starford/margin/internal/testutil"
)

type stubSyncer struct {
	calls []string
	err   error
}

func (s *stubSyncer) StartSync(_ context.Context, uri string) (*syncer.Report, error) {
	s.calls = append(s.calls, "sync:"+uri)
	if s.err != nil {
		return nil, s.err
	}
	return &syncer.Report{SessionID: "s1", Kind: syncer.KindFull, NewDocuments: 2, Jobs: []syncer.JobResult{}}, nil
}

func (s *stubSyncer) SyncModified(context.Context) (*syncer.Report, error) {
	s.calls = append(s.calls, "local")
	return &syncer.Report{SessionID: "s2", Kind: syncer.KindLocal, Jobs: []syncer.JobResult{}}, s.err
}

func (s *stubSyncer) Status() syncer.Status {
	return syncer.Status{Phase: syncer.PhaseIdle}
}

type fixture struct {
	srv   *Server
	store *storage.FS
	db    *index.DB
	sync  *stubSyncer
}

func testServer(t *testing.T) *fixture {
	t.Helper()
	_, store := testutil.TestVault(t)
	db := testutil.TestDB(t)
	sync := &stubSyncer{}
	return &fixture{
		srv:   New(docservice.NewService(store, db), sync, "test"),
		store: store,
		db:    db,
		sync:  sync,
	}
}

func (f *fixture) put(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := f.store.Write(path, data); err != nil {
		t.Fatal(err)
	}
	if _, err := index.IndexFile(f.db, path, data, time.Now()); err != nil {
		t.Fatal(err)
	}
}

// callTool invokes a tool handler directly; mcp-go has no in-process
// "call tool" helper.
func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"search_annotations":  srv.searchAnnotations,
		"list_documents":      srv.listDocuments,
		"get_document":        srv.getDocument,
		"update_document":     srv.updateDocument,
		"get_document_format": srv.getDocumentFormat,
		"sync_now":            srv.syncNow,
		"sync_status":         srv.syncStatus,
	}
	h, ok := handlers[name]
	if !ok {
		t.Fatalf("unknown tool: %s", name)
	}
	result, err := h(ctx, req)
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestGetDocument(t *testing.T) {
	f := testServer(t)
	f.put(t, "h/post.md", testutil.Document("https://example.com/post", "Post", "insightful"))

	r := callTool(t, f.srv, "get_document", map[string]any{"path": "h/post.md"})
	if r.IsError {
		t.Fatalf("get_document error: %s", resultText(r))
	}
	var doc docservice.DocumentDetail
	if err := json.Unmarshal([]byte(resultText(r)), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.URL != "https://example.com/post" || len(doc.Annotations) != 1 {
		t.Errorf("doc = %+v", doc)
	}

	r = callTool(t, f.srv, "get_document", map[string]any{"path": "nope.md"})
	if !r.IsError {
		t.Error("expected error for missing document")
	}
}

func TestUpdateDocument(t *testing.T) {
	f := testServer(t)
	f.put(t, "a.md", testutil.Document("https://a.test", "A", "before"))

	r := callTool(t, f.srv, "update_document", map[string]any{
		"path":    "a.md",
		"content": string(testutil.Document("https://a.test", "A", "after")),
	})
	if r.IsError || !strings.HasPrefix(resultText(r), "updated: a.md") {
		t.Fatalf("update = %q", resultText(r))
	}

	r = callTool(t, f.srv, "update_document", map[string]any{
		"path":     "a.md",
		"content":  string(testutil.Document("https://a.test", "A", "again")),
		"checksum": "stale",
	})
	if !r.IsError {
		t.Error("stale checksum should fail")
	}

	r = callTool(t, f.srv, "update_document", map[string]any{"path": "a.md", "content": "no frontmatter"})
	if !r.IsError {
		t.Error("content without document format should fail")
	}
}

func TestSearchAndList(t *testing.T) {
	f := testServer(t)
	f.put(t, "a.md", testutil.Document("https://a.test", "Alpha", "zeppelin"))
	f.put(t, "b.md", testutil.Document("https://b.test", "Beta", "other"))

	r := callTool(t, f.srv, "search_annotations", map[string]any{"query": "zeppelin"})
	if !strings.Contains(resultText(r), `"path": "a.md"`) {
		t.Errorf("search = %s", resultText(r))
	}

	r = callTool(t, f.srv, "list_documents", map[string]any{"limit": float64(1)})
	var list struct {
		Documents []docservice.DocumentListItem `json:"documents"`
		Total     int                           `json:"total"`
	}
	if err := json.Unmarshal([]byte(resultText(r)), &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 2 || len(list.Documents) != 1 {
		t.Errorf("list total = %d, len = %d", list.Total, len(list.Documents))
	}
}

func TestSyncNow(t *testing.T) {
	f := testServer(t)

	r := callTool(t, f.srv, "sync_now", map[string]any{"uri": "https://a.test"})
	if r.IsError || !strings.Contains(resultText(r), `"new_documents": 2`) {
		t.Errorf("sync_now = %s", resultText(r))
	}
	callTool(t, f.srv, "sync_now", map[string]any{"local": true})
	if len(f.sync.calls) != 2 || f.sync.calls[0] != "sync:https://a.test" || f.sync.calls[1] != "local" {
		t.Errorf("calls = %v", f.sync.calls)
	}

	f.sync.err = apperr.ErrSessionRunning
	r = callTool(t, f.srv, "sync_now", map[string]any{})
	if !r.IsError || !strings.Contains(resultText(r), "already running") {
		t.Errorf("running = %s", resultText(r))
	}
}

func TestSyncStatusAndFormat(t *testing.T) {
	f := testServer(t)
	r := callTool(t, f.srv, "sync_status", map[string]any{})
	if !strings.Contains(resultText(r), `"phase": "idle"`) {
		t.Errorf("status = %s", resultText(r))
	}
	r = callTool(t, f.srv, "get_document_format", map[string]any{})
	if !strings.Contains(resultText(r), "doc_type: hypothesis-highlights") {
		t.Error("format should show the frontmatter")
	}
}
