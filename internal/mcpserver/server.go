// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes margin tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/margin/internal/apperr"
	"github.com/starford/margin/internal/docservice"
	"github.com/starford/margin/internal/syncer"
)

const formatURI = "margin://document-format"

// Syncer runs synchronization sessions.
type Syncer interface {
	StartSync(ctx context.Context, uri string) (*syncer.Report, error)
	SyncModified(ctx context.Context) (*syncer.Report, error)
	Status() syncer.Status
}

// Server wraps the MCP server with margin tools.
type Server struct {
	mcp  *server.MCPServer
	docs *docservice.Service
	sync Syncer
}

// New creates a new MCP server with all margin tools registered.
func New(docs *docservice.Service, sync Syncer, version string) *Server {
	s := &Server{docs: docs, sync: sync}

	s.mcp = server.NewMCPServer(
		"margin",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_annotations",
		mcp.WithDescription("Full-text search through highlighted quotes, notes, tags and document titles."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
	), s.searchAnnotations)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List synchronized documents, most recently updated first."),
		mcp.WithString("state", mcp.Description("Only documents holding an annotation in this state (e.g. UPDATED_LOCAL)")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("get_document",
		mcp.WithDescription("Read a synchronized document: its raw Markdown plus the parsed annotations."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Vault-relative path (e.g. hypothesis/example-post.md)")),
	), s.getDocument)

	s.mcp.AddTool(mcp.NewTool("update_document",
		mcp.WithDescription("Replace the Markdown of a synchronized document. "+
			"Content MUST keep the document format (read it via get_document_format or the "+
			formatURI+" resource). Edited notes and tags are pushed on the next sync."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Vault-relative path")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full new Markdown content")),
		mcp.WithString("checksum", mcp.Description("Checksum from get_document; the update fails if the file changed since")),
	), s.updateDocument)

	s.mcp.AddTool(mcp.NewTool("get_document_format",
		mcp.WithDescription("Returns the Markdown layout of synchronized documents. "+
			"Call this before editing a document."),
	), s.getDocumentFormat)

	s.mcp.AddTool(mcp.NewTool("sync_now",
		mcp.WithDescription("Run a synchronization session and return its report. "+
			"Without arguments fetches everything changed since the last sync."),
		mcp.WithString("uri", mcp.Description("Only synchronize annotations on this source URL")),
		mcp.WithBoolean("local", mcp.Description("Synchronize documents edited in the vault instead")),
	), s.syncNow)

	s.mcp.AddTool(mcp.NewTool("sync_status",
		mcp.WithDescription("Report whether a session is running and the result of the last one."),
	), s.syncStatus)

	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Document Format",
			mcp.WithResourceDescription("Markdown layout that synchronized documents follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) searchAnnotations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.docs.Search(ctx, query, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(results)
}

func (s *Server) listDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, total, err := s.docs.ListDocuments(ctx,
		req.GetInt("limit", 50), req.GetInt("offset", 0), req.GetString("state", ""), "")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"documents": items, "total": total})
}

func (s *Server) getDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.docs.GetDocument(ctx, path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(doc)
}

func (s *Server) updateDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.docs.UpdateDocument(ctx, path, []byte(content), req.GetString("checksum", ""))
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
	case errors.Is(err, apperr.ErrConflict):
		return mcp.NewToolResultError("document changed since it was read; fetch it again"), nil
	case err != nil:
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("updated: %s (checksum %s)", doc.Path, doc.Checksum)), nil
}

func (s *Server) getDocumentFormat(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(DocumentFormat), nil
}

func (s *Server) syncNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		report *syncer.Report
		err    error
	)
	if req.GetBool("local", false) {
		report, err = s.sync.SyncModified(ctx)
	} else {
		report, err = s.sync.StartSync(ctx, req.GetString("uri", ""))
	}
	if err != nil {
		if errors.Is(err, apperr.ErrSessionRunning) {
			return mcp.NewToolResultError("a sync session is already running"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("sync failed: %v", err)), nil
	}
	return jsonResult(report)
}

func (s *Server) syncStatus(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.sync.Status())
}

func (s *Server) readFormatResource(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     DocumentFormat,
		},
	}, nil
}
