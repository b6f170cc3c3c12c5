// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Pinnote tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/pinnote/internal/apperr"
	"github.com/starford/pinnote/internal/models"
	"github.com/starford/pinnote/internal/noteservice"
	"github.com/starford/pinnote/internal/registry"
	"github.com/starford/pinnote/internal/search"
)

const searchHelpURI = "pinnote://search-help"

// SearchHelp describes the query semantics to clients.
const SearchHelp = `# Pinnote search

A query is matched against note tags and note content.

- Tags: a tag matches when it contains the query (or equals it with exact=true).
  A leading '#' in the query is ignored. An exact tag hit scores 1.0, a tag
  starting with the query 0.9, a tag ending with it 0.7, any other hit 0.5.
- Content: the query is split into words; words shorter than three letters
  and common stop words are ignored. A note matches when it contains at least
  one query word. Short notes and verbatim phrase hits score higher.
- Results are ordered by score, then by most recently modified.
`

// Server wraps the MCP server with Pinnote tools.
type Server struct {
	mcp *server.MCPServer
	svc *noteservice.Service
}

// New creates a new MCP server with all Pinnote tools registered.
func New(svc *noteservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Pinnote",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Search notes by tags and content. See the "+searchHelpURI+" resource for scoring rules."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithBoolean("match_content", mcp.Description("Match note content (default true)")),
		mcp.WithBoolean("match_tags", mcp.Description("Match note tags (default true)")),
		mcp.WithBoolean("case_sensitive", mcp.Description("Case-sensitive tag matching")),
		mcp.WithBoolean("exact", mcp.Description("Require whole-tag matches")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List visible notes, newest first."),
		mcp.WithString("tag", mcp.Description("Optional tag to filter by")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a note as JSON."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a new note."),
		mcp.WithString("id", mcp.Description("Optional id; generated when empty")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Note text")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("update_note",
		mcp.WithDescription("Replace the content and/or tags of a note. Omitted fields stay unchanged."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
		mcp.WithString("content", mcp.Description("New note text")),
		mcp.WithString("tags", mcp.Description("New comma-separated tags; empty string clears them")),
	), s.updateNote)

	s.mcp.AddTool(mcp.NewTool("delete_note",
		mcp.WithDescription("Delete a note. Deleted ids cannot be reused."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.deleteNote)

	s.mcp.AddResource(
		mcp.NewResource(searchHelpURI, "Search Help",
			mcp.WithResourceDescription("How Pinnote matches and ranks search results."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readSearchHelp,
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

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := search.Options{
		MatchContent:  req.GetBool("match_content", true),
		MatchTags:     req.GetBool("match_tags", true),
		CaseSensitive: req.GetBool("case_sensitive", false),
		ExactMatch:    req.GetBool("exact", false),
		Limit:         req.GetInt("limit", 20),
	}
	results := s.svc.Search(ctx, query, opts)
	if len(results) == 0 {
		return mcp.NewToolResultText("no matching notes"), nil
	}
	return jsonResult(results)
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tag := models.NormalizeTag(req.GetString("tag", ""))
	var lines []string
	for _, n := range s.svc.ListVisible(ctx) {
		if tag != "" && !hasTag(n, tag) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s", n.ID, strings.Join(n.Tags, ","), firstLine(n.Content)))
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText("no notes"), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.GetNote(ctx, id)
	if err != nil {
		return toolError(id, err), nil
	}
	return jsonResult(n)
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p := registry.Patch{Content: &content}
	if raw := req.GetString("tags", ""); raw != "" {
		tags := splitTags(raw)
		p.Tags = &tags
	}
	n, err := s.svc.CreateNote(ctx, req.GetString("id", ""), p)
	if err != nil {
		return toolError(req.GetString("id", ""), err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", n.ID)), nil
}

func (s *Server) updateNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args := req.GetArguments()
	var p registry.Patch
	if v, ok := args["content"].(string); ok {
		p.Content = &v
	}
	if v, ok := args["tags"].(string); ok {
		tags := splitTags(v)
		p.Tags = &tags
	}
	if p.Content == nil && p.Tags == nil {
		return mcp.NewToolResultError("nothing to update: pass content or tags"), nil
	}
	n, err := s.svc.UpdateNote(ctx, id, p, 0)
	if err != nil {
		return toolError(id, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("updated: %s (last_modified %d)", n.ID, n.LastModified)), nil
}

func (s *Server) deleteNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.DeleteNote(ctx, id); err != nil {
		return toolError(id, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", id)), nil
}

func (s *Server) readSearchHelp(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      searchHelpURI,
			MIMEType: "text/markdown",
			Text:     SearchHelp,
		},
	}, nil
}

func toolError(id string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id))
	case errors.Is(err, apperr.ErrRemoved):
		return mcp.NewToolResultError(fmt.Sprintf("deleted: %s", id))
	case errors.Is(err, apperr.ErrAlreadyExists):
		return mcp.NewToolResultError(fmt.Sprintf("note already exists: %s", id))
	case errors.Is(err, models.ErrInvalidID):
		return mcp.NewToolResultError(fmt.Sprintf("invalid id %q: use letters, digits, '_' or '-'", id))
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcpserver: encode result: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

func splitTags(raw string) []string {
	return models.NormalizeTags(strings.Split(raw, ","))
}

func hasTag(n models.Note, tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	if r := []rune(line); len(r) > 60 {
		return string(r[:60]) + "..."
	}
	return line
}
