// Package mcpserver exposes the session store as read-only MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/sessionstore"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const serverName = "loqa-transcribe"

// SessionReader is the read side of the session store.
type SessionReader interface {
	Get(ctx context.Context, id string) (sessionstore.Session, error)
	List(ctx context.Context, offset, limit int) ([]sessionstore.Session, error)
}

type Tools struct {
	store SessionReader
	log   *slog.Logger
}

// New builds an MCP server with list_sessions and get_session registered.
func New(store SessionReader, version string, log *slog.Logger) *server.MCPServer {
	t := &Tools{store: store, log: log.With(slog.String("component", "mcp"))}

	s := server.NewMCPServer(serverName, version, server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List transcription sessions, newest first."),
		mcp.WithNumber("offset", mcp.Description("Number of sessions to skip (default 0).")),
		mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Maximum sessions to return (default %d).", sessionstore.DefaultListLimit))),
	), t.ListSessions)
	s.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Fetch one transcription session with its final transcript and status."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Session UUID.")),
	), t.GetSession)
	return s
}

func (t *Tools) ListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	offset := req.GetInt("offset", 0)
	limit := req.GetInt("limit", sessionstore.DefaultListLimit)
	if offset < 0 || limit < 0 {
		return mcp.NewToolResultError("offset and limit must be non-negative"), nil
	}

	sessions, err := t.store.List(ctx, offset, limit)
	if err != nil {
		if errors.Is(err, sessionstore.ErrInvalidArgument) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		t.log.Error("list sessions failed", slog.String("error", err.Error()))
		return nil, err
	}
	return jsonResult(protocol.NewSessionSummaries(sessions))
}

func (t *Tools) GetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return mcp.NewToolResultError("id must be a UUID"), nil
	}

	sess, err := t.store.Get(ctx, id)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return mcp.NewToolResultError("Session not found"), nil
	}
	if err != nil {
		t.log.Error("get session failed", slog.String("session_id", id), slog.String("error", err.Error()))
		return nil, err
	}
	return jsonResult(protocol.NewSessionDetail(sess))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
