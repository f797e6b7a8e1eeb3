package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/sessionstore"
	"github.com/mark3labs/mcp-go/mcp"
)

func newTools(t *testing.T) (*Tools, *sessionstore.SQLiteStore) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.SessionStoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "sessions.db"), ListMaxLimit: 500}
	store, err := sessionstore.OpenSQLite(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return &Tools{store: store, log: log}, store
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestListSessionsTool(t *testing.T) {
	tools, store := newTools(t)
	ctx := context.Background()
	first, _ := store.CreateProvisional(ctx, "mock", 16000, "en")
	second, _ := store.CreateProvisional(ctx, "mock", 16000, "en")

	res, err := tools.ListSessions(ctx, call(map[string]any{"limit": float64(10)}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	var got []protocol.SessionSummary
	if err := json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != second.ID || got[1].ID != first.ID {
		t.Fatalf("unexpected listing %+v", got)
	}

	res, err = tools.ListSessions(ctx, call(map[string]any{"offset": float64(-1)}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("negative offset must be a tool error")
	}
}

func TestGetSessionTool(t *testing.T) {
	tools, store := newTools(t)
	ctx := context.Background()
	sess, _ := store.CreateProvisional(ctx, "mock", 16000, "en")

	res, err := tools.GetSession(ctx, call(map[string]any{"id": sess.ID}))
	if err != nil {
		t.Fatal(err)
	}
	var got protocol.SessionDetail
	if err := json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != sess.ID || got.Status != "processing" {
		t.Fatalf("unexpected detail %+v", got)
	}

	for _, args := range []map[string]any{
		{},
		{"id": "nope"},
		{"id": uuid.NewString()},
	} {
		res, err := tools.GetSession(ctx, call(args))
		if err != nil {
			t.Fatal(err)
		}
		if !res.IsError {
			t.Fatalf("args %v: expected tool error", args)
		}
	}
}

func TestNewBuildsServer(t *testing.T) {
	tools, _ := newTools(t)
	if New(tools.store, "test", tools.log) == nil {
		t.Fatal("expected server")
	}
}
