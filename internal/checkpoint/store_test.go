package checkpoint

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMessages() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "you are helpful"},
		{Role: llm.RoleUser, Content: "read main.go"},
		{Role: llm.RoleAssistant, Content: "reading",
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "read_file", Args: map[string]any{"path": "main.go"}}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Name: "read_file", Content: "package main"},
		{Role: llm.RoleAssistant, Content: "it's a main package"},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	msgs := sampleMessages()

	id, err := s.Save(ctx, "before-refactor", "gpt-4o", msgs)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	cp, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Name != "before-refactor" || cp.Model != "gpt-4o" {
		t.Errorf("meta = %+v", cp.Meta)
	}
	if len(cp.Messages) != len(msgs) {
		t.Fatalf("loaded %d messages, want %d", len(cp.Messages), len(msgs))
	}
	for i, m := range cp.Messages {
		if m.Role != msgs[i].Role || m.Content != msgs[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, m, msgs[i])
		}
	}
	// Tool call linkage survives the round trip.
	if got := cp.Messages[2].ToolCalls; len(got) != 1 || got[0].ID != "c1" {
		t.Errorf("tool calls lost: %+v", got)
	}
	if cp.Messages[3].ToolCallID != "c1" {
		t.Errorf("tool result linkage lost: %q", cp.Messages[3].ToolCallID)
	}
}

func TestSaveRoundTripsToolExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	msgs := append(sampleMessages(),
		llm.Message{Role: llm.RoleAssistant, Content: "listing",
			ToolCalls: []llm.ToolCall{{ID: "c2", Name: "list_directory", Args: map[string]any{"path": "src"}}}},
		llm.Message{Role: llm.RoleTool, ToolCallID: "c2", Name: "list_directory", Content: "a.go\nb.go"},
	)

	id, err := s.Save(ctx, "with-executions", "m", msgs)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	cp, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cp.ToolExecutions) != 2 {
		t.Fatalf("loaded %d tool executions, want 2", len(cp.ToolExecutions))
	}

	first := cp.ToolExecutions[0]
	if first.Seq != 0 || first.Name != "read_file" {
		t.Errorf("execution 0 = %+v", first)
	}
	if !strings.Contains(first.Args, "main.go") {
		t.Errorf("execution 0 args = %q, want the call arguments", first.Args)
	}
	if first.Result != "package main" {
		t.Errorf("execution 0 result = %q", first.Result)
	}
	if first.ExecutedAt.IsZero() {
		t.Error("execution 0 has no timestamp")
	}

	second := cp.ToolExecutions[1]
	if second.Seq != 1 || second.Name != "list_directory" || second.Result != "a.go\nb.go" {
		t.Errorf("execution 1 = %+v", second)
	}
}

func TestDeleteRemovesToolExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, "doomed-executions", "m", sampleMessages())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var orphans int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tool_executions WHERE checkpoint_id = ?`, id).Scan(&orphans); err != nil {
		t.Fatalf("count orphans: %v", err)
	}
	if orphans != 0 {
		t.Errorf("%d tool execution rows orphaned after delete", orphans)
	}
}

func TestSaveSnapshotRoundTripsFiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	files := map[string]string{
		"src/main.go": "package main\n",
		"go.mod":      "module example\n",
	}

	id, err := s.SaveSnapshot(ctx, "with-files", "m", sampleMessages(), files)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	cp, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cp.Files) != 2 {
		t.Fatalf("loaded %d files, want 2", len(cp.Files))
	}
	for path, content := range files {
		if cp.Files[path] != content {
			t.Errorf("file %s = %q, want %q", path, cp.Files[path], content)
		}
	}
}

func TestLoadDetectsFileTampering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.SaveSnapshot(ctx, "tamper-files", "m", sampleMessages(),
		map[string]string{"a.go": "real"})
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE file_snapshots SET content = 'forged' WHERE checkpoint_id = ?`, id); err != nil {
		t.Fatalf("tampering update: %v", err)
	}

	if _, err := s.Load(ctx, id); err == nil {
		t.Fatal("tampered file snapshot must fail integrity verification")
	}
}

func TestSaveRejectsEmptyName(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Save(context.Background(), "", "m", sampleMessages()); err == nil {
		t.Fatal("expected empty names to be rejected")
	}
}

func TestLoadUnknownID(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Load(context.Background(), "no-such-id"); err == nil {
		t.Fatal("expected an error for a missing checkpoint")
	}
}

func TestLoadDetectsTampering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, "tamper", "m", sampleMessages())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET payload = ? WHERE checkpoint_id = ? AND seq = 1`,
		`{"role":"user","content":"forged"}`, id)
	if err != nil {
		t.Fatalf("tampering update: %v", err)
	}

	if _, err := s.Load(ctx, id); err == nil {
		t.Fatal("tampered checkpoint must fail integrity verification")
	}
}

func TestLoadByNamePicksNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	oldID, err := s.Save(ctx, "wip", "m", sampleMessages()[:2])
	if err != nil {
		t.Fatalf("Save old: %v", err)
	}
	newID, err := s.Save(ctx, "wip", "m", sampleMessages())
	if err != nil {
		t.Fatalf("Save new: %v", err)
	}

	// Timestamps have second resolution; separate them explicitly.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET created_at = created_at - 60 WHERE checkpoint_id = ?`, oldID); err != nil {
		t.Fatalf("adjust timestamp: %v", err)
	}

	cp, err := s.LoadByName(ctx, "wip")
	if err != nil {
		t.Fatalf("LoadByName: %v", err)
	}
	if cp.ID != newID {
		t.Errorf("loaded %s, want the newer %s", cp.ID, newID)
	}
	if len(cp.Messages) != len(sampleMessages()) {
		t.Errorf("loaded %d messages, want %d", len(cp.Messages), len(sampleMessages()))
	}
}

func TestLoadByNameUnknown(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadByName(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error for an unknown name")
	}
}

func TestListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	firstID, err := s.Save(ctx, "first", "m", sampleMessages())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	secondID, err := s.Save(ctx, "second", "m", sampleMessages())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET created_at = created_at - 60 WHERE checkpoint_id = ?`, firstID); err != nil {
		t.Fatalf("adjust timestamp: %v", err)
	}

	metas, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("listed %d checkpoints, want 2", len(metas))
	}
	if metas[0].ID != secondID || metas[1].ID != firstID {
		t.Errorf("order = %s, %s; want newest first", metas[0].ID, metas[1].ID)
	}
	if metas[0].MessageCount != len(sampleMessages()) {
		t.Errorf("message count = %d", metas[0].MessageCount)
	}
}

func TestDeleteRemovesMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, "doomed", "m", sampleMessages())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := s.Load(ctx, id); err == nil {
		t.Fatal("deleted checkpoint still loads")
	}
	var orphans int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE checkpoint_id = ?`, id).Scan(&orphans); err != nil {
		t.Fatalf("count orphans: %v", err)
	}
	if orphans != 0 {
		t.Errorf("%d message rows orphaned after delete", orphans)
	}
}

func TestDeleteUnknownID(t *testing.T) {
	s := openTestStore(t)
	if err := s.Delete(context.Background(), "ghost"); err == nil {
		t.Fatal("expected an error for deleting a missing checkpoint")
	}
}

func TestReopenExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.Save(ctx, "persisted", "m", sampleMessages())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.Close()

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	cp, err := s2.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if cp.Name != "persisted" {
		t.Errorf("name = %q", cp.Name)
	}
}

func TestRefusesNewerSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE meta SET value = '99' WHERE key = 'schema_version'`); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	s.Close()

	if _, err := Open(ctx, path); err == nil {
		t.Fatal("expected open to refuse a newer schema version")
	}
}
