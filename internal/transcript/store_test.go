package transcript

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tetherlabs/tether/pkg/models"
)

func call(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestAppendToolRequestsRejectsWhileUnresolved(t *testing.T) {
	s := New()
	s.AppendUser("run something")
	if err := s.AppendToolRequests("", []models.ToolCall{call("a", "bash", `{}`)}); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	err := s.AppendToolRequests("", []models.ToolCall{call("b", "bash", `{}`)})
	if !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("expected ErrInvalidSequence, got %v", err)
	}
	if err := s.AppendToolResult("a", "ok"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.AppendToolRequests("", []models.ToolCall{call("b", "bash", `{}`)}); err != nil {
		t.Fatalf("second batch after resolve: %v", err)
	}
}

func TestAppendToolResultUnknownID(t *testing.T) {
	s := New()
	err := s.AppendToolResult("nope", "out")
	if !errors.Is(err, ErrUnknownRequestID) {
		t.Fatalf("expected ErrUnknownRequestID, got %v", err)
	}
}

func TestRequestIDsNeverReused(t *testing.T) {
	s := New()
	if err := s.AppendToolRequests("", []models.ToolCall{call("a", "bash", `{}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendToolResult("a", "ok"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	err := s.AppendToolRequests("", []models.ToolCall{call("a", "bash", `{}`)})
	if !errors.Is(err, ErrDuplicateRequestID) {
		t.Fatalf("expected ErrDuplicateRequestID, got %v", err)
	}

	// Reservation survives Clear for the session's lifetime.
	s.Clear()
	err = s.AppendToolRequests("", []models.ToolCall{call("a", "bash", `{}`)})
	if !errors.Is(err, ErrDuplicateRequestID) {
		t.Fatalf("expected ErrDuplicateRequestID after clear, got %v", err)
	}
}

func TestSnapshotPrependsSystemWithoutStoringIt(t *testing.T) {
	s := New()
	s.SetSystem("be helpful")
	s.AppendUser("hi")

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].Role != models.RoleSystem || snap[0].Content != "be helpful" {
		t.Fatalf("unexpected system entry: %+v", snap[0])
	}
	if got := s.Entries(); len(got) != 1 {
		t.Fatalf("history len = %d, want 1", len(got))
	}

	s.SetSystem("")
	if snap := s.Snapshot(); len(snap) != 1 {
		t.Fatalf("snapshot after detach len = %d, want 1", len(snap))
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	if err := s.AppendToolRequests("", []models.ToolCall{call("a", "bash", `{"command":"ls"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	snap := s.Snapshot()
	snap[0].Content = "mutated"
	snap[0].ToolCalls[0].Arguments[2] = 'X'

	again := s.Snapshot()
	if again[0].Content == "mutated" {
		t.Fatal("snapshot mutation leaked into store")
	}
	if string(again[0].ToolCalls[0].Arguments) != `{"command":"ls"}` {
		t.Fatalf("arguments mutated: %s", again[0].ToolCalls[0].Arguments)
	}
}

func TestTruncateLastExtendsToConsistentBoundary(t *testing.T) {
	s := New()
	s.AppendUser("do it")
	if err := s.AppendToolRequests("", []models.ToolCall{call("a", "bash", `{}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendToolResult("a", "done"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	s.AppendAssistantText("all done")

	// Removing only the result would leave the request dangling, so the
	// request entry falls away too.
	if err := s.TruncateLast(2); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
	if s.HasOpenRequests() {
		t.Fatal("open requests after truncate")
	}
}

func TestTruncateBeyondLengthEmpties(t *testing.T) {
	s := New()
	s.AppendUser("hi")
	if err := s.TruncateLast(10); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d, want 0", s.Len())
	}
}

func TestReplaceLastValidatesReplacement(t *testing.T) {
	s := New()
	s.AppendUser("hi")
	s.AppendAssistantText("hello")

	dangling := []models.Entry{models.ToolRequestEntry("", []models.ToolCall{call("x", "bash", `{}`)})}
	err := s.ReplaceLast(1, dangling)
	if !errors.Is(err, ErrWouldViolateInvariant) {
		t.Fatalf("expected ErrWouldViolateInvariant, got %v", err)
	}

	orphan := []models.Entry{models.ToolResultEntry("x", "out")}
	err = s.ReplaceLast(1, orphan)
	if !errors.Is(err, ErrUnknownRequestID) {
		t.Fatalf("expected ErrUnknownRequestID, got %v", err)
	}

	ok := []models.Entry{
		models.ToolRequestEntry("", []models.ToolCall{call("x", "bash", `{}`)}),
		models.ToolResultEntry("x", "out"),
		models.AssistantEntry("rewritten"),
	}
	if err := s.ReplaceLast(1, ok); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if s.Len() != 4 {
		t.Fatalf("len = %d, want 4", s.Len())
	}
	if last := s.Entries()[3]; last.Content != "rewritten" {
		t.Fatalf("unexpected tail: %+v", last)
	}
}

func TestReplaceLastRejectsReusedID(t *testing.T) {
	s := New()
	if err := s.AppendToolRequests("", []models.ToolCall{call("a", "bash", `{}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendToolResult("a", "ok"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	s.AppendAssistantText("done")

	reuse := []models.Entry{
		models.ToolRequestEntry("", []models.ToolCall{call("a", "bash", `{}`)}),
		models.ToolResultEntry("a", "again"),
	}
	err := s.ReplaceLast(1, reuse)
	if !errors.Is(err, ErrDuplicateRequestID) {
		t.Fatalf("expected ErrDuplicateRequestID, got %v", err)
	}
}

func TestRepairDangling(t *testing.T) {
	s := New()
	if err := s.AppendToolRequests("", []models.ToolCall{
		call("a", "bash", `{}`),
		call("b", "bash", `{}`),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if n := s.RepairDangling(); n != 2 {
		t.Fatalf("repaired = %d, want 2", n)
	}
	if s.HasOpenRequests() {
		t.Fatal("open requests after repair")
	}
	entries := s.Entries()
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	if entries[1].ToolCallID != "a" || entries[2].ToolCallID != "b" {
		t.Fatalf("repair results out of order: %+v", entries[1:])
	}
	if n := s.RepairDangling(); n != 0 {
		t.Fatalf("second repair = %d, want 0", n)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	s := New()
	s.AppendUser("ls please")
	if err := s.AppendToolRequests("", []models.ToolCall{call("a", "bash", `{"command":"ls"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendToolResult("a", "file.txt"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	s.AppendAssistantText("one file")

	exported := s.Entries()

	restored := New()
	if err := restored.Load(exported); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Len() != 4 {
		t.Fatalf("len = %d, want 4", restored.Len())
	}
	err := restored.AppendToolRequests("", []models.ToolCall{call("a", "bash", `{}`)})
	if !errors.Is(err, ErrDuplicateRequestID) {
		t.Fatalf("loaded ids not reserved: %v", err)
	}

	bad := []models.Entry{
		models.UserEntry("hi"),
		models.ToolResultEntry("ghost", "out"),
	}
	if err := New().Load(bad); !errors.Is(err, ErrUnknownRequestID) {
		t.Fatalf("expected ErrUnknownRequestID, got %v", err)
	}
}
