// Package transcript owns the ordered conversation history for one session
// and enforces its structural invariants: every assistant tool-call batch is
// resolved by matching results before the conversation continues, and
// request ids are never reused within a session's lifetime.
package transcript

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tetherlabs/tether/pkg/models"
)

var (
	// ErrInvalidSequence indicates an append that would leave the
	// transcript structurally inconsistent, such as opening a new
	// tool-call batch while a prior batch is unresolved.
	ErrInvalidSequence = errors.New("transcript: invalid sequence")

	// ErrUnknownRequestID indicates a tool result with no matching open
	// tool request.
	ErrUnknownRequestID = errors.New("transcript: unknown request id")

	// ErrDuplicateRequestID indicates a tool request reusing an id already
	// seen in this session.
	ErrDuplicateRequestID = errors.New("transcript: duplicate request id")

	// ErrWouldViolateInvariant indicates an administrative edit whose
	// replacement entries cannot form a consistent transcript tail.
	ErrWouldViolateInvariant = errors.New("transcript: edit would violate invariant")
)

// Store is the in-memory transcript for one session. It is safe for
// concurrent use, though within a session the orchestrator is the single
// writer for the duration of a turn.
//
// The system instructions are attached at snapshot time rather than stored
// as history, so administrative edits and exports never touch them.
type Store struct {
	mu      sync.Mutex
	system  string
	entries []models.Entry

	// open tracks tool request ids awaiting results, in request order.
	open      map[string]struct{}
	openOrder []string

	// seen tracks every request id ever appended, across clears.
	seen map[string]struct{}
}

// New creates an empty transcript store.
func New() *Store {
	return &Store{
		open: map[string]struct{}{},
		seen: map[string]struct{}{},
	}
}

// SetSystem caches the system instructions attached to snapshots. An empty
// string detaches them.
func (s *Store) SetSystem(system string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = system
}

// System returns the cached system instructions.
func (s *Store) System() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.system
}

// AppendUser appends a user text entry.
func (s *Store) AppendUser(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, models.UserEntry(text))
}

// AppendAssistantText appends an assistant text entry.
func (s *Store) AppendAssistantText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, models.AssistantEntry(text))
}

// AppendToolRequests appends one assistant entry carrying a batch of tool
// calls, with any text the model streamed before requesting them. It fails
// with ErrInvalidSequence while a prior batch is unresolved and with
// ErrDuplicateRequestID when a request id has been used before.
func (s *Store) AppendToolRequests(text string, calls []models.ToolCall) error {
	if len(calls) == 0 {
		return fmt.Errorf("%w: empty tool call batch", ErrInvalidSequence)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.open) > 0 {
		return fmt.Errorf("%w: %d unresolved tool requests", ErrInvalidSequence, len(s.open))
	}
	batch := make(map[string]struct{}, len(calls))
	for _, c := range calls {
		if c.ID == "" {
			return fmt.Errorf("%w: tool call missing id", ErrInvalidSequence)
		}
		if _, dup := s.seen[c.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRequestID, c.ID)
		}
		if _, dup := batch[c.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRequestID, c.ID)
		}
		batch[c.ID] = struct{}{}
	}

	s.entries = append(s.entries, models.ToolRequestEntry(text, cloneCalls(calls)))
	for _, c := range calls {
		s.seen[c.ID] = struct{}{}
		s.open[c.ID] = struct{}{}
		s.openOrder = append(s.openOrder, c.ID)
	}
	return nil
}

// AppendToolResult appends the output for one open tool request, closing it.
func (s *Store) AppendToolResult(requestID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[requestID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequestID, requestID)
	}
	s.entries = append(s.entries, models.ToolResultEntry(requestID, output))
	s.closeRequest(requestID)
	return nil
}

// HasOpenRequests reports whether a tool-call batch is awaiting results.
// True is legitimate only transiently while a turn is resolving tools; as a
// rest state it means a turn was interrupted and RepairDangling should run.
func (s *Store) HasOpenRequests() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open) > 0
}

// RepairDangling closes any open tool requests by appending synthetic error
// results, restoring consistency after an interrupted turn. It returns the
// number of results inserted.
func (s *Store) RepairDangling() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	repaired := len(s.openOrder)
	for _, id := range s.openOrder {
		s.entries = append(s.entries, models.ToolResultEntry(id, "tool execution was interrupted; no result recorded"))
	}
	s.open = map[string]struct{}{}
	s.openOrder = nil
	return repaired
}

// Snapshot returns an immutable ordered copy of the transcript for sending
// to the model, with the cached system instructions prepended as a virtual
// entry when set.
func (s *Store) Snapshot() []models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Entry, 0, len(s.entries)+1)
	if s.system != "" {
		out = append(out, models.Entry{Role: models.RoleSystem, Content: s.system})
	}
	return append(out, cloneEntries(s.entries)...)
}

// Entries returns an ordered copy of the stored history without the system
// entry. This is the shape used by exports.
func (s *Store) Entries() []models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneEntries(s.entries)
}

// Len returns the number of stored history entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// TruncateLast removes the last n entries. If the removal would leave an
// unresolved tool-call batch as the new tail, additional entries are
// dropped until a consistent boundary is reached; the empty transcript is
// always such a boundary.
func (s *Store) TruncateLast(n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cut := len(s.entries) - n
	if cut < 0 {
		cut = 0
	}
	cut = consistentBoundary(s.entries, cut)
	s.entries = s.entries[:cut]
	s.reindex()
	return nil
}

// ReplaceLast removes the last n entries (extending to a consistent
// boundary as TruncateLast does) and appends newEntries in their place.
// The replacement entries must form a self-contained consistent tail: tool
// results must match tool requests within the replacement, every request
// batch must be fully resolved, and no request id may be reused.
func (s *Store) ReplaceLast(n int, newEntries []models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cut := len(s.entries) - n
	if cut < 0 {
		cut = 0
	}
	cut = consistentBoundary(s.entries, cut)

	if err := s.validateTail(s.entries[:cut], newEntries); err != nil {
		return err
	}
	s.entries = append(s.entries[:cut:cut], cloneEntries(newEntries)...)
	s.reindex()
	return nil
}

// Clear removes all history entries. Request ids remain reserved for the
// session's lifetime, and the cached system instructions are untouched.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.open = map[string]struct{}{}
	s.openOrder = nil
}

// Load replaces the history wholesale with previously exported entries,
// validating sequence consistency while loading. Request-id bookkeeping is
// rebuilt from the loaded entries.
func (s *Store) Load(entries []models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateTail(nil, entries); err != nil {
		return err
	}
	s.entries = cloneEntries(entries)
	s.seen = map[string]struct{}{}
	s.reindex()
	return nil
}

// validateTail checks that appending tail after prefix yields a consistent
// transcript: no dangling requests, no mid-batch user or assistant text, no
// result without a matching request, no reused ids. Caller holds s.mu.
func (s *Store) validateTail(prefix, tail []models.Entry) error {
	used := make(map[string]struct{})
	for _, e := range prefix {
		for _, c := range e.ToolCalls {
			used[c.ID] = struct{}{}
		}
	}

	open := make(map[string]struct{})
	for _, e := range tail {
		switch {
		case e.IsToolRequest():
			if len(open) > 0 {
				return fmt.Errorf("%w: tool request batch while prior batch unresolved", ErrWouldViolateInvariant)
			}
			for _, c := range e.ToolCalls {
				if c.ID == "" {
					return fmt.Errorf("%w: tool call missing id", ErrWouldViolateInvariant)
				}
				if _, dup := used[c.ID]; dup {
					return fmt.Errorf("%w: %s", ErrDuplicateRequestID, c.ID)
				}
				if _, dup := open[c.ID]; dup {
					return fmt.Errorf("%w: %s", ErrDuplicateRequestID, c.ID)
				}
				used[c.ID] = struct{}{}
				open[c.ID] = struct{}{}
			}
		case e.Role == models.RoleTool:
			if _, ok := open[e.ToolCallID]; !ok {
				return fmt.Errorf("%w: %s", ErrUnknownRequestID, e.ToolCallID)
			}
			delete(open, e.ToolCallID)
		default:
			if len(open) > 0 {
				return fmt.Errorf("%w: %s entry while tool requests unresolved", ErrWouldViolateInvariant, e.Role)
			}
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: %d unresolved tool requests in replacement", ErrWouldViolateInvariant, len(open))
	}
	return nil
}

// consistentBoundary walks backwards from cut until entries[:cut] contains
// no unresolved tool requests.
func consistentBoundary(entries []models.Entry, cut int) int {
	for cut > 0 {
		open := 0
		for _, e := range entries[:cut] {
			if e.IsToolRequest() {
				open += len(e.ToolCalls)
			} else if e.Role == models.RoleTool {
				open--
			}
		}
		if open <= 0 {
			return cut
		}
		cut--
	}
	return 0
}

// reindex rebuilds open-request bookkeeping from the stored entries and
// records their ids as seen. Caller holds s.mu.
func (s *Store) reindex() {
	s.open = map[string]struct{}{}
	s.openOrder = nil
	for _, e := range s.entries {
		switch {
		case e.IsToolRequest():
			for _, c := range e.ToolCalls {
				s.seen[c.ID] = struct{}{}
				s.open[c.ID] = struct{}{}
				s.openOrder = append(s.openOrder, c.ID)
			}
		case e.Role == models.RoleTool:
			s.closeRequest(e.ToolCallID)
		}
	}
}

// closeRequest removes one id from the open set. Caller holds s.mu.
func (s *Store) closeRequest(id string) {
	delete(s.open, id)
	for i, openID := range s.openOrder {
		if openID == id {
			s.openOrder = append(s.openOrder[:i], s.openOrder[i+1:]...)
			return
		}
	}
}

func cloneCalls(calls []models.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = c
		if c.Arguments != nil {
			out[i].Arguments = append([]byte(nil), c.Arguments...)
		}
	}
	return out
}

func cloneEntries(entries []models.Entry) []models.Entry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]models.Entry, len(entries))
	for i, e := range entries {
		out[i] = e
		out[i].ToolCalls = cloneCalls(e.ToolCalls)
	}
	return out
}
