package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/baikal/gpuslo/internal/state"
	"github.com/baikal/gpuslo/internal/statstore"
)

type fakeTracker struct {
	states  map[int]state.FSMState
	summary map[state.FSMState]int
}

func (f fakeTracker) SnapshotStates() map[int]state.FSMState { return f.states }
func (f fakeTracker) Summary() map[state.FSMState]int        { return f.summary }

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(res.Content))
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is not TextContent: %T", res.Content[0])
	}
	return tc.Text
}

func TestHandleTenantStatesRendersNames(t *testing.T) {
	tracker := fakeTracker{
		states:  map[int]state.FSMState{1: state.Violated, 2: state.Normal},
		summary: map[state.FSMState]int{state.Violated: 1, state.Normal: 1},
	}
	handler := handleTenantStates(tracker)
	res, err := handler(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "violated") || !strings.Contains(text, "normal") {
		t.Fatalf("expected rendered state names in output, got %s", text)
	}
}

func TestHandleActionHistoryFiltersByKind(t *testing.T) {
	store := statstore.New(10)
	store.Append(statstore.ActionRecord{Kind: statstore.ActionIOThrottle})
	store.Append(statstore.ActionRecord{Kind: statstore.ActionPartitionReconfig})

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: map[string]interface{}{"kind": "partition_reconfig"},
		},
	}

	handler := handleActionHistory(store)
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	var records []map[string]interface{}
	if err := json.Unmarshal([]byte(resultText(t, res)), &records); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
}

func TestHandleActionHistoryRejectsUnknownKind(t *testing.T) {
	store := statstore.New(10)
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: map[string]interface{}{"kind": "nonsense"},
		},
	}

	handler := handleActionHistory(store)
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError result for unknown kind")
	}
}

func TestParseActionKindRoundTrip(t *testing.T) {
	cases := map[string]statstore.ActionKind{
		"io_throttle":        statstore.ActionIOThrottle,
		"partition_reconfig": statstore.ActionPartitionReconfig,
		"priority_change":    statstore.ActionPriorityChange,
	}
	for name, want := range cases {
		got, ok := parseActionKind(name)
		if !ok || got != want {
			t.Errorf("parseActionKind(%q) = %v, %v; want %v, true", name, got, ok, want)
		}
	}
	if _, ok := parseActionKind("bogus"); ok {
		t.Error("expected parseActionKind(bogus) to fail")
	}
}
