package chat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// sseBody turns a list of raw JSON frames into an SSE byte stream, as the
// provider would send it over the wire.
func sseBody(frames ...string) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	return b.String()
}

func drain(t *testing.T, body string) []entity.ResponseEvent {
	t.Helper()
	c := &Client{}
	out := make(chan entity.ResponseEvent, 64)
	c.decode(context.Background(), strings.NewReader(body), out)
	close(out)
	var events []entity.ResponseEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

// requireSingleTrailingCompleted asserts universal property 2: exactly one
// terminal event (Completed or StreamError), and it is last.
func requireSingleTrailingCompleted(t *testing.T, events []entity.ResponseEvent) entity.ResponseEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	terminalCount := 0
	for i, ev := range events {
		if ev.Kind == entity.EventCompleted || ev.Kind == entity.EventStreamError {
			terminalCount++
			if i != len(events)-1 {
				t.Fatalf("terminal event %s was not last (at index %d of %d)", ev.Kind, i, len(events))
			}
		}
	}
	if terminalCount != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminalCount)
	}
	return events[len(events)-1]
}

// TestDecode_S1_ToolCallDeltaMerge matches spec.md §8 scenario S1 verbatim.
func TestDecode_S1_ToolCallDeltaMerge(t *testing.T) {
	body := sseBody(
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_a","index":0,"function":{"name":"do_a"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{ \"foo\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`,
		`{"choices":[{"finish_reason":"tool_calls"}]}`,
	)
	events := drain(t, body)
	terminal := requireSingleTrailingCompleted(t, events)
	if terminal.Kind != entity.EventCompleted {
		t.Fatalf("expected Completed, got %s", terminal.Kind)
	}

	var call *entity.ResponseItem
	for _, ev := range events {
		if ev.Kind == entity.EventOutputItemDone && ev.Item.Kind == entity.ItemFunctionCall {
			item := ev.Item
			call = &item
		}
	}
	if call == nil {
		t.Fatal("expected a FunctionCall OutputItemDone event")
	}
	if call.CallID != "call_a" {
		t.Errorf("CallID = %q, want call_a", call.CallID)
	}
	if call.Name != "do_a" {
		t.Errorf("Name = %q, want do_a", call.Name)
	}
	if call.Arguments != `{ "foo":1}` {
		t.Errorf("Arguments = %q, want `{ \"foo\":1}`", call.Arguments)
	}
}

// TestDecode_S1_FragmentOrderIndependence covers property 3: reordering the
// argument fragments (but keeping index/id correct) yields the same final
// (name, arguments, id) triple.
func TestDecode_S1_FragmentOrderIndependence(t *testing.T) {
	body := sseBody(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{ \"foo\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_a","index":0,"function":{"name":"do_a"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`,
		`{"choices":[{"finish_reason":"tool_calls"}]}`,
	)
	events := drain(t, body)
	requireSingleTrailingCompleted(t, events)

	var call *entity.ResponseItem
	for _, ev := range events {
		if ev.Kind == entity.EventOutputItemDone && ev.Item.Kind == entity.ItemFunctionCall {
			item := ev.Item
			call = &item
		}
	}
	if call == nil {
		t.Fatal("expected a FunctionCall OutputItemDone event")
	}
	if call.CallID != "call_a" || call.Name != "do_a" || call.Arguments != `{ "foo":1}` {
		t.Errorf("got {id:%q name:%q args:%q}, want {id:call_a name:do_a args:`{ \"foo\":1}`}",
			call.CallID, call.Name, call.Arguments)
	}
}

// TestDecode_ToolCallDelta_IDOnlyFragment covers the id-only fragment case
// (no index at all) that the three-way slotFor dispatch must recover.
func TestDecode_ToolCallDelta_IDOnlyFragment(t *testing.T) {
	body := sseBody(
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_b","function":{"name":"do_b","arguments":"{}"}}]}}]}`,
		`{"choices":[{"finish_reason":"tool_calls"}]}`,
	)
	events := drain(t, body)
	requireSingleTrailingCompleted(t, events)

	found := false
	for _, ev := range events {
		if ev.Kind == entity.EventOutputItemDone && ev.Item.Kind == entity.ItemFunctionCall {
			if ev.Item.CallID == "call_b" && ev.Item.Name == "do_b" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("expected a FunctionCall recovered from an id-only fragment")
	}
}

// TestDecode_S2_XMLToolCallInContent matches spec.md §8 scenario S2 verbatim.
func TestDecode_S2_XMLToolCallInContent(t *testing.T) {
	content := "<tool_call>\n<function=test_function>\n<parameter=arg1>value1</parameter>\n</function>\n</tool_call>"
	rawBytes, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	raw := string(rawBytes)
	body := sseBody(
		`{"choices":[{"delta":{"content":` + raw + `}}]}`,
		`{"choices":[{"finish_reason":"stop"}]}`,
	)
	events := drain(t, body)
	terminal := requireSingleTrailingCompleted(t, events)
	if terminal.Kind != entity.EventCompleted {
		t.Fatalf("expected Completed, got %s", terminal.Kind)
	}

	var call *entity.ResponseItem
	for _, ev := range events {
		if ev.Kind == entity.EventOutputItemDone && ev.Item.Kind == entity.ItemFunctionCall {
			item := ev.Item
			call = &item
		}
	}
	if call == nil {
		t.Fatal("expected at least one FunctionCall OutputItemDone recovered from XML content")
	}
	if call.Name != "test_function" {
		t.Errorf("Name = %q, want test_function", call.Name)
	}
	if call.Arguments != `{"arg1":"value1"}` {
		t.Errorf("Arguments = %q, want {\"arg1\":\"value1\"}", call.Arguments)
	}
}

// TestDecode_IdleTimeout_EmitsStreamError covers the mid-stream failure half
// of universal property 2: a read error surfaces as a single terminal
// StreamError instead of a fabricated Completed.
func TestDecode_IdleTimeout_EmitsStreamError(t *testing.T) {
	c := &Client{}
	out := make(chan entity.ResponseEvent, 8)
	c.decode(context.Background(), &erroringReader{}, out)
	close(out)

	var events []entity.ResponseEvent
	for ev := range out {
		events = append(events, ev)
	}
	terminal := requireSingleTrailingCompleted(t, events)
	if terminal.Kind != entity.EventStreamError {
		t.Fatalf("expected StreamError, got %s", terminal.Kind)
	}
	if terminal.Err == nil {
		t.Fatal("expected a non-nil Err on the StreamError event")
	}
}

// erroringReader always fails, simulating a dropped connection mid-stream.
type erroringReader struct{}

func (r *erroringReader) Read(p []byte) (int, error) {
	return 0, errEOFSimulated
}

var errEOFSimulated = &simulatedErr{"simulated connection drop"}

type simulatedErr struct{ msg string }

func (e *simulatedErr) Error() string { return e.msg }
