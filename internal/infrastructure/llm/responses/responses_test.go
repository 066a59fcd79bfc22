package responses

import (
	"context"
	"strings"
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

func sseBody(frames ...string) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	return b.String()
}

func drain(body string) []entity.ResponseEvent {
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

// requireSingleTrailingTerminal asserts universal property 2: the decoder
// emits exactly one Completed (or StreamError) event, and it is last.
func requireSingleTrailingTerminal(t *testing.T, events []entity.ResponseEvent) entity.ResponseEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	count := 0
	for i, ev := range events {
		if ev.Kind == entity.EventCompleted || ev.Kind == entity.EventStreamError {
			count++
			if i != len(events)-1 {
				t.Fatalf("terminal event %s was not last (index %d of %d)", ev.Kind, i, len(events))
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", count)
	}
	return events[len(events)-1]
}

func TestDecode_NormalCompletion(t *testing.T) {
	body := sseBody(
		`{"type":"response.created","response":{"id":"resp_1"}}`,
		`{"type":"response.output_text.delta","output_index":0,"delta":"hi"}`,
		`{"type":"response.completed","response":{"id":"resp_1","usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}}`,
	)
	events := drain(body)
	terminal := requireSingleTrailingTerminal(t, events)
	if terminal.Kind != entity.EventCompleted {
		t.Fatalf("expected Completed, got %s", terminal.Kind)
	}
	if terminal.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", terminal.Usage.TotalTokens)
	}
	if terminal.ResponseID != "resp_1" {
		t.Errorf("ResponseID = %q, want resp_1", terminal.ResponseID)
	}
}

func TestDecode_ResponseFailed_ClassifiesAndStops(t *testing.T) {
	body := sseBody(
		`{"type":"response.created","response":{"id":"resp_1"}}`,
		`{"type":"response.failed","response":{"error":{"code":"context_length_exceeded","message":"too long"}}}`,
		// a frame after the terminal event must never be observed as a
		// second terminal event.
		`{"type":"response.completed","response":{"id":"resp_1"}}`,
	)
	events := drain(body)
	terminal := requireSingleTrailingTerminal(t, events)
	if terminal.Kind != entity.EventStreamError {
		t.Fatalf("expected StreamError, got %s", terminal.Kind)
	}
	if terminal.Err == nil {
		t.Fatal("expected a non-nil Err")
	}
}

func TestDecode_StreamEndsWithoutTerminalFrame_EmitsStreamError(t *testing.T) {
	body := sseBody(
		`{"type":"response.created","response":{"id":"resp_1"}}`,
		`{"type":"response.output_text.delta","output_index":0,"delta":"partial"}`,
	)
	events := drain(body)
	terminal := requireSingleTrailingTerminal(t, events)
	if terminal.Kind != entity.EventStreamError {
		t.Fatalf("expected StreamError when the stream drops without a terminal frame, got %s", terminal.Kind)
	}
}

func TestDecode_DoneSentinel_WithoutCompletedFrame_EmitsStreamError(t *testing.T) {
	body := sseBody(
		`{"type":"response.created","response":{"id":"resp_1"}}`,
	) + "data: [DONE]\n\n"
	events := drain(body)
	terminal := requireSingleTrailingTerminal(t, events)
	if terminal.Kind != entity.EventStreamError {
		t.Fatalf("expected StreamError, got %s", terminal.Kind)
	}
}

func TestDecodeItem_FunctionCall(t *testing.T) {
	item := decodeItem([]byte(`{"type":"function_call","name":"do_a","call_id":"call_a","arguments":"{}","thought_signature":"sig"}`))
	if item.Kind != entity.ItemFunctionCall {
		t.Fatalf("Kind = %s, want function_call", item.Kind)
	}
	if item.Name != "do_a" || item.CallID != "call_a" || item.ThoughtSignature != "sig" {
		t.Errorf("got %+v", item)
	}
}

func TestDecodeItem_Reasoning(t *testing.T) {
	item := decodeItem([]byte(`{"type":"reasoning","id":"r1","summary":[{"text":"step one"}],"encrypted_content":"blob"}`))
	if item.Kind != entity.ItemReasoning {
		t.Fatalf("Kind = %s, want reasoning", item.Kind)
	}
	if len(item.Summary) != 1 || item.Summary[0].Text != "step one" {
		t.Errorf("Summary = %+v", item.Summary)
	}
	if item.EncryptedContent != "blob" {
		t.Errorf("EncryptedContent = %q", item.EncryptedContent)
	}
}

func TestDecodeRateLimits(t *testing.T) {
	snap := decodeRateLimits([]byte(`{"primary":{"used_percent":42.5,"window_minutes":60,"resets_in_seconds":120}}`))
	if snap.Primary == nil {
		t.Fatal("expected Primary to be set")
	}
	if snap.Primary.UsedPercent != 42.5 || snap.Primary.WindowMinutes != 60 || snap.Primary.ResetsInSeconds != 120 {
		t.Errorf("got %+v", snap.Primary)
	}
	if snap.Secondary != nil {
		t.Errorf("expected nil Secondary, got %+v", snap.Secondary)
	}
}
