package context

import (
	"context"
	"fmt"
	"strings"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// ModelClient is the minimal unary completion surface the Compaction
// Controller needs from a wire adapter's "Compact" endpoint (spec §4.12):
// one non-streaming call, no tool definitions, no event channel.
type ModelClient interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Summarizer reduces a run of ResponseItems to a short prose summary.
type Summarizer interface {
	Summarize(ctx context.Context, items []entity.ResponseItem) (string, error)
}

// LLMSummarizer asks the model to produce a structured state snapshot.
type LLMSummarizer struct {
	client          ModelClient
	maxInputTokens  int
	tokenizer       Tokenizer
}

func NewLLMSummarizer(client ModelClient, maxInputTokens int, tokenizer Tokenizer) *LLMSummarizer {
	if tokenizer == nil {
		tokenizer = NewSimpleTokenizer()
	}
	if maxInputTokens <= 0 {
		maxInputTokens = 8000
	}
	return &LLMSummarizer{client: client, maxInputTokens: maxInputTokens, tokenizer: tokenizer}
}

const compactionSystemPrompt = `You are a conversation state compressor. Analyze the transcript and produce a structured snapshot.

Output format:
<state_snapshot>
  <task_description>Current task being executed</task_description>
  <progress>
    <completed>Steps finished so far</completed>
    <in_progress>Step underway, if any</in_progress>
    <remaining>Steps left to do</remaining>
  </progress>
  <key_decisions>Technical decisions made and why</key_decisions>
  <modified_files>
    <file path="path/to/file" action="created|modified|deleted">Change summary</file>
  </modified_files>
  <current_context>Working directory, relevant findings, constraints</current_context>
</state_snapshot>

Rules:
- Preserve all unfinished task state.
- Keep decisions and their reasons, drop specific code content (paths + summaries only).
- Drop intermediate debugging narration.`

// Summarize renders items as a flat transcript and asks the model to
// compress them into a state snapshot, truncating the input once it
// would exceed maxInputTokens.
func (s *LLMSummarizer) Summarize(ctx context.Context, items []entity.ResponseItem) (string, error) {
	if len(items) == 0 {
		return "", nil
	}

	var sb strings.Builder
	used := 0
	for _, it := range items {
		line := transcriptLine(it)
		if line == "" {
			continue
		}
		lineTokens := s.tokenizer.Count(line)
		if used+lineTokens > s.maxInputTokens {
			sb.WriteString("... (earlier items omitted)\n")
			break
		}
		sb.WriteString(line)
		sb.WriteString("\n")
		used += lineTokens
	}

	summary, err := s.client.Generate(ctx, compactionSystemPrompt,
		fmt.Sprintf("Compress this conversation (%d items):\n\n%s", len(items), sb.String()))
	if err != nil {
		return "", fmt.Errorf("llm summarize: %w", err)
	}
	return summary, nil
}

func transcriptLine(it entity.ResponseItem) string {
	switch it.Kind {
	case entity.ItemMessage:
		text := it.TextContent()
		if text == "" {
			return ""
		}
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		return fmt.Sprintf("[%s]: %s", it.Role, text)
	case entity.ItemFunctionCall:
		return fmt.Sprintf("[tool_call %s]: %s(%s)", it.CallID, it.Name, truncate(it.Arguments, 200))
	case entity.ItemFunctionCallOutput:
		return fmt.Sprintf("[tool_output %s]: %s", it.CallID, truncate(it.Output, 200))
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// truncationSummary is the fallback used when the model is unavailable or
// summarization fails: a mechanical count-based digest, grouped by kind.
func truncationSummary(items []entity.ResponseItem) string {
	var parts []string
	var calls, msgs int
	for _, it := range items {
		switch it.Kind {
		case entity.ItemMessage:
			msgs++
			if text := it.TextContent(); text != "" {
				if len(text) > 200 {
					text = text[:200] + "..."
				}
				parts = append(parts, fmt.Sprintf("[%s] %s", it.Role, text))
			}
		case entity.ItemFunctionCall:
			calls++
		}
	}
	return fmt.Sprintf("[Context compacted: %d items summarized (%d messages, %d tool calls)]\n\n%s",
		len(items), msgs, calls, strings.Join(parts, "\n"))
}

// Compactor implements the Compaction Controller (spec §4.12): it replaces
// a prefix of history with a CompactionSummary item, keeps the most recent
// keepLast items verbatim, carries every GhostSnapshot item forward
// unconditionally, and — when the live plan has an incomplete step —
// injects a reminder message so the model doesn't lose track of it.
type Compactor struct {
	summarizer Summarizer
	keepLast   int
}

func NewCompactor(summarizer Summarizer, keepLast int) *Compactor {
	if keepLast <= 0 {
		keepLast = 10
	}
	return &Compactor{summarizer: summarizer, keepLast: keepLast}
}

// Compact produces the replacement history for RecordReplaceCompacted.
func (c *Compactor) Compact(ctx context.Context, items []entity.ResponseItem, plan entity.Plan) []entity.ResponseItem {
	if len(items) <= c.keepLast {
		return items
	}

	var ghosts []entity.ResponseItem
	var rest []entity.ResponseItem
	for _, it := range items {
		if it.Kind == entity.ItemGhostSnapshot {
			ghosts = append(ghosts, it)
		} else {
			rest = append(rest, it)
		}
	}

	if len(rest) <= c.keepLast {
		return items
	}
	cut := len(rest) - c.keepLast
	older, recent := rest[:cut], rest[cut:]

	summary := ""
	if c.summarizer != nil {
		if s, err := c.summarizer.Summarize(ctx, older); err == nil && s != "" {
			summary = s
		}
	}
	if summary == "" {
		summary = truncationSummary(older)
	}

	out := make([]entity.ResponseItem, 0, len(recent)+len(ghosts)+2)
	out = append(out, entity.ResponseItem{
		Kind:   entity.ItemCompactionSummary,
		Opaque: map[string]any{"summary": summary, "items_compacted": len(older)},
	})
	if plan.HasInProgress() {
		reminder := entity.NewMessage(entity.RoleUser, entity.InputText(planStateReminder(plan)))
		reminder.Opaque = map[string]any{"core_injected": true}
		out = append(out, reminder)
	}
	out = append(out, recent...)
	out = append(out, ghosts...)
	return out
}

func planStateReminder(plan entity.Plan) string {
	var sb strings.Builder
	sb.WriteString("[system-reminder] The task plan was in progress when context was compacted. Current plan state:\n")
	for _, step := range plan.Steps {
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", step.Status, step.Text))
	}
	return sb.String()
}
