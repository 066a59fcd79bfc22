// Package chat implements the Chat-Completions-API wire protocol: a
// single JSON object per SSE chunk, tool calls fragmented across chunks
// by index, and no structured reasoning channel — reasoning arrives (if
// at all) as a provider-specific "reasoning_details" extension or as XML
// tags embedded in the text content, both of which this client recovers
// before handing items to the context manager.
//
// Grounded on the teacher's OpenAIBuiltinProvider SSE loop: idle-timeout
// reader, three-tier stream termination, and the force-close-body pattern
// for context cancellation.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm/apierr"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm/turnsign"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm/wire"
	"go.uber.org/zap"
)

// Client is a Chat-Completions-API wire.Client.
type Client struct {
	cfg    wire.Config
	client *http.Client
	logger *zap.Logger
}

func New(cfg wire.Config, logger *zap.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: logger.With(zap.String("wire", "chat")),
	}
}

var _ wire.Client = (*Client)(nil)

func (c *Client) Name() string { return "chat-completions" }

type chunk struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage"`
}

type choice struct {
	Delta            delta   `json:"delta"`
	FinishReason     *string `json:"finish_reason"`
	ThoughtSignature string  `json:"thought_signature,omitempty"`
}

type delta struct {
	Role             string            `json:"role,omitempty"`
	Content          json.RawMessage   `json:"content,omitempty"`
	Reasoning        json.RawMessage   `json:"reasoning,omitempty"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []toolCallDelta   `json:"tool_calls,omitempty"`
	ReasoningDetails []reasoningDetail `json:"reasoning_details,omitempty"`
	ThoughtSignature string            `json:"thought_signature,omitempty"`
}

type reasoningDetail struct {
	Text       string `json:"text,omitempty"`
	Data       string `json:"data,omitempty"` // provider-encrypted fallback blob
	Signature  string `json:"signature,omitempty"`
	ToolCallID string `json:"id,omitempty"` // keys the encrypted blob to a tool-call id
}

type toolCallDelta struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id"`
	Function struct {
		Name             string `json:"name"`
		Arguments        string `json:"arguments"`
		ThoughtSignature string `json:"thought_signature,omitempty"`
	} `json:"function"`
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

type usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

// toolCallAccumulator is one in-progress tool-call slot keyed either by the
// index the provider assigned it or, for id-only/anchorless fragments, a
// synthetic negative slot allocated as fragments arrive.
type toolCallAccumulator struct {
	id               string
	name             string
	args             strings.Builder
	thoughtSignature string
}

// StreamTurn posts the prompt and decodes the SSE stream into normalized
// ResponseEvents on the returned channel.
func (c *Client) StreamTurn(ctx context.Context, conversationID string, prompt entity.Prompt) (<-chan entity.ResponseEvent, error) {
	body, err := json.Marshal(c.buildRequest(prompt))
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "marshal chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	sig := turnsign.Sign(conversationID, prompt.IsUserTurn, time.Now())
	for k, v := range sig.Headers(conversationID) {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apierr.ClassifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, apierr.ClassifyHTTP(resp.StatusCode, respBody, 0)
	}

	out := make(chan entity.ResponseEvent, 16)

	// context.Context cancellation does not unblock a Read() already in
	// flight; force-closing the body is what actually interrupts it.
	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	go func() {
		defer close(out)
		defer close(streamDone)
		c.decode(ctx, resp.Body, out)
	}()

	return out, nil
}

// decode scans the SSE body and reconstructs items from the per-chunk
// deltas. Every exit path emits exactly one terminal event (Completed or
// StreamError): a successful finish_reason/[DONE], an idle timeout, a read
// error, or falling off the end of the stream without either.
func (c *Client) decode(ctx context.Context, r io.Reader, out chan<- entity.ResponseEvent) {
	tr := &wire.IdleTimeoutReader{R: r, Timeout: 60 * time.Second}
	scanner := bufio.NewScanner(tr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	terminal := false
	emitTerminal := func(ev entity.ResponseEvent) {
		if terminal {
			return
		}
		terminal = true
		out <- ev
	}
	defer func() {
		if !terminal {
			emitTerminal(entity.NewStreamErrorEvent(apierr.Wrap(apierr.Stream, "stream ended before a completed/failed event", nil)))
		}
	}()

	var reasoningBuilder strings.Builder
	xs := &xmlScanner{}
	toolCalls := map[int]*toolCallAccumulator{}
	idToSlot := map[string]int{}
	reasoningSigByCallID := map[string]string{}
	var order []int
	nextSyntheticSlot := -1
	lastSlot := 0
	haveLastSlot := false
	var usageSeen usage
	itemIndex := 0

	slotFor := func(tc toolCallDelta) *toolCallAccumulator {
		var idx int
		switch {
		case tc.Index != nil:
			idx = *tc.Index
			if _, ok := toolCalls[idx]; !ok {
				toolCalls[idx] = &toolCallAccumulator{}
				order = append(order, idx)
			}
			if tc.ID != "" {
				idToSlot[tc.ID] = idx
			}
		case tc.ID != "":
			if existing, ok := idToSlot[tc.ID]; ok {
				idx = existing
			} else {
				idx = nextSyntheticSlot
				nextSyntheticSlot--
				toolCalls[idx] = &toolCallAccumulator{}
				order = append(order, idx)
				idToSlot[tc.ID] = idx
			}
		case haveLastSlot:
			idx = lastSlot
		default:
			idx = nextSyntheticSlot
			nextSyntheticSlot--
			toolCalls[idx] = &toolCallAccumulator{}
			order = append(order, idx)
		}
		lastSlot = idx
		haveLastSlot = true
		return toolCalls[idx]
	}

	finishWholeItemFrame := func(data []byte) bool {
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			return false
		}
		if probe.Type != "reasoning" && probe.Type != "message" {
			return false
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return false
		}
		item := wholeItemFromRaw(probe.Type, raw)
		out <- entity.NewOutputItemDoneEvent(itemIndex, item)
		itemIndex++
		emitTerminal(entity.NewCompletedEvent("", entity.TokenUsage{}))
		return true
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		if finishWholeItemFrame([]byte(data)) {
			return
		}

		var ch chunk
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			continue
		}
		if ch.Usage != nil {
			usageSeen = *ch.Usage
		}
		if len(ch.Choices) == 0 {
			continue
		}
		choice := ch.Choices[0]
		d := choice.Delta

		if content := extractContentText(d.Content); content != "" {
			if safe := xs.feed(content); safe != "" {
				out <- entity.NewOutputTextDeltaEvent(itemIndex, safe)
			}
		}
		if reasoningText := extractReasoningText(d.Reasoning); strings.TrimSpace(reasoningText) != "" {
			reasoningBuilder.WriteString(reasoningText)
			out <- entity.ResponseEvent{Kind: entity.EventReasoningContentDelta, Index: itemIndex, Delta: reasoningText}
		}
		if strings.TrimSpace(d.ReasoningContent) != "" {
			reasoningBuilder.WriteString(d.ReasoningContent)
			out <- entity.ResponseEvent{Kind: entity.EventReasoningContentDelta, Index: itemIndex, Delta: d.ReasoningContent}
		}
		for _, rd := range d.ReasoningDetails {
			if rd.Text != "" {
				reasoningBuilder.WriteString(rd.Text)
			}
			if rd.ToolCallID != "" && rd.Signature != "" {
				reasoningSigByCallID[rd.ToolCallID] = rd.Signature
			} else if rd.ToolCallID != "" && rd.Data != "" {
				reasoningSigByCallID[rd.ToolCallID] = rd.Data
			}
		}

		for _, tc := range d.ToolCalls {
			acc := slotFor(tc)
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" && acc.name == "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
			if acc.thoughtSignature == "" {
				switch {
				case tc.Function.ThoughtSignature != "":
					acc.thoughtSignature = tc.Function.ThoughtSignature
				case tc.ThoughtSignature != "":
					acc.thoughtSignature = tc.ThoughtSignature
				case d.ThoughtSignature != "":
					acc.thoughtSignature = d.ThoughtSignature
				case choice.ThoughtSignature != "":
					acc.thoughtSignature = choice.ThoughtSignature
				}
			}
		}

		if choice.FinishReason != nil {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if wire.IsIdleTimeout(err) {
			emitTerminal(entity.NewStreamErrorEvent(apierr.Wrap(apierr.Stream, "idle timeout waiting for next SSE event", err)))
		} else {
			emitTerminal(entity.NewStreamErrorEvent(apierr.ClassifyTransport(err)))
		}
		return
	}

	if safe := xs.finalize(); safe != "" {
		out <- entity.NewOutputTextDeltaEvent(itemIndex, safe)
	}

	if display := xs.display.String(); display != "" {
		item := entity.NewMessage(entity.RoleAssistant, entity.OutputText(display))
		out <- entity.NewOutputItemDoneEvent(itemIndex, item)
		itemIndex++
	}

	if reasoningBuilder.Len() > 0 {
		item := entity.ResponseItem{
			Kind:             entity.ItemReasoning,
			ReasoningContent: []entity.ReasoningText{{Text: reasoningBuilder.String()}},
		}
		out <- entity.NewOutputItemDoneEvent(itemIndex, item)
		itemIndex++
	}

	for _, idx := range order {
		acc := toolCalls[idx]
		if acc.name == "" {
			continue // spec §4.1.2 rule 5: skip slots with no name
		}
		if acc.thoughtSignature == "" {
			acc.thoughtSignature = reasoningSigByCallID[acc.id]
		}
		item := entity.NewFunctionCall(acc.name, acc.id, acc.args.String())
		item.ThoughtSignature = acc.thoughtSignature
		out <- entity.NewOutputItemDoneEvent(itemIndex, item)
		itemIndex++
	}

	for i, call := range xs.calls {
		item := entity.NewFunctionCall(call.name, fmt.Sprintf("xml-tool-call-%d", i), call.args)
		out <- entity.NewOutputItemDoneEvent(itemIndex, item)
		itemIndex++
	}

	emitTerminal(entity.NewCompletedEvent("", entity.TokenUsage{
		InputTokens:           usageSeen.PromptTokens,
		OutputTokens:          usageSeen.CompletionTokens,
		TotalTokens:           usageSeen.TotalTokens,
		CachedInputTokens:     cachedTokens(usageSeen),
		ReasoningOutputTokens: reasoningTokens(usageSeen),
	}))
}

func cachedTokens(u usage) int {
	if u.PromptTokensDetails == nil {
		return 0
	}
	return u.PromptTokensDetails.CachedTokens
}

func reasoningTokens(u usage) int {
	if u.CompletionTokensDetails == nil {
		return 0
	}
	return u.CompletionTokensDetails.ReasoningTokens
}

// extractContentText normalizes delta.content, which providers send as
// either a bare string or an array of {type: "text", text} parts.
func extractContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		return b.String()
	}
	return ""
}

// extractReasoningText normalizes delta.reasoning, which providers send as
// a bare string, an object with text/content, or an object whose content is
// itself an array of {type: reasoning_text, text} parts.
func extractReasoningText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Text    string          `json:"text"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if obj.Text != "" {
		return obj.Text
	}
	if len(obj.Content) == 0 {
		return ""
	}
	var direct string
	if err := json.Unmarshal(obj.Content, &direct); err == nil {
		return direct
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(obj.Content, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		return b.String()
	}
	return ""
}

// wholeItemFromRaw builds the non-standard whole-item frame (spec §4.1.2
// rule 7) — a bare {type: "reasoning"|"message", ...} object sent in place
// of the usual {choices:[...]} chunk.
func wholeItemFromRaw(kind string, raw map[string]any) entity.ResponseItem {
	switch kind {
	case "reasoning":
		text, _ := raw["text"].(string)
		return entity.ResponseItem{Kind: entity.ItemReasoning, ReasoningContent: []entity.ReasoningText{{Text: text}}}
	default: // "message"
		role, _ := raw["role"].(string)
		content, _ := raw["content"].(string)
		if role == "" {
			role = string(entity.RoleAssistant)
		}
		return entity.NewMessage(entity.Role(role), entity.OutputText(content))
	}
}

// xmlToolCall is one fully-parsed <tool_call> block recovered from the
// rolling content buffer.
type xmlToolCall struct {
	name string
	args string // JSON-encoded map<string,string>
}

const xmlToolCallOpen = "<tool_call>"
const xmlToolCallClose = "</tool_call>"

var xmlFunctionPattern = regexp.MustCompile(`(?s)^<tool_call><function=([^>]+)>(.*)</function></tool_call>$`)
var xmlParamPattern = regexp.MustCompile(`(?s)<parameter=([^>]+)>(.*?)</parameter>`)

// xmlScanner recovers XML-embedded tool calls (spec §4.1.2 rule 4) from a
// rolling assistant-text buffer as content deltas arrive, so a <tool_call>
// block split across multiple SSE chunks is never leaked to the user as
// plain text before being recognized.
type xmlScanner struct {
	buf     strings.Builder
	pos     int
	display strings.Builder
	calls   []xmlToolCall
}

// feed appends new content and returns the prefix of it, if any, that is
// now confirmed not to be (part of) a <tool_call> block and safe to stream
// immediately.
func (s *xmlScanner) feed(chunk string) string {
	s.buf.WriteString(chunk)
	var emitted strings.Builder

	for {
		full := s.buf.String()
		rest := full[s.pos:]

		i := strings.Index(rest, xmlToolCallOpen)
		if i < 0 {
			keep := longestPartialSuffix(rest, xmlToolCallOpen)
			safe := rest[:len(rest)-keep]
			if safe == "" {
				return emitted.String()
			}
			s.display.WriteString(safe)
			s.pos += len(safe)
			emitted.WriteString(safe)
			return emitted.String()
		}

		if i > 0 {
			safe := rest[:i]
			s.display.WriteString(safe)
			s.pos += i
			emitted.WriteString(safe)
			rest = rest[i:]
		}

		j := strings.Index(rest, xmlToolCallClose)
		if j < 0 {
			return emitted.String() // tag opened but not yet closed
		}

		block := rest[:j+len(xmlToolCallClose)]
		if call, ok := parseXMLToolCall(block); ok {
			s.calls = append(s.calls, call)
		} else {
			s.display.WriteString(block)
			emitted.WriteString(block)
		}
		s.pos += len(block)
	}
}

// finalize flushes any trailing content left unresolved when the stream
// ends — a dangling unclosed "<tool_call>" is surfaced as plain text
// rather than silently dropped.
func (s *xmlScanner) finalize() string {
	full := s.buf.String()
	rest := full[s.pos:]
	if rest == "" {
		return ""
	}
	s.display.WriteString(rest)
	s.pos += len(rest)
	return rest
}

// longestPartialSuffix returns the length of the longest suffix of s that
// is a non-empty proper prefix of tag, i.e. text that could still grow
// into tag with more bytes and so isn't safe to emit yet.
func longestPartialSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, tag[:l]) {
			return l
		}
	}
	return 0
}

func parseXMLToolCall(block string) (xmlToolCall, bool) {
	m := xmlFunctionPattern.FindStringSubmatch(block)
	if m == nil {
		return xmlToolCall{}, false
	}
	name := strings.TrimSpace(m[1])
	params := xmlParamPattern.FindAllStringSubmatch(m[2], -1)
	args := map[string]string{}
	for _, p := range params {
		args[strings.TrimSpace(p[1])] = p[2]
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return xmlToolCall{}, false
	}
	return xmlToolCall{name: name, args: string(raw)}, true
}

type chatMessage struct {
	Role             string               `json:"role"`
	Content          any                  `json:"content"`
	ToolCalls        []apiToolCall        `json:"tool_calls,omitempty"`
	ToolCallID       string               `json:"tool_call_id,omitempty"`
	Reasoning        string               `json:"reasoning,omitempty"`
	ReasoningDetails []apiReasoningDetail `json:"reasoning_details,omitempty"`
}

type apiToolCall struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	ThoughtSignature string `json:"thought_signature,omitempty"`
	Function         struct {
		Name      string `json:"name"`
		Arguments any    `json:"arguments"`
	} `json:"function"`
}

type apiReasoningDetail struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Data   string `json:"data"`
	Format string `json:"format"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type reasoningConfig struct {
	Enabled bool `json:"enabled"`
}

type streamOptions struct {
	IncludeUsage     bool `json:"include_usage"`
	IncludeReasoning bool `json:"include_reasoning"`
}

type chatRequest struct {
	Model             string           `json:"model"`
	Messages          []chatMessage    `json:"messages"`
	Tools             []map[string]any `json:"tools,omitempty"`
	Stream            bool             `json:"stream"`
	ParallelToolCalls *bool            `json:"parallel_tool_calls,omitempty"`
	Reasoning         *reasoningConfig `json:"reasoning,omitempty"`
	StreamOptions     *streamOptions   `json:"stream_options,omitempty"`
}

// buildRequest assembles the Chat-Completions request body (spec §4.3).
func (c *Client) buildRequest(prompt entity.Prompt) chatRequest {
	req := chatRequest{Model: c.cfg.Model, Stream: true}

	// rule 5: omit tools entirely when empty — some providers reject
	// tools: [].
	if len(prompt.Tools) > 0 {
		req.Tools = prompt.Tools
		p := prompt.ParallelToolCalls
		req.ParallelToolCalls = &p
	}

	// rule 1: seed with the system instructions.
	if prompt.Instructions != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: prompt.Instructions})
	}
	req.Messages = append(req.Messages, assembleMessages(prompt.Input)...)

	// rule 6: gemini-3 family reasoning/stream_options quirk.
	if strings.Contains(c.cfg.Model, "gemini-3") {
		req.Reasoning = &reasoningConfig{Enabled: true}
		req.StreamOptions = &streamOptions{IncludeUsage: true, IncludeReasoning: true}
	}

	return req
}

// assembleMessages converts the canonical item history into Chat messages
// per spec §4.3 rules 2-4.
func assembleMessages(items []entity.ResponseItem) []chatMessage {
	// rule 2: calls without a matching output become plain assistant text,
	// never tool_calls — many providers reject orphaned tool-call messages.
	hasOutput := map[string]bool{}
	for _, item := range items {
		if item.IsOutput() {
			if id, ok := item.MatchID(); ok {
				hasOutput[id] = true
			}
		}
	}

	// Reasoning pre-pass: splice each Reasoning item's text onto its
	// nearest assistant anchor (a preceding assistant message/call, or
	// failing that the next one) instead of emitting it directly.
	reasoningFor := map[int]string{}
	for i, item := range items {
		if item.Kind != entity.ItemReasoning {
			continue
		}
		text := reasoningItemText(item)
		if text == "" {
			continue
		}
		anchor := -1
		for j := i - 1; j >= 0; j-- {
			if isAssistantAnchor(items[j]) {
				anchor = j
				break
			}
		}
		if anchor < 0 {
			for j := i + 1; j < len(items); j++ {
				if isAssistantAnchor(items[j]) {
					anchor = j
					break
				}
			}
		}
		if anchor < 0 {
			continue
		}
		if reasoningFor[anchor] != "" {
			reasoningFor[anchor] += "\n" + text
		} else {
			reasoningFor[anchor] = text
		}
	}

	var messages []chatMessage
	appendMessage := func(m chatMessage) {
		// rule 3: dedupe consecutive identical assistant texts.
		if m.Role == "assistant" && len(m.ToolCalls) == 0 {
			if n := len(messages); n > 0 {
				last := messages[n-1]
				if last.Role == "assistant" && len(last.ToolCalls) == 0 {
					if ls, ok := last.Content.(string); ok {
						if ms, ok2 := m.Content.(string); ok2 && ls == ms {
							return
						}
					}
				}
			}
		}
		messages = append(messages, m)
	}

	for i, item := range items {
		switch item.Kind {
		case entity.ItemReasoning:
			continue // spliced in above

		case entity.ItemMessage:
			m := chatMessage{Role: string(item.Role), Content: messageContent(item)}
			if item.Role == entity.RoleAssistant {
				m.Reasoning = reasoningFor[i]
			}
			appendMessage(m)

		case entity.ItemFunctionCall:
			if !hasOutput[item.CallID] {
				appendMessage(chatMessage{Role: "assistant", Content: formatOrphanCall(item.Name, item.CallID, item.Arguments)})
				continue
			}
			m := chatMessage{Role: "assistant", Content: nil, ToolCalls: []apiToolCall{functionToolCall(item.Name, item.CallID, item.Arguments, item.ThoughtSignature)}}
			if item.ThoughtSignature != "" {
				m.ReasoningDetails = []apiReasoningDetail{{ID: item.CallID, Type: "reasoning.encrypted", Data: item.ThoughtSignature, Format: "google-gemini-v1"}}
			}
			m.Reasoning = reasoningFor[i]
			appendMessage(m)

		case entity.ItemFunctionCallOutput:
			appendMessage(chatMessage{Role: "tool", Content: outputContent(item), ToolCallID: item.CallID})

		case entity.ItemLocalShellCall:
			// rule 3: LocalShellCall always lowers to assistant text —
			// same fallback rationale as orphaned calls.
			appendMessage(chatMessage{Role: "assistant", Content: formatLocalShellCall(item)})

		case entity.ItemCustomToolCall:
			if !hasOutput[item.CallID] {
				appendMessage(chatMessage{Role: "assistant", Content: formatOrphanCall(item.Name, item.CallID, item.CustomInput)})
				continue
			}
			appendMessage(chatMessage{Role: "assistant", Content: nil, ToolCalls: []apiToolCall{functionToolCall(item.Name, item.CallID, item.CustomInput, "")}})

		case entity.ItemCustomToolOutput:
			appendMessage(chatMessage{Role: "tool", Content: outputContent(item), ToolCallID: item.CallID})
		}
	}

	// rule 4: providers reject assistant-only transcripts; hedge with a
	// trailing user turn when none is present.
	hasUser := false
	for _, m := range messages {
		if m.Role == "user" {
			hasUser = true
			break
		}
	}
	if !hasUser {
		messages = append(messages, chatMessage{Role: "user", Content: "请继续"})
	}

	return messages
}

func isAssistantAnchor(item entity.ResponseItem) bool {
	return item.Kind == entity.ItemFunctionCall ||
		item.Kind == entity.ItemCustomToolCall ||
		(item.Kind == entity.ItemMessage && item.Role == entity.RoleAssistant)
}

func reasoningItemText(item entity.ResponseItem) string {
	var parts []string
	for _, s := range item.Summary {
		if strings.TrimSpace(s.Text) != "" {
			parts = append(parts, s.Text)
		}
	}
	for _, r := range item.ReasoningContent {
		if strings.TrimSpace(r.Text) != "" {
			parts = append(parts, r.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// messageContent renders a Message's content as a plain string, or the
// array form when it carries an image (spec §4.3 rule 3).
func messageContent(item entity.ResponseItem) any {
	if !item.HasImage() {
		return item.TextContent()
	}
	var parts []contentPart
	for _, c := range item.Content {
		switch c.Kind {
		case entity.ContentInputText, entity.ContentOutputText:
			if c.Text != "" {
				parts = append(parts, contentPart{Type: "text", Text: c.Text})
			}
		case entity.ContentInputImage:
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: c.URL}})
		}
	}
	return parts
}

// outputContent renders a tool output's content as its raw string, or the
// array form when content_items is populated.
func outputContent(item entity.ResponseItem) any {
	if len(item.OutputItems) == 0 {
		return item.Output
	}
	var parts []contentPart
	for _, c := range item.OutputItems {
		switch c.Kind {
		case entity.ContentInputText, entity.ContentOutputText:
			parts = append(parts, contentPart{Type: "text", Text: c.Text})
		case entity.ContentInputImage:
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: c.URL}})
		}
	}
	return parts
}

func functionToolCall(name, callID, arguments, thoughtSignature string) apiToolCall {
	tc := apiToolCall{ID: callID, Type: "function", ThoughtSignature: thoughtSignature}
	tc.Function.Name = name
	tc.Function.Arguments = normalizeArguments(arguments)
	return tc
}

// normalizeArguments yields the parsed JSON value when arguments is valid
// JSON, else the raw string (spec §4.3 rule 3).
func normalizeArguments(raw string) any {
	if raw == "" {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func prettyJSON(raw string) string {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return raw
	}
	return string(pretty)
}

func formatOrphanCall(name, callID, arguments string) string {
	return fmt.Sprintf("[Tool Call: %s]\nArguments: %s\nCall ID: %s\n(No output recorded)", name, prettyJSON(arguments), callID)
}

func formatLocalShellCall(item entity.ResponseItem) string {
	args, _ := json.Marshal(item.Action)
	return fmt.Sprintf("[Tool Call: local_shell]\nArguments: %s\nCall ID: %s\n(No output recorded)", prettyJSON(string(args)), item.CallID)
}
