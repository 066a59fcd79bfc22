// Package responses implements the Responses-API wire protocol: the
// server emits one typed SSE event per line (response.created,
// response.output_item.added, response.output_text.delta, ...), so
// decoding is a direct tag dispatch rather than the Chat-Completions
// delta-merge-by-index reconstruction.
package responses

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
	"strings"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm/apierr"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm/turnsign"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm/wire"
	"go.uber.org/zap"
)

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
	return &Client{cfg: cfg, client: &http.Client{Transport: transport}, logger: logger.With(zap.String("wire", "responses"))}
}

var _ wire.Client = (*Client)(nil)

func (c *Client) Name() string { return "responses" }

type wireEvent struct {
	Type     string          `json:"type"`
	Response json.RawMessage `json:"response,omitempty"`
	Item     json.RawMessage `json:"item,omitempty"`
	Index    int             `json:"output_index,omitempty"`
	Delta    string          `json:"delta,omitempty"`
	SummaryIndex int         `json:"summary_index,omitempty"`
}

type wireResponse struct {
	ID    string     `json:"id"`
	Usage wireUsage  `json:"usage"`
	Error *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	InputTokensCached        int `json:"input_tokens_cached"`
	OutputTokens             int `json:"output_tokens"`
	OutputTokensReasoning    int `json:"output_tokens_reasoning"`
	TotalTokens              int `json:"total_tokens"`
}

type wireItem struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	Arguments string        `json:"arguments"`
	Status  string          `json:"status"`
	Role    string           `json:"role"`
	Content []wireContent    `json:"content"`
	Summary []wireSummary    `json:"summary"`
	EncryptedContent string  `json:"encrypted_content"`
	ThoughtSignature string  `json:"thought_signature"`
	Output  string           `json:"output"`
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
	URL  string `json:"image_url"`
}

type wireSummary struct {
	Text string `json:"text"`
}

func (c *Client) StreamTurn(ctx context.Context, conversationID string, prompt entity.Prompt) (<-chan entity.ResponseEvent, error) {
	body, err := json.Marshal(c.buildRequest(prompt))
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "marshal responses request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.Fatal, "build responses request", err)
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

// decode scans the SSE body and dispatches each typed frame. Every exit
// path — a completed/failed frame, [DONE], EOF, idle timeout, or context
// cancellation — emits exactly one terminal event (Completed or
// StreamError) before returning, never both and never neither.
func (c *Client) decode(ctx context.Context, r io.Reader, out chan<- entity.ResponseEvent) {
	tr := &wire.IdleTimeoutReader{R: r, Timeout: 60 * time.Second}
	scanner := bufio.NewScanner(tr)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

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
			return
		}

		var ev wireEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "response.created":
			var resp wireResponse
			json.Unmarshal(ev.Response, &resp)
			out <- entity.NewCreatedEvent(resp.ID)

		case "response.output_item.added":
			item := decodeItem(ev.Item)
			out <- entity.NewOutputItemAddedEvent(ev.Index, item)

		case "response.output_item.done":
			item := decodeItem(ev.Item)
			out <- entity.NewOutputItemDoneEvent(ev.Index, item)

		case "response.output_text.delta":
			out <- entity.NewOutputTextDeltaEvent(ev.Index, ev.Delta)

		case "response.reasoning_summary_text.delta":
			out <- entity.ResponseEvent{Kind: entity.EventReasoningSummaryDelta, Index: ev.Index, Delta: ev.Delta}

		case "response.reasoning_text.delta":
			out <- entity.ResponseEvent{Kind: entity.EventReasoningContentDelta, Index: ev.Index, Delta: ev.Delta}

		case "response.reasoning_summary_part.added":
			out <- entity.ResponseEvent{Kind: entity.EventReasoningSummaryPartAdded, Index: ev.Index, SummaryIndex: ev.SummaryIndex}

		case "response.rate_limits.updated":
			out <- entity.NewRateLimitsEvent(decodeRateLimits(ev.Response))

		case "response.failed":
			var resp wireResponse
			json.Unmarshal(ev.Response, &resp)
			var code, message string
			if resp.Error != nil {
				code, message = resp.Error.Code, resp.Error.Message
			}
			emitTerminal(entity.NewStreamErrorEvent(apierr.ClassifyResponseFailed(code, message)))
			return

		case "response.completed":
			var resp wireResponse
			json.Unmarshal(ev.Response, &resp)
			emitTerminal(entity.NewCompletedEvent(resp.ID, entity.TokenUsage{
				InputTokens:           resp.Usage.InputTokens,
				CachedInputTokens:     resp.Usage.InputTokensCached,
				OutputTokens:          resp.Usage.OutputTokens,
				ReasoningOutputTokens: resp.Usage.OutputTokensReasoning,
				TotalTokens:           resp.Usage.TotalTokens,
			}))
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if wire.IsIdleTimeout(err) {
			emitTerminal(entity.NewStreamErrorEvent(apierr.Wrap(apierr.Stream, "idle timeout waiting for next SSE event", err)))
		} else {
			emitTerminal(entity.NewStreamErrorEvent(apierr.ClassifyTransport(err)))
		}
	}
}

func decodeItem(raw json.RawMessage) entity.ResponseItem {
	var wi wireItem
	json.Unmarshal(raw, &wi)

	switch wi.Type {
	case "message":
		var content []entity.ContentItem
		for _, c := range wi.Content {
			switch c.Type {
			case "input_text":
				content = append(content, entity.InputText(c.Text))
			case "output_text":
				content = append(content, entity.OutputText(c.Text))
			case "input_image":
				content = append(content, entity.InputImage(c.URL))
			}
		}
		return entity.NewMessage(entity.Role(wi.Role), content...)

	case "reasoning":
		var summaries []entity.SummaryText
		for _, s := range wi.Summary {
			summaries = append(summaries, entity.SummaryText{Text: s.Text})
		}
		return entity.ResponseItem{
			Kind:             entity.ItemReasoning,
			ReasoningID:      wi.ID,
			Summary:          summaries,
			EncryptedContent: wi.EncryptedContent,
		}

	case "function_call":
		item := entity.NewFunctionCall(wi.Name, wi.CallID, wi.Arguments)
		item.ThoughtSignature = wi.ThoughtSignature
		return item

	case "function_call_output":
		return entity.NewFunctionCallOutput(wi.CallID, wi.Output)

	case "local_shell_call":
		return entity.ResponseItem{
			Kind:             entity.ItemLocalShellCall,
			LocalShellID:     wi.ID,
			CallID:           wi.CallID,
			LocalShellStatus: wi.Status,
		}

	case "custom_tool_call":
		return entity.ResponseItem{
			Kind:         entity.ItemCustomToolCall,
			CustomID:     wi.ID,
			CallID:       wi.CallID,
			Name:         wi.Name,
			CustomInput:  wi.Arguments,
			CustomStatus: wi.Status,
		}

	case "custom_tool_call_output":
		return entity.ResponseItem{Kind: entity.ItemCustomToolOutput, CallID: wi.CallID, Output: wi.Output}

	case "web_search_call":
		return entity.ResponseItem{Kind: entity.ItemWebSearchCall, CallID: wi.CallID, LocalShellStatus: wi.Status}

	default:
		return entity.ResponseItem{Kind: entity.ItemOther, Opaque: map[string]any{"raw": string(raw)}}
	}
}

func decodeRateLimits(raw json.RawMessage) entity.RateLimitSnapshot {
	var payload struct {
		Primary *struct {
			UsedPercent   float64 `json:"used_percent"`
			WindowMinutes int     `json:"window_minutes"`
			ResetsIn      int     `json:"resets_in_seconds"`
		} `json:"primary"`
		Secondary *struct {
			UsedPercent   float64 `json:"used_percent"`
			WindowMinutes int     `json:"window_minutes"`
			ResetsIn      int     `json:"resets_in_seconds"`
		} `json:"secondary"`
	}
	json.Unmarshal(raw, &payload)

	var snap entity.RateLimitSnapshot
	if payload.Primary != nil {
		snap.Primary = &entity.RateLimitWindow{
			UsedPercent:     payload.Primary.UsedPercent,
			WindowMinutes:   payload.Primary.WindowMinutes,
			ResetsInSeconds: payload.Primary.ResetsIn,
		}
	}
	if payload.Secondary != nil {
		snap.Secondary = &entity.RateLimitWindow{
			UsedPercent:     payload.Secondary.UsedPercent,
			WindowMinutes:   payload.Secondary.WindowMinutes,
			ResetsInSeconds: payload.Secondary.ResetsIn,
		}
	}
	return snap
}

type wireRequest struct {
	Model        string           `json:"model"`
	Input        []json.RawMessage `json:"input"`
	Instructions string           `json:"instructions,omitempty"`
	Tools        []map[string]any `json:"tools,omitempty"`
	ParallelToolCalls bool        `json:"parallel_tool_calls"`
	Stream       bool             `json:"stream"`
}

func (c *Client) buildRequest(prompt entity.Prompt) wireRequest {
	req := wireRequest{
		Model:             c.cfg.Model,
		Instructions:      prompt.Instructions,
		Tools:             prompt.Tools,
		ParallelToolCalls: prompt.ParallelToolCalls,
		Stream:            true,
	}
	for _, item := range prompt.Input {
		raw, err := encodeItem(item)
		if err != nil {
			continue
		}
		req.Input = append(req.Input, raw)
	}
	return req
}

func encodeItem(item entity.ResponseItem) (json.RawMessage, error) {
	switch item.Kind {
	case entity.ItemMessage:
		var content []map[string]string
		for _, c := range item.Content {
			switch c.Kind {
			case entity.ContentInputText:
				content = append(content, map[string]string{"type": "input_text", "text": c.Text})
			case entity.ContentOutputText:
				content = append(content, map[string]string{"type": "output_text", "text": c.Text})
			case entity.ContentInputImage:
				content = append(content, map[string]string{"type": "input_image", "image_url": c.URL})
			}
		}
		return json.Marshal(map[string]any{"type": "message", "role": string(item.Role), "content": content})

	case entity.ItemFunctionCall:
		return json.Marshal(map[string]any{
			"type": "function_call", "name": item.Name, "call_id": item.CallID, "arguments": item.Arguments,
		})

	case entity.ItemFunctionCallOutput:
		return json.Marshal(map[string]any{
			"type": "function_call_output", "call_id": item.CallID, "output": item.Output,
		})

	case entity.ItemReasoning:
		return json.Marshal(map[string]any{
			"type": "reasoning", "id": item.ReasoningID, "encrypted_content": item.EncryptedContent,
		})

	default:
		return nil, fmt.Errorf("unsupported item kind for encoding: %s", item.Kind)
	}
}
