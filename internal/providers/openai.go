package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// OpenAICompat talks to any OpenAI-compatible chat completions endpoint.
// Base URL and key come from the environment so credentials never live in
// the config file.
type OpenAICompat struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAICompat creates a client. baseURL defaults to the OpenAI API.
func NewOpenAICompat(baseURL, apiKey string) *OpenAICompat {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAICompat{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *OpenAICompat) Name() string { return "openai-compat" }

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"function"`
}

func toWire(req ChatRequest) wireRequest {
	wr := wireRequest{Model: req.Model}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			args, _ := json.Marshal(tc.Arguments)
			wtc.Function.Arguments = string(args)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wr.Messages = append(wr.Messages, wm)
	}
	for _, t := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		wr.Tools = append(wr.Tools, wt)
	}
	if v, ok := req.Options["max_tokens"].(int); ok {
		wr.MaxTokens = v
	}
	if v, ok := req.Options["temperature"].(float64); ok {
		wr.Temperature = v
	}
	return wr
}

func fromWireCalls(calls []wireToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		tc := ToolCall{ID: c.ID, Name: c.Function.Name}
		if c.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(c.Function.Arguments), &tc.Arguments)
		}
		out = append(out, tc)
	}
	return out
}

func (p *OpenAICompat) do(ctx context.Context, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: ErrKindProviderTransient, Message: err.Error()}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTP(resp, string(data))
	}
	return resp, nil
}

func classifyHTTP(resp *http.Response, body string) *Error {
	e := &Error{Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(body))}
	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		e.Kind = ErrKindAuth
	// Quota exhaustion often arrives as a 429; it must not be retried
	// like an ordinary rate limit.
	case resp.StatusCode == 402 || strings.Contains(body, "insufficient_quota"):
		e.Kind = ErrKindBillingExhausted
	case resp.StatusCode == 429:
		e.Kind = ErrKindRateLimit
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case resp.StatusCode == 400 || resp.StatusCode == 404 || resp.StatusCode == 422:
		e.Kind = ErrKindBadRequest
	case resp.StatusCode >= 500:
		e.Kind = ErrKindProviderTransient
	default:
		e.Kind = ErrKindProviderFatal
	}
	return e
}

// Chat performs a blocking completion.
func (p *OpenAICompat) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.do(ctx, toWire(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Choices []struct {
			Message struct {
				Content   string         `json:"content"`
				Reasoning string         `json:"reasoning,omitempty"`
				ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
			} `json:"message"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &Error{Kind: ErrKindProviderTransient, Message: "decode response: " + err.Error()}
	}
	if len(body.Choices) == 0 {
		return nil, &Error{Kind: ErrKindProviderFatal, Message: "empty choices"}
	}

	out := &ChatResponse{
		Content:   body.Choices[0].Message.Content,
		Reasoning: body.Choices[0].Message.Reasoning,
		ToolCalls: fromWireCalls(body.Choices[0].Message.ToolCalls),
	}
	if body.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     body.Usage.PromptTokens,
			CompletionTokens: body.Usage.CompletionTokens,
			TotalTokens:      body.Usage.TotalTokens,
		}
	}
	return out, nil
}

// ChatStream performs a streaming completion, invoking fn for each delta
// and returning the assembled response.
func (p *OpenAICompat) ChatStream(ctx context.Context, req ChatRequest, fn StreamFunc) (*ChatResponse, error) {
	wr := toWire(req)
	wr.Stream = true
	resp, err := p.do(ctx, wr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var content, reasoning strings.Builder
	calls := map[int]*wireToolCall{}
	var usage *Usage

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					Reasoning string `json:"reasoning,omitempty"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id,omitempty"`
						Function struct {
							Name      string `json:"name,omitempty"`
							Arguments string `json:"arguments,omitempty"`
						} `json:"function"`
					} `json:"tool_calls,omitempty"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
		}
		if delta.Reasoning != "" {
			reasoning.WriteString(delta.Reasoning)
		}
		if fn != nil && (delta.Content != "" || delta.Reasoning != "") {
			fn(StreamChunk{Content: delta.Content, Reasoning: delta.Reasoning})
		}
		for _, tc := range delta.ToolCalls {
			cur, ok := calls[tc.Index]
			if !ok {
				cur = &wireToolCall{Type: "function"}
				calls[tc.Index] = cur
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Function.Name = tc.Function.Name
			}
			cur.Function.Arguments += tc.Function.Arguments
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: ErrKindProviderTransient, Message: "stream read: " + err.Error()}
	}

	var wireCalls []wireToolCall
	for i := 0; i < len(calls); i++ {
		if c, ok := calls[i]; ok {
			wireCalls = append(wireCalls, *c)
		}
	}
	return &ChatResponse{
		Content:   content.String(),
		Reasoning: reasoning.String(),
		ToolCalls: fromWireCalls(wireCalls),
		Usage:     usage,
	}, nil
}
