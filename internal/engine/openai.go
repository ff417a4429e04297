package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/tools"

	"github.com/sirupsen/logrus"
)

// OpenAIEngine streams chat completions from any OpenAI-compatible
// /chat/completions endpoint and runs tool calls through the tool registry.
type OpenAIEngine struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	tools      *tools.Registry
	profile    func() config.EngineProfile
	logger     *logrus.Logger
}

// OpenAIConfig configures an OpenAIEngine
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIEngine creates an OpenAI-compatible engine
func NewOpenAIEngine(cfg OpenAIConfig, registry *tools.Registry, profile func() config.EngineProfile) (*OpenAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY is empty", ErrNoProvider)
	}
	if profile == nil {
		profile = config.DefaultEngineProfile
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	return &OpenAIEngine{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		// No overall timeout: a generation may stream for a long time
		httpClient: &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}},
		tools:   registry,
		profile: profile,
		logger:  logger,
	}, nil
}

func (e *OpenAIEngine) Name() string { return config.ProviderOpenAI }

// chatRequest is the body of a streaming chat completion call
type chatRequest struct {
	Model       string                   `json:"model"`
	Messages    []map[string]interface{} `json:"messages"`
	Stream      bool                     `json:"stream"`
	Temperature float64                  `json:"temperature"`
	Tools       []map[string]interface{} `json:"tools,omitempty"`
}

// toolCallAccumulator collects a tool call spread over several SSE chunks
type toolCallAccumulator struct {
	ID        string
	Name      string
	Arguments strings.Builder
}

func (e *OpenAIEngine) Stream(ctx context.Context, req Request) (Stream, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, ErrEmptyInput
	}
	profile := e.profile()

	return newPipeStream(ctx, func(ctx context.Context, emit func(Event) error) (string, error) {
		messages := []map[string]interface{}{
			{"role": "system", "content": profile.SystemPrompt},
			{"role": "user", "content": req.Input},
		}

		var full strings.Builder
		for step := 1; ; step++ {
			chatReq := chatRequest{
				Model:       e.model,
				Messages:    messages,
				Stream:      true,
				Temperature: profile.Temperature,
			}
			// The last step goes out without tools so the model has to answer
			if e.tools != nil && step < profile.MaxSteps {
				chatReq.Tools = e.tools.List()
			}

			content, calls, err := e.completeStep(ctx, chatReq, emit)
			if err != nil {
				return "", err
			}
			full.WriteString(content)

			if len(calls) == 0 {
				if err := emit(Event{Kind: EventFinish}); err != nil {
					return "", err
				}
				return full.String(), nil
			}

			toolCalls := make([]map[string]interface{}, 0, len(calls))
			for _, call := range calls {
				toolCalls = append(toolCalls, map[string]interface{}{
					"id":   call.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      call.Name,
						"arguments": call.Arguments.String(),
					},
				})
			}
			messages = append(messages, map[string]interface{}{
				"role":       "assistant",
				"content":    content,
				"tool_calls": toolCalls,
			})

			for _, call := range calls {
				result, err := runTool(e.tools, call.Name, call.Arguments.String(), emit)
				if err != nil {
					return "", err
				}
				messages = append(messages, map[string]interface{}{
					"role":         "tool",
					"tool_call_id": call.ID,
					"name":         call.Name,
					"content":      result,
				})
			}

			e.logger.WithFields(logrus.Fields{
				"user_id":    req.UserID,
				"session_id": req.SessionID,
				"step":       step,
				"tool_calls": len(calls),
			}).Info("tool step completed")
		}
	}), nil
}

// completeStep performs one streaming request, forwarding text deltas as
// they arrive, and returns the step's text plus any accumulated tool calls.
func (e *OpenAIEngine) completeStep(ctx context.Context, chatReq chatRequest, emit func(Event) error) (string, []*toolCallAccumulator, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		e.logger.WithError(err).WithField("model", chatReq.Model).Error("chat completion request failed")
		return "", nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e.logger.WithFields(logrus.Fields{
			"model":  chatReq.Model,
			"status": resp.StatusCode,
		}).Error("chat completion rejected")
		return "", nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	content, calls, err := processSSE(resp.Body, emit)
	if err != nil {
		return "", nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"model":      chatReq.Model,
		"chars":      len(content),
		"tool_calls": len(calls),
		"latency_ms": time.Since(start).Milliseconds(),
	}).Debug("chat completion step finished")
	return content, calls, nil
}

// processSSE parses an OpenAI-style SSE body
func processSSE(reader io.Reader, emit func(Event) error) (string, []*toolCallAccumulator, error) {
	scanner := bufio.NewScanner(reader)

	// Tool call arguments can exceed the default 64KB token size
	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)

	var content strings.Builder
	byIndex := make(map[int]*toolCallAccumulator)
	var order []int

	for scanner.Scan() {
		line := scanner.Text()
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
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := emit(Event{Kind: EventTextDelta, Text: delta.Content}); err != nil {
				return "", nil, err
			}
		}

		for _, tc := range delta.ToolCalls {
			acc, ok := byIndex[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				byIndex[tc.Index] = acc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("failed to read stream: %w", err)
	}

	calls := make([]*toolCallAccumulator, 0, len(order))
	for i, idx := range order {
		acc := byIndex[idx]
		if acc.Name == "" {
			continue
		}
		if acc.ID == "" {
			acc.ID = fmt.Sprintf("call_%d", i)
		}
		calls = append(calls, acc)
	}
	return content.String(), calls, nil
}
