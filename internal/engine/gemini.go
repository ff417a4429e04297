package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/tools"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

// GeminiEngine streams replies from the Gemini API with function calling
type GeminiEngine struct {
	client  *genai.Client
	model   string
	tools   *tools.Registry
	profile func() config.EngineProfile
	logger  *logrus.Logger
}

// NewGeminiEngine creates a Gemini engine
func NewGeminiEngine(ctx context.Context, apiKey, model string, registry *tools.Registry, profile func() config.EngineProfile) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY is empty", ErrNoProvider)
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if profile == nil {
		profile = config.DefaultEngineProfile
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	return &GeminiEngine{
		client:  client,
		model:   model,
		tools:   registry,
		profile: profile,
		logger:  logger,
	}, nil
}

func (e *GeminiEngine) Name() string { return config.ProviderGemini }

func (e *GeminiEngine) functionDeclarations() []*genai.Tool {
	if e.tools == nil || e.tools.Count() == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, tool := range e.tools.Tools() {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 tool.Name,
			Description:          tool.Description,
			ParametersJsonSchema: tool.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func (e *GeminiEngine) Stream(ctx context.Context, req Request) (Stream, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, ErrEmptyInput
	}
	profile := e.profile()

	return newPipeStream(ctx, func(ctx context.Context, emit func(Event) error) (string, error) {
		contents := []*genai.Content{
			genai.NewContentFromText(req.Input, genai.RoleUser),
		}
		temperature := float32(profile.Temperature)

		var full strings.Builder
		for step := 1; ; step++ {
			cfg := &genai.GenerateContentConfig{
				SystemInstruction: genai.NewContentFromText(profile.SystemPrompt, genai.RoleUser),
				Temperature:       &temperature,
			}
			if step < profile.MaxSteps {
				cfg.Tools = e.functionDeclarations()
			}

			start := time.Now()
			var modelParts []*genai.Part
			var calls []*genai.FunctionCall
			for resp, err := range e.client.Models.GenerateContentStream(ctx, e.model, contents, cfg) {
				if err != nil {
					e.logger.WithError(err).WithField("model", e.model).Error("gemini stream failed")
					return "", fmt.Errorf("gemini stream failed: %w", err)
				}
				if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
					modelParts = append(modelParts, resp.Candidates[0].Content.Parts...)
				}
				if text := resp.Text(); text != "" {
					full.WriteString(text)
					if err := emit(Event{Kind: EventTextDelta, Text: text}); err != nil {
						return "", err
					}
				}
				calls = append(calls, resp.FunctionCalls()...)
			}

			e.logger.WithFields(logrus.Fields{
				"user_id":    req.UserID,
				"session_id": req.SessionID,
				"step":       step,
				"tool_calls": len(calls),
				"latency_ms": time.Since(start).Milliseconds(),
			}).Info("gemini step completed")

			if len(calls) == 0 {
				if err := emit(Event{Kind: EventFinish}); err != nil {
					return "", err
				}
				return full.String(), nil
			}

			contents = append(contents, genai.NewContentFromParts(modelParts, genai.RoleModel))
			responses := make([]*genai.Part, 0, len(calls))
			for _, call := range calls {
				result, err := runTool(e.tools, call.Name, e.callArgs(call), emit)
				if err != nil {
					return "", err
				}
				responses = append(responses, genai.NewPartFromFunctionResponse(call.Name, map[string]any{"result": result}))
			}
			contents = append(contents, genai.NewContentFromParts(responses, genai.RoleUser))
		}
	}), nil
}

// callArgs renders a function call's arguments as JSON. Arguments that
// cannot be encoded are logged and the tool runs without them.
func (e *GeminiEngine) callArgs(call *genai.FunctionCall) string {
	if len(call.Args) == 0 {
		return ""
	}
	args, err := json.Marshal(call.Args)
	if err != nil {
		e.logger.WithError(err).WithField("tool", call.Name).Warn("gemini returned unencodable tool arguments")
		return ""
	}
	return string(args)
}
