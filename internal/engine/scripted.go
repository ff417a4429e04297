package engine

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"chatrelay/internal/config"
	"chatrelay/internal/tools"
)

// weatherTriggers make the scripted engine consult get_weather first
var weatherTriggers = []string{"weather", "玩", "天气", "outside", "go out"}

// ScriptedEngine is a deterministic engine that needs no provider. It
// calls get_weather for outing or weather questions, then streams a reply
// in small chunks.
type ScriptedEngine struct {
	tools     *tools.Registry
	chunkSize int
}

// NewScriptedEngine creates a scripted engine; chunkSize is in runes
func NewScriptedEngine(registry *tools.Registry, chunkSize int) *ScriptedEngine {
	if chunkSize <= 0 {
		chunkSize = 8
	}
	return &ScriptedEngine{tools: registry, chunkSize: chunkSize}
}

func (e *ScriptedEngine) Name() string { return config.ProviderScripted }

func (e *ScriptedEngine) Stream(ctx context.Context, req Request) (Stream, error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	return newPipeStream(ctx, func(ctx context.Context, emit func(Event) error) (string, error) {
		reply := fmt.Sprintf("You said: %s", input)
		if wantsWeather(input) {
			report, err := runTool(e.tools, "get_weather", "", emit)
			if err != nil {
				return "", err
			}
			reply = fmt.Sprintf("Here is today's outlook: %s. Pick somewhere that suits the weather and enjoy your day!", report)
		}

		for _, chunk := range splitRunes(reply, e.chunkSize) {
			if err := emit(Event{Kind: EventTextDelta, Text: chunk}); err != nil {
				return "", err
			}
		}
		if err := emit(Event{Kind: EventFinish}); err != nil {
			return "", err
		}
		return reply, nil
	}), nil
}

func wantsWeather(input string) bool {
	lower := strings.ToLower(input)
	for _, trigger := range weatherTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

// splitRunes cuts s into pieces of at most n runes
func splitRunes(s string, n int) []string {
	var out []string
	for len(s) > 0 {
		end, count := 0, 0
		for end < len(s) && count < n {
			_, size := utf8.DecodeRuneInString(s[end:])
			end += size
			count++
		}
		out = append(out, s[:end])
		s = s[end:]
	}
	return out
}
