package engine

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"chatrelay/internal/tools"
)

// runTool reports the call, executes it and reports the result. A failing
// tool does not fail the invocation; its error text is handed back to the
// model as the result.
func runTool(registry *tools.Registry, name, argsJSON string, emit func(Event) error) (string, error) {
	if err := emit(Event{Kind: EventToolCall, ToolName: name}); err != nil {
		return "", err
	}

	args := map[string]interface{}{}
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			log.Printf("⚠️ [TOOL] Bad arguments for %s: %v", name, err)
		}
	}

	var result string
	if registry == nil {
		result = fmt.Sprintf("error: tool %s is not available", name)
	} else if out, err := registry.Execute(name, args); err != nil {
		log.Printf("❌ [TOOL] %s failed: %v", name, err)
		result = "error: " + err.Error()
	} else {
		result = out
	}

	if err := emit(Event{Kind: EventToolResult, ToolName: name}); err != nil {
		return "", err
	}
	return result, nil
}
