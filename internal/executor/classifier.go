package executor

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/dop251/goja"
)

// ToolEffectKind is a classify script's verdict for one tool_use event.
type ToolEffectKind string

const (
	EffectFile    ToolEffectKind = "file"
	EffectCommand ToolEffectKind = "command"
	EffectNone    ToolEffectKind = "none"
)

// defaultClassifyScript reproduces the hardcoded Write/Edit/MultiEdit/
// NotebookEdit -> file, Bash -> command mapping, just expressed as a
// script instead of a Go switch so it can be overridden per deployment.
const defaultClassifyScript = `
function classify(toolName, input) {
	if (toolName === "Write" || toolName === "Edit" || toolName === "MultiEdit" || toolName === "NotebookEdit") {
		return input.file_path ? "file" : "none";
	}
	if (toolName === "Bash") {
		return input.command ? "command" : "none";
	}
	return "none";
}
`

// ToolClassifier evaluates a goja-sandboxed predicate script deciding
// whether a tool_use event counts toward filesChanged or commandsRun (spec
// §4.9's tool-effect bookkeeping), so new tool names can be classified
// without a redeploy. goja.Runtime is not goroutine-safe, so Classify
// serializes behind mu.
type ToolClassifier struct {
	mu       sync.Mutex
	vm       *goja.Runtime
	classify goja.Callable
}

// NewToolClassifier compiles script (or the built-in default when script is
// empty).
func NewToolClassifier(script string) (*ToolClassifier, error) {
	if script == "" {
		script = defaultClassifyScript
	}
	vm := goja.New()
	if _, err := vm.RunString(script); err != nil {
		return nil, fmt.Errorf("executor: compile classify script: %w", err)
	}
	fn, ok := goja.AssertFunction(vm.Get("classify"))
	if !ok {
		return nil, fmt.Errorf("executor: classify script must define classify(toolName, input)")
	}
	return &ToolClassifier{vm: vm, classify: fn}, nil
}

// Classify runs the script against one tool_use event's name and decoded
// JSON input, returning the effect kind and, for file/command kinds, the
// extracted path or command text.
func (c *ToolClassifier) Classify(toolName string, input json.RawMessage) (ToolEffectKind, string) {
	var decoded map[string]any
	_ = json.Unmarshal(input, &decoded)

	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.classify(goja.Undefined(), c.vm.ToValue(toolName), c.vm.ToValue(decoded))
	if err != nil {
		log.Printf("[executor] classify script error for tool %q: %v", toolName, err)
		return EffectNone, ""
	}

	switch ToolEffectKind(v.String()) {
	case EffectFile:
		if fp, ok := decoded["file_path"].(string); ok {
			return EffectFile, fp
		}
	case EffectCommand:
		if cmd, ok := decoded["command"].(string); ok {
			return EffectCommand, cmd
		}
	}
	return EffectNone, ""
}
