package autorun

import (
	"fmt"
	"strings"
)

// FileSystem is the collaborator tool calls execute against. Implementations
// decide rooting and containment; the dispatcher holds no state of its own.
type FileSystem interface {
	Read(path string) (string, error)
	Write(path, content string) error
	List(path string) ([]string, error)
	Mkdir(path string) error
}

// ToolResult is the outcome of one dispatched tool call. A failed call is a
// ToolFailure: reported to the model as a synthetic error message, never fatal
// to the loop.
type ToolResult struct {
	Call   ToolCall
	Output string
	Err    error
}

// Message renders the result as the synthetic context message fed back to the
// model.
func (r ToolResult) Message() string {
	if r.Err != nil {
		return fmt.Sprintf("[TOOL ERROR] %s: %s failed: %v", r.Call.Verb, r.Call.Argument, r.Err)
	}
	return fmt.Sprintf("[TOOL OUTPUT] %s: %s\n%s", r.Call.Verb, r.Call.Argument, r.Output)
}

// ToolDispatcher executes parsed tool calls against an injected file system.
type ToolDispatcher struct {
	fs FileSystem
}

// NewToolDispatcher creates a dispatcher over the given file system.
func NewToolDispatcher(fs FileSystem) *ToolDispatcher {
	return &ToolDispatcher{fs: fs}
}

// Dispatch executes the calls in order of occurrence and returns one result
// per call.
func (d *ToolDispatcher) Dispatch(calls []ToolCall) []ToolResult {
	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, d.dispatchOne(call))
	}
	return results
}

func (d *ToolDispatcher) dispatchOne(call ToolCall) ToolResult {
	result := ToolResult{Call: call}
	if d == nil || d.fs == nil {
		result.Err = fmt.Errorf("no file system available")
		return result
	}

	switch call.Verb {
	case VerbReadFile:
		content, err := d.fs.Read(call.Argument)
		result.Output, result.Err = content, err

	case VerbWriteFile:
		if !call.HasContent {
			result.Err = fmt.Errorf("WRITE_FILE requires a fenced content block immediately after the invocation")
			return result
		}
		if err := d.fs.Write(call.Argument, call.Content); err != nil {
			result.Err = err
			return result
		}
		result.Output = fmt.Sprintf("wrote %d bytes to %s", len(call.Content), call.Argument)

	case VerbListFiles:
		names, err := d.fs.List(call.Argument)
		if err != nil {
			result.Err = err
			return result
		}
		result.Output = strings.Join(names, "\n")

	case VerbMkdir:
		if err := d.fs.Mkdir(call.Argument); err != nil {
			result.Err = err
			return result
		}
		result.Output = fmt.Sprintf("created directory %s", call.Argument)

	default:
		result.Err = fmt.Errorf("unknown tool verb %q", call.Verb)
	}

	return result
}
