package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry, either because the model invented it
// or because its backing service is not configured.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ValidationError reports arguments that failed to decode or validate
// before the tool ran. Nothing was changed.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Tool == "" {
		return "invalid arguments: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
