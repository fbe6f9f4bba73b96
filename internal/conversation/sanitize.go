package conversation

import "fmt"

// Sanitize returns a cleaned copy of msgs for the tool interceptor.
//
// Tool calls that never received an outcome are removed, except
// input-available calls in the trailing assistant message: those belong
// to the turn in progress and still have to be executed or confirmed.
// Assistant messages left with no text and no tool calls are dropped.
// The input is not modified.
//
// A structurally impossible log returns an *InvariantError.
func Sanitize(msgs []Message) ([]Message, error) {
	return sanitize(msgs, true)
}

// SanitizeForModel is the strict form of Sanitize used for the copy sent
// to the model: every tool call in the result has a final state.
func SanitizeForModel(msgs []Message) ([]Message, error) {
	return sanitize(msgs, false)
}

func sanitize(msgs []Message, keepTrailingPending bool) ([]Message, error) {
	if err := Validate(msgs); err != nil {
		return nil, err
	}

	trailing := -1
	if n := len(msgs); n > 0 && msgs[n-1].Role == RoleAssistant {
		trailing = n - 1
	}

	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if m.Role != RoleAssistant {
			out = append(out, m.Clone())
			continue
		}
		kept := make([]Part, 0, len(m.Parts))
		hasContent := false
		for _, p := range m.Parts {
			switch v := p.(type) {
			case TextPart:
				if v.Text != "" {
					hasContent = true
				}
			case *ToolCallPart:
				keep := v.State.Final() ||
					(keepTrailingPending && i == trailing && v.State == StateInputAvailable)
				if !keep {
					continue
				}
				hasContent = true
			}
			kept = append(kept, p.clonePart())
		}
		if !hasContent {
			continue
		}
		c := m
		c.Parts = kept
		out = append(out, c)
	}
	return out, nil
}

// Validate checks msgs for states no correct sequence of operations can
// produce.
func Validate(msgs []Message) error {
	seen := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return &InvariantError{Detail: fmt.Sprintf("message %s has unknown role %q", m.ID, m.Role)}
		}
		for _, p := range m.Parts {
			tc, ok := p.(*ToolCallPart)
			if !ok {
				continue
			}
			if m.Role != RoleAssistant {
				return &InvariantError{CallID: tc.CallID, Detail: "tool call in a " + string(m.Role) + " message"}
			}
			if err := validatePart(tc); err != nil {
				return err
			}
			if seen[tc.CallID] {
				return &InvariantError{CallID: tc.CallID, Detail: "duplicate tool call id"}
			}
			seen[tc.CallID] = true
		}
	}
	return nil
}

func validatePart(tc *ToolCallPart) error {
	switch {
	case tc.CallID == "":
		return &InvariantError{Detail: "tool call without id"}
	case !tc.State.Valid():
		return tc.violation("unknown state %q", tc.State)
	case !tc.State.Final() && (tc.Output != nil || tc.ErrorText != ""):
		return tc.violation("output present in state %s", tc.State)
	case !tc.State.Final() && tc.Approval != nil:
		return tc.violation("approval present in state %s", tc.State)
	case tc.State == StateOutputAvailable && tc.Output == nil:
		return tc.violation("output-available without output")
	case tc.State == StateOutputError && tc.ErrorText == "":
		return tc.violation("output-error without error text")
	}
	return nil
}
