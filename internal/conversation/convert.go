package conversation

import (
	"github.com/nugget/wanderplan/internal/llm"
)

// ToLLM converts a sanitized log into provider-neutral chat messages.
//
// An assistant message can span several model steps, so its parts are
// split at each text part that follows a tool call: every step becomes an
// assistant message carrying its text and tool calls, followed by one
// tool result message per call. Reasoning is not sent back. Calls without
// a final state are skipped.
func ToLLM(msgs []Message) []llm.Message {
	var out []llm.Message
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Text()})
		case RoleAssistant:
			out = append(out, assistantSteps(m)...)
		}
	}
	return out
}

func assistantSteps(m Message) []llm.Message {
	var (
		out     []llm.Message
		step    llm.Message
		results []llm.Message
	)
	flush := func() {
		if step.Content == "" && len(step.ToolCalls) == 0 {
			return
		}
		step.Role = llm.RoleAssistant
		out = append(out, step)
		out = append(out, results...)
		step, results = llm.Message{}, nil
	}

	for _, p := range m.Parts {
		switch v := p.(type) {
		case TextPart:
			if v.Text == "" {
				continue
			}
			if len(step.ToolCalls) > 0 {
				flush()
			}
			step.Content += v.Text
		case *ToolCallPart:
			if !v.State.Final() {
				continue
			}
			step.ToolCalls = append(step.ToolCalls, llm.ToolCall{ID: v.CallID, Name: v.ToolName, Arguments: v.Input})
			res := llm.Message{Role: llm.RoleTool, ToolCallID: v.CallID, ToolName: v.ToolName}
			if v.State == StateOutputError {
				res.Content = "Error: " + v.ErrorText
				res.IsError = true
			} else {
				res.Content = string(v.Output)
			}
			results = append(results, res)
		}
	}
	flush()
	return out
}
