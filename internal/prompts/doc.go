// Package prompts holds the instructions wanderplan sends to models.
//
// Prompt text lives in Go rather than config files because it is program
// logic: it names tools the registry exposes and is checked by tests.
// Operator-specific guidance is appended from config.yaml.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the finished string.
package prompts
