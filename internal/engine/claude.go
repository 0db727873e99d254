package engine

import (
	"encoding/json"
	"strings"
)

// claudeEngine drives the Claude Code CLI in non-interactive stream-json mode.
type claudeEngine struct{}

var _ Engine = (*claudeEngine)(nil)

func (claudeEngine) Name() string { return "claude" }

func (claudeEngine) BuildCommand(prompt string) []string {
	return []string{
		"claude",
		"--dangerously-skip-permissions",
		"--verbose",
		"-p", prompt,
		"--output-format", "stream-json",
	}
}

func (claudeEngine) ParseOutput(raw string) Result {
	var result Result
	for _, line := range strings.Split(raw, "\n") {
		if !strings.Contains(line, `"type":"result"`) {
			continue
		}
		var obj struct {
			Result string `json:"result"`
			Usage  struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			result.Text = "Could not parse result"
			continue
		}
		result.Text = obj.Result
		result.InputTokens = obj.Usage.InputTokens
		result.OutputTokens = obj.Usage.OutputTokens
	}
	if result.Text == "" {
		result.Text = "Task completed"
	}
	return result
}

func (claudeEngine) CheckAvailable() error {
	return checkCLI("claude", "Install from https://github.com/anthropics/claude-code")
}
