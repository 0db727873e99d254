package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// cursorEngine drives the Cursor agent CLI in stream-json mode.
type cursorEngine struct{}

var _ Engine = (*cursorEngine)(nil)

func (cursorEngine) Name() string { return "cursor" }

func (cursorEngine) BuildCommand(prompt string) []string {
	return []string{
		"agent",
		"--print",
		"--force",
		"--output-format", "stream-json",
		prompt,
	}
}

func (cursorEngine) ParseOutput(raw string) Result {
	var result Result

	for _, line := range strings.Split(raw, "\n") {
		if !strings.Contains(line, `"type":"result"`) {
			continue
		}
		var obj struct {
			Result     string  `json:"result"`
			DurationMS float64 `json:"duration_ms"`
		}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			result.Text = "Task completed"
			continue
		}
		result.Text = obj.Result
		if result.Text == "" {
			result.Text = "Task completed"
		}
		if obj.DurationMS > 0 {
			result.DurationMS = int(obj.DurationMS)
			result.Cost = fmt.Sprintf("duration:%d", int(obj.DurationMS))
		}
	}

	// Fallback: first assistant message text.
	if result.Text == "" || result.Text == "Task completed" {
		for _, line := range strings.Split(raw, "\n") {
			if !strings.Contains(line, `"type":"assistant"`) {
				continue
			}
			var obj struct {
				Message struct {
					Content []struct {
						Text string `json:"text"`
					} `json:"content"`
				} `json:"message"`
			}
			if err := json.Unmarshal([]byte(line), &obj); err != nil {
				continue
			}
			if len(obj.Message.Content) > 0 && obj.Message.Content[0].Text != "" {
				result.Text = obj.Message.Content[0].Text
			}
		}
	}

	// Cursor does not expose token counts.
	result.InputTokens = 0
	result.OutputTokens = 0

	if result.Text == "" {
		result.Text = "Task completed"
	}
	return result
}

func (cursorEngine) CheckAvailable() error {
	return checkCLI("agent", "Make sure Cursor is installed and 'agent' is in your PATH.")
}
