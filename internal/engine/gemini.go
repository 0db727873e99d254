package engine

import (
	"encoding/json"
	"strings"
)

// Prompts longer than this are delivered over stdin to stay clear of
// command-line length limits.
const geminiStdinThreshold = 8000

// geminiEngine drives the Gemini CLI in JSON output mode.
type geminiEngine struct{}

var (
	_ Engine      = (*geminiEngine)(nil)
	_ specBuilder = (*geminiEngine)(nil)
)

func (geminiEngine) Name() string { return "gemini" }

func (geminiEngine) BuildCommand(prompt string) []string {
	return []string{"gemini", "--output-format", "json", "-p", prompt}
}

func (geminiEngine) buildSpec(prompt string) commandSpec {
	if len(prompt) > geminiStdinThreshold {
		return commandSpec{
			argv:  []string{"gemini", "--output-format", "json", "-"},
			stdin: prompt,
		}
	}
	return commandSpec{argv: []string{"gemini", "--output-format", "json", "-p", prompt}}
}

func (geminiEngine) ParseOutput(raw string) Result {
	var result Result

	for _, line := range strings.Split(raw, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		var obj struct {
			Response string `json:"response"`
			Result   string `json:"result"`
			Text     string `json:"text"`
			Usage    struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
			UsageMetadata struct {
				PromptTokenCount     int `json:"promptTokenCount"`
				CandidatesTokenCount int `json:"candidatesTokenCount"`
			} `json:"usageMetadata"`
		}
		if err := json.Unmarshal([]byte(stripped), &obj); err != nil {
			continue
		}

		text := obj.Response
		if text == "" {
			text = obj.Result
		}
		if text == "" {
			text = obj.Text
		}
		if text != "" && result.Text == "" {
			result.Text = text
		}

		if obj.Usage.InputTokens > 0 || obj.Usage.OutputTokens > 0 {
			result.InputTokens = obj.Usage.InputTokens
			result.OutputTokens = obj.Usage.OutputTokens
		} else if obj.UsageMetadata.PromptTokenCount > 0 || obj.UsageMetadata.CandidatesTokenCount > 0 {
			result.InputTokens = obj.UsageMetadata.PromptTokenCount
			result.OutputTokens = obj.UsageMetadata.CandidatesTokenCount
		}
	}

	if result.Text == "" {
		if stripped := strings.TrimSpace(raw); stripped != "" {
			result.Text = stripped
		} else {
			result.Text = "Task completed"
		}
	}
	return result
}

func (geminiEngine) CheckAvailable() error {
	return checkCLI("gemini", "Install from https://github.com/google-gemini/gemini-cli")
}
