package engine

import (
	"encoding/json"
	"strings"
)

// DefaultOpencodeModel is used when the config does not name a model.
const DefaultOpencodeModel = "opencode/minimax-m2.1-free"

// opencodeEngine drives the OpenCode CLI in JSON event mode.
type opencodeEngine struct {
	model string
}

var (
	_ Engine      = (*opencodeEngine)(nil)
	_ specBuilder = (*opencodeEngine)(nil)
)

func (opencodeEngine) Name() string { return "opencode" }

func (e *opencodeEngine) BuildCommand(prompt string) []string {
	cmd := []string{"opencode", "run", "--format", "json"}
	if e.model != "" {
		cmd = append(cmd, "--model", e.model)
	}
	return append(cmd, prompt)
}

func (e *opencodeEngine) buildSpec(prompt string) commandSpec {
	return commandSpec{
		argv: e.BuildCommand(prompt),
		env:  []string{`OPENCODE_PERMISSION={"*":"allow"}`},
	}
}

func (opencodeEngine) ParseOutput(raw string) Result {
	var result Result

	for _, line := range strings.Split(raw, "\n") {
		if !strings.Contains(line, `"type":"step_finish"`) {
			continue
		}
		var obj struct {
			Part struct {
				Tokens struct {
					Input  int `json:"input"`
					Output int `json:"output"`
				} `json:"tokens"`
				Cost json.Number `json:"cost"`
			} `json:"part"`
		}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		result.InputTokens = obj.Part.Tokens.Input
		result.OutputTokens = obj.Part.Tokens.Output
		if obj.Part.Cost != "" {
			result.Cost = obj.Part.Cost.String()
		}
	}

	var parts []string
	for _, line := range strings.Split(raw, "\n") {
		if !strings.Contains(line, `"type":"text"`) {
			continue
		}
		var obj struct {
			Part struct {
				Text string `json:"text"`
			} `json:"part"`
		}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		if obj.Part.Text != "" {
			parts = append(parts, obj.Part.Text)
		}
	}

	if len(parts) > 0 {
		result.Text = strings.Join(parts, "")
	} else {
		result.Text = "Task completed"
	}
	return result
}

func (opencodeEngine) CheckAvailable() error {
	return checkCLI("opencode", "Install from https://opencode.ai/docs/")
}
