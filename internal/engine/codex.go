package engine

import "strings"

// codexEngine drives the Codex CLI. Its output is mostly free text, so the
// runner relies on commit detection rather than parsed results.
type codexEngine struct{}

var _ Engine = (*codexEngine)(nil)

func (codexEngine) Name() string { return "codex" }

func (codexEngine) BuildCommand(prompt string) []string {
	return []string{"codex", "exec", "--full-auto", "--json", prompt}
}

func (codexEngine) ParseOutput(raw string) Result {
	var result Result
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		result.Text = "Task completed"
		return result
	}

	var cleaned []string
	for _, line := range strings.Split(trimmed, "\n") {
		if strings.TrimSpace(line) == "Task completed successfully." {
			continue
		}
		cleaned = append(cleaned, line)
	}
	if len(cleaned) == 0 {
		result.Text = "Task completed"
	} else {
		result.Text = strings.Join(cleaned, "\n")
	}
	return result
}

func (codexEngine) CheckAvailable() error {
	return checkCLI("codex", "Make sure 'codex' is in your PATH.")
}
