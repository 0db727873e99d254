package engine

import "fmt"

// Options carries per-provider settings the registry needs.
type Options struct {
	// OpencodeModel selects the model for the opencode backend.
	OpencodeModel string
}

// New returns the adapter for the named provider.
func New(name string, opts Options) (Engine, error) {
	switch name {
	case "claude":
		return claudeEngine{}, nil
	case "codex":
		return codexEngine{}, nil
	case "cursor":
		return cursorEngine{}, nil
	case "gemini":
		return geminiEngine{}, nil
	case "opencode":
		model := opts.OpencodeModel
		if model == "" {
			model = DefaultOpencodeModel
		}
		return &opencodeEngine{model: model}, nil
	default:
		return nil, fmt.Errorf("unknown engine: %s", name)
	}
}

// Names lists the supported provider names.
func Names() []string {
	return []string{"claude", "codex", "cursor", "gemini", "opencode"}
}
