package runner

import (
	"fmt"
	"runtime"
	"strings"
)

// shellRules returns shell usage guardrails for the current platform.
func shellRules() string {
	if runtime.GOOS == "windows" {
		return "SHELL COMPATIBILITY (Windows PowerShell):\n" +
			"- Do NOT use '&&' between commands; PowerShell 5 treats it as a syntax error.\n" +
			"- Use ';' between commands, or run commands separately.\n" +
			"- Prefer setting tool workingDirectory/cwd instead of chaining 'cd'.\n" +
			"- Before command sequences, set $ErrorActionPreference = 'Stop'.\n"
	}
	return "SHELL COMPATIBILITY:\n" +
		"- Use shell syntax compatible with the current platform.\n" +
		"- Prefer tool workingDirectory/cwd instead of chaining 'cd'.\n"
}

// buildTaskPrompt builds the task-scoped instruction given to an agent.
func buildTaskPrompt(taskID, title string, touches []string, skipTests, skipLint bool) string {
	var quality []string
	if skipTests {
		quality = append(quality, "- Skip full test suite execution unless strictly needed for this task.")
	}
	if skipLint {
		quality = append(quality, "- Skip full lint execution unless strictly needed for this task.")
	}

	return fmt.Sprintf(`You are working on a specific task. Focus ONLY on this task:

TASK ID: %s
TASK: %s
EXPECTED FILES TO CREATE/MODIFY: %s

Instructions:
1. Implement this specific task completely by creating/editing the necessary code files.
2. Write tests if appropriate.
3. Update progress.txt with what you did.
4. Commit your changes with a descriptive message.

%s

CRITICAL RULES:
- Do NOT modify tasks.yaml.
- Do NOT mark the task as complete in tasks.yaml.
- Do NOT just update progress.txt. You MUST write the actual code.
- Do NOT commit tasks.yaml or progress.txt.
- If the file does not exist, CREATE IT.
%s

Focus only on implementing: %s`,
		taskID, title, strings.Join(touches, ", "),
		shellRules(), strings.Join(quality, "\n"), title)
}
