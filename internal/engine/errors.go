package engine

import "strings"

// Classification patterns shared by adapters and the runner's retry logic.
// All matching is case-insensitive substring search.
var (
	rateLimitPatterns = []string{
		"rate limit",
		"rate_limit",
		"usage limit",
		"you've hit your limit",
		"quota",
		"429",
		"too many requests",
	}

	policyBlockPatterns = []string{
		"blocked by policy",
		"read-only sandbox",
		"approval_policy",
	}

	mergeConflictPatterns = []string{
		"automatic merge failed",
		"conflict (content)",
		"conflict in ",
		"merge conflict",
	}

	externalFailurePatterns = []string{
		"buninstallfailederror",
		"command not found",
		"commandnotfoundexception",
		"objectnotfound:",
		"enoent",
		"eacces",
		"permission denied",
		"network",
		"timeout",
		"tls",
		"econnreset",
		"etimedout",
		"lockfile",
		"install",
		"certificate",
		"ssl",
		"stalled",
	}
)

func containsAny(text string, patterns []string) bool {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsRateLimit reports whether text matches a rate/usage/quota limit.
func IsRateLimit(text string) bool {
	return text != "" && containsAny(text, rateLimitPatterns)
}

// IsPolicyBlock reports whether text indicates policy/sandbox blocking.
func IsPolicyBlock(text string) bool {
	return text != "" && containsAny(text, policyBlockPatterns)
}

// IsMergeConflict reports whether text describes a textual git merge conflict.
func IsMergeConflict(text string) bool {
	return text != "" && containsAny(text, mergeConflictPatterns)
}

// IsExternalFailure reports whether the failure looks infrastructural:
// rate limits, network, missing tooling, merge conflicts, policy blocks,
// and stalls all count as external.
func IsExternalFailure(text string) bool {
	if text == "" {
		return false
	}
	if IsMergeConflict(text) || IsRateLimit(text) || IsPolicyBlock(text) {
		return true
	}
	return containsAny(text, externalFailurePatterns)
}
