package engine

import (
	"encoding/json"
	"strings"
)

// decodeLine parses one stream line as a JSON object.
func decodeLine(line string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func mapField(obj map[string]any, key string) map[string]any {
	m, _ := obj[key].(map[string]any)
	return m
}

// CheckStreamErrors scans structured JSON-lines engine output for error
// events. Structured parsing is preferred so plain text content that merely
// mentions errors does not produce false positives.
func CheckStreamErrors(raw string) string {
	if raw == "" {
		return ""
	}

	for _, line := range strings.Split(raw, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		obj, ok := decodeLine(stripped)
		if !ok {
			continue
		}

		switch errVal := obj["error"].(type) {
		case map[string]any:
			msg := strings.TrimSpace(stringField(errVal, "message"))
			code := strings.ToLower(stringField(errVal, "type"))
			if code == "" {
				code = strings.ToLower(stringField(errVal, "code"))
			}
			if IsRateLimit(code) {
				if msg != "" {
					return msg
				}
				return "Rate limit exceeded"
			}
			if msg != "" {
				return msg
			}
		case string:
			if IsPolicyBlock(errVal) {
				return "Blocked by policy"
			}
			if IsRateLimit(errVal) {
				return "Rate limit exceeded"
			}
			if trimmed := strings.TrimSpace(errVal); trimmed != "" {
				return trimmed
			}
		}

		if strings.ToLower(stringField(obj, "type")) == "error" {
			msg := strings.TrimSpace(stringField(obj, "message"))
			if msg == "" {
				msg = strings.TrimSpace(stringField(obj, "text"))
			}
			if msg != "" {
				if IsPolicyBlock(msg) {
					return "Blocked by policy"
				}
				if IsRateLimit(msg) {
					return "Rate limit exceeded"
				}
				return msg
			}
			return "Unknown error"
		}
	}

	return ""
}

// extractPolicyBlockDetail finds policy/sandbox block evidence in the stream.
func extractPolicyBlockDetail(stream string) string {
	if stream == "" {
		return ""
	}

	for _, line := range strings.Split(stream, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}

		if strings.Contains(strings.ToLower(stripped), "blocked by policy") {
			return "Blocked by policy"
		}

		obj, ok := decodeLine(stripped)
		if !ok {
			continue
		}

		switch errVal := obj["error"].(type) {
		case string:
			if IsPolicyBlock(errVal) {
				return "Blocked by policy"
			}
		case map[string]any:
			if IsPolicyBlock(stringField(errVal, "message")) {
				return "Blocked by policy"
			}
		}

		item := mapField(obj, "item")
		if item == nil {
			continue
		}
		if strings.ToLower(stringField(item, "type")) != "command_execution" {
			continue
		}
		if IsPolicyBlock(stringField(item, "aggregated_output")) {
			return "Blocked by policy"
		}
	}

	return ""
}

// extractRateLimitDetail pulls human-readable rate-limit text out of the
// structured stream, e.g. the "hit your limit" message with reset time.
func extractRateLimitDetail(stream string) string {
	if stream == "" {
		return ""
	}

	for _, line := range strings.Split(stream, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		obj, ok := decodeLine(stripped)
		if !ok {
			continue
		}

		// Assistant messages carry the detail text in content parts.
		if message := mapField(obj, "message"); message != nil {
			if content, ok := message["content"].([]any); ok {
				for _, part := range content {
					partMap, ok := part.(map[string]any)
					if !ok {
						continue
					}
					text := stringField(partMap, "text")
					if strings.Contains(strings.ToLower(text), "hit your limit") {
						return strings.TrimSpace(text)
					}
				}
			}
		}

		// Result events may carry a plain string with reset info.
		if result := stringField(obj, "result"); strings.Contains(strings.ToLower(result), "hit your limit") {
			return strings.TrimSpace(result)
		}
	}

	return ""
}

// extractStructuredErrorLine extracts an error message from one stream line.
// The second return value reports whether the line was structured JSON.
func extractStructuredErrorLine(stripped string) (string, bool) {
	if stripped == "" {
		return "", false
	}

	obj, ok := decodeLine(stripped)
	if !ok {
		return "", false
	}

	if strings.ToLower(stringField(obj, "type")) == "result" {
		if isError, present := obj["is_error"].(bool); present {
			if !isError {
				return "", true
			}
			if result := strings.TrimSpace(stringField(obj, "result")); result != "" {
				return result, true
			}
		}
	}

	switch errVal := obj["error"].(type) {
	case map[string]any:
		if msg := strings.TrimSpace(stringField(errVal, "message")); msg != "" {
			return msg, true
		}
	case string:
		if trimmed := strings.TrimSpace(errVal); trimmed != "" {
			return trimmed, true
		}
	}

	if item := mapField(obj, "item"); item != nil && strings.ToLower(stringField(item, "type")) == "error" {
		if text := strings.TrimSpace(stringField(item, "text")); text != "" {
			return text, true
		}
		if msg := strings.TrimSpace(stringField(item, "message")); msg != "" {
			return msg, true
		}
	}

	if strings.ToLower(stringField(obj, "type")) == "error" {
		if msg := strings.TrimSpace(stringField(obj, "message")); msg != "" {
			return msg, true
		}
		if text := strings.TrimSpace(stringField(obj, "text")); text != "" {
			return text, true
		}
		return "Unknown error", true
	}

	return "", true
}

// ExtractError finds the most relevant error line from an agent's stderr
// log and stdout stream. The stderr log wins when it has non-debug content;
// otherwise the structured stream is scanned.
func ExtractError(logText, streamText string) string {
	if logText != "" {
		lines := strings.Split(logText, "\n")
		var lastNonDebug, last string
		for _, line := range lines {
			if strings.TrimSpace(line) == "" {
				continue
			}
			last = line
			if !strings.HasPrefix(line, "[DEBUG]") {
				lastNonDebug = line
			}
		}
		if lastNonDebug != "" {
			return lastNonDebug
		}
		if last != "" {
			return last
		}
	}

	if streamText == "" {
		return ""
	}

	if detail := extractPolicyBlockDetail(streamText); detail != "" {
		return detail
	}
	rateLimitDetail := extractRateLimitDetail(streamText)
	if err := CheckStreamErrors(streamText); err != "" {
		if strings.EqualFold(err, "rate limit exceeded") && rateLimitDetail != "" {
			return "Rate limit exceeded: " + rateLimitDetail
		}
		return err
	}
	if rateLimitDetail != "" {
		return rateLimitDetail
	}

	lines := strings.Split(streamText, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		stripped := strings.TrimSpace(lines[i])
		if stripped == "" {
			continue
		}
		lower := strings.ToLower(stripped)
		if strings.Contains(lower, "blocked by policy") {
			return "Blocked by policy"
		}

		structuredErr, isJSON := extractStructuredErrorLine(stripped)
		if structuredErr != "" {
			return structuredErr
		}

		if strings.Contains(lower, "exception") || strings.Contains(lower, "traceback") {
			return stripped
		}

		// Non-error JSON events may embed snippets like {"error": "..."}
		// inside tool payload text; skip them.
		if isJSON {
			continue
		}

		if strings.HasPrefix(lower, "error") || strings.Contains(lower, " error:") || strings.Contains(lower, `"error"`) {
			return stripped
		}
	}

	return ""
}
