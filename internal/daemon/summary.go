package daemon

import (
	"encoding/json"
	"strings"
)

const bashSummaryMax = 80

// ToolSummary renders the one-line chat summary for a tool_execution_start
// event. The output is byte-stable per tool.
func ToolSummary(toolName string, args json.RawMessage) string {
	var parsed map[string]any
	_ = json.Unmarshal(args, &parsed)

	switch toolName {
	case "read":
		return "📖 Reading `" + argString(parsed, "path", "file") + "`"
	case "bash":
		return "⚡ `" + truncateLine(argString(parsed, "command", ""), bashSummaryMax) + "`"
	case "edit":
		return "✏️ Editing `" + argString(parsed, "path", "file") + "`"
	case "write":
		return "📝 Writing `" + argString(parsed, "path", "file") + "`"
	default:
		return "🔧 " + toolName
	}
}

func argString(args map[string]any, key, fallback string) string {
	if args != nil {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// truncateLine keeps the first line, cut at max codepoints with an ellipsis.
// Rune-based so a multi-byte character never splits.
func truncateLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
