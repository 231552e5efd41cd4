// ABOUTME: Tool result truncation, status previews, and per-tool emoji for status frames
// ABOUTME: Lengths are counted in characters, not bytes

package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const defaultToolEmoji = "⚙️"

var toolEmoji = map[string]string{
	"get_current_time":  "🕐",
	"session_info":      "🧾",
	"save_note":         "💾",
	"get_note":          "📖",
	"list_notes":        "📁",
	"delete_note":       "🗑️",
	"schedule_reminder": "⏰",
	"execute_python":    "🐍",
	"run_shell":         "💻",
	"read_file":         "📖",
	"write_file":        "💾",
	"web_search":        "🔍",
	"send_email":        "📤",
}

// ToolEmoji returns the status emoji for a tool. Remote tools are matched
// by their unqualified name.
func ToolEmoji(name string) string {
	if e, ok := toolEmoji[name]; ok {
		return e
	}
	if i := strings.LastIndex(name, "__"); i >= 0 {
		if e, ok := toolEmoji[name[i+2:]]; ok {
			return e
		}
	}
	return defaultToolEmoji
}

// truncate caps a tool result at max characters and tells the model so.
func truncate(s string, max int) string {
	n := utf8.RuneCountInString(s)
	if n <= max {
		return s
	}
	return prefix(s, max) + fmt.Sprintf(
		"\n\n[TRUNCATED: Result was %d chars, showing first %d. Use pagination parameters or more specific filters to get smaller results.]",
		n, max)
}

// preview returns at most n characters of s.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return prefix(s, n)
}

func prefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
