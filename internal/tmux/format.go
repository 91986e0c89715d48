package tmux

import "strings"

// fieldSeparator is the delimiter used in tmux -F format strings. ASCII Unit
// Separator avoids collision with pane command and path text.
const fieldSeparator = "\x1f"

func joinFormat(fields ...string) string {
	return strings.Join(fields, fieldSeparator)
}

func splitLine(line string, maxParts int) []string {
	if maxParts <= 0 {
		return nil
	}
	return strings.SplitN(line, fieldSeparator, maxParts)
}
