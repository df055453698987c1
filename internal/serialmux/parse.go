package serialmux

import "strings"

const (
	LineEmpty   = "empty"
	LineComment = "comment"
	LineCommand = "command"
)

// ClassifyLine tells blank lines and % comments apart from commands.
func ClassifyLine(line string) string {
	s := strings.TrimSpace(line)
	switch {
	case s == "":
		return LineEmpty
	case strings.HasPrefix(s, "%"):
		return LineComment
	default:
		return LineCommand
	}
}
