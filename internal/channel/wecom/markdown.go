package wecom

import (
	"regexp"
	"strings"
)

var (
	mdImage     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLink      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdFence     = regexp.MustCompile("(?s)```.+?```")
	mdLineMark  = regexp.MustCompile(`(?m)^[#>\-+*]\s*`)
	mdTableRule = regexp.MustCompile(`\|\s*-{2,}\s*\|`)
	mdBlankRun  = regexp.MustCompile(`\n{3,}`)
)

// StripMarkdown flattens markdown into plain text that reads well in a chat
// client without markdown rendering: images keep their alt text, links become
// "text (url)", emphasis and code markers go, as do leading heading, quote and
// bullet markers.
func StripMarkdown(s string) string {
	if s == "" {
		return s
	}
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdFence.ReplaceAllStringFunc(s, func(m string) string {
		return strings.ReplaceAll(m, "```", "")
	})
	s = strings.ReplaceAll(s, "`", "")
	for _, mark := range []string{"**", "__", "*", "_", "~~"} {
		s = strings.ReplaceAll(s, mark, "")
	}
	s = mdLineMark.ReplaceAllString(s, "")
	s = mdTableRule.ReplaceAllString(s, "|")
	s = mdBlankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
