package translator

import (
	"regexp"
	"strings"
)

// transcriptArtifacts match tool-call and thought markers that models
// sometimes echo into plain text after seeing them in earlier turns.
var transcriptArtifacts = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<(?:thinking|thought)>.*?</(?:thinking|thought)>`),
	regexp.MustCompile(`(?m)^[ \t]*\[(?:Tool call|Tool result|Function call|Function response|Called tool)\b[^\]\n]*\][ \t]*(?:\n|$)`),
	regexp.MustCompile(`(?m)^[ \t]*(?:Tool call|Tool result|Function call):[ \t]*[\w.-]+\(.*\)[ \t]*(?:\n|$)`),
	regexp.MustCompile(`<\|?(?:tool_call|tool_result|function_call|function_result)(?:_begin|_end)?\|?>`),
}

var excessBlankLines = regexp.MustCompile(`\n{3,}`)

// scrubText removes leaked transcript artifacts. Text without artifacts is
// returned unchanged.
func scrubText(text string) string {
	cleaned := text
	for _, re := range transcriptArtifacts {
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	if cleaned == text {
		return text
	}
	cleaned = excessBlankLines.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}
