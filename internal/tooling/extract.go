package tooling

import "strings"

// Candidate is one extracted tool-call payload awaiting a parse attempt.
type Candidate struct {
	Name string
	Args []byte
}

// extractFirstBalancedObject scans text for the first brace-balanced JSON
// object, tolerating truncation and strings containing braces. It tracks
// in-string and escape state explicitly rather than using a regex, since the
// source text is streamed and may end mid-object.
//
// Returns the object text (braces included) and the remainder of text after
// it, or ok=false if the object starting at the first '{' is not closed in
// text; objects starting at a later '{' are not tried.
func extractFirstBalancedObject(text string) (obj string, remainder string, ok bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", "", false
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escape {
			escape = false
			continue
		}
		switch {
		case inString:
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
		default:
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return text[start : i+1], text[i+1:], true
				}
			}
		}
	}
	return "", "", false
}

// toolCallMarkerStart/End delimit the fenced framing this service supports
// in addition to a bare JSON object: a model may wrap its call in explicit
// markers to disambiguate it from prose that happens to contain braces.
const (
	toolCallMarkerStart = "```tool_call"
	toolCallMarkerEnd   = "```"
)

// extractCandidates returns brace-balanced objects to attempt, in priority
// order: fenced block first (least ambiguous), then the first raw object
// found anywhere in text.
func extractCandidates(text string) []string {
	var out []string

	if start := strings.Index(text, toolCallMarkerStart); start >= 0 {
		rest := text[start+len(toolCallMarkerStart):]
		if end := strings.Index(rest, toolCallMarkerEnd); end >= 0 {
			rest = rest[:end]
		}
		if obj, _, ok := extractFirstBalancedObject(rest); ok {
			out = append(out, obj)
		}
	}

	if obj, _, ok := extractFirstBalancedObject(text); ok {
		out = append(out, obj)
	}

	return out
}
