// Package toolcall detects an embedded tool invocation in assistant output.
// Detection only: the raw payload is handed to the external execution
// collaborator, never run here.
package toolcall

import (
	"regexp"
	"strings"
)

// DefaultLang is the fenced-code-block language marker that designates a
// tool invocation payload.
const DefaultLang = "tool"

// Invocation is a detected tool invocation. Ownership of the payload passes
// to the external tool-execution collaborator.
type Invocation struct {
	// Lang is the language marker on the fenced block.
	Lang string
	// Raw is the verbatim block content.
	Raw string
}

var fenceRe = regexp.MustCompile("(?ms)^```([A-Za-z0-9_-]+)[ \t]*\n(.*?)\n?```[ \t]*$")

// Detect scans content for fenced code blocks tagged with lang and returns
// the last one. Absence of such a block means no tool was invoked.
func Detect(content, lang string) (*Invocation, bool) {
	if lang == "" {
		lang = DefaultLang
	}
	matches := fenceRe.FindAllStringSubmatch(content, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		if !strings.EqualFold(matches[i][1], lang) {
			continue
		}
		return &Invocation{
			Lang: matches[i][1],
			Raw:  matches[i][2],
		}, true
	}
	return nil, false
}
