package service

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxSanitizedQueryLen = 2000

var (
	codeFenceRe  = regexp.MustCompile("(?s)```.*?```|```")
	inlineTickRe = regexp.MustCompile("`+")
	controlRe    = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	htmlTagRe    = regexp.MustCompile(`(?i)</?[a-z][^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)

	injectionRes []*regexp.Regexp
)

// Phrases neutralized before user text is embedded into negotiation prompts.
var injectionPhrases = []string{
	`ignore previous instructions`,
	`ignore all previous instructions`,
	`forget everything`,
	`disregard (all )?(previous|prior) (instructions|context)`,
	`system\s*:`,
	`show me your prompt`,
	`reveal your (system )?prompt`,
	`\[INST\]`,
	`\[\/INST\]`,
	`<<SYS>>`,
	`<<\/SYS>>`,
}

func init() {
	injectionRes = make([]*regexp.Regexp, 0, len(injectionPhrases))
	for _, p := range injectionPhrases {
		injectionRes = append(injectionRes, regexp.MustCompile(`(?i)`+p))
	}
}

// SanitizeQuery neutralizes markup and prompt-injection content in caller
// text before it is interpolated into a negotiation prompt, collapses
// whitespace runs, and truncates to 2000 characters.
func SanitizeQuery(query string) string {
	out := codeFenceRe.ReplaceAllString(query, " ")
	out = inlineTickRe.ReplaceAllString(out, " ")
	out = controlRe.ReplaceAllString(out, " ")
	out = htmlTagRe.ReplaceAllString(out, " ")
	for _, re := range injectionRes {
		out = re.ReplaceAllString(out, " ")
	}
	out = whitespaceRe.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)
	if len(out) > maxSanitizedQueryLen {
		cut := maxSanitizedQueryLen
		// Back off to a rune boundary so the cut never splits a multi-byte
		// character.
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}
