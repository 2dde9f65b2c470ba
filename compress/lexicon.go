package compress

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"chatcore/model"
)

// shortMessageRunes is the longest trimmed message still considered an
// acknowledgment.
const shortMessageRunes = 20

var acknowledgments = map[string]bool{
	"ok":        true,
	"okay":      true,
	"k":         true,
	"kk":        true,
	"thanks":    true,
	"thank you": true,
	"thx":       true,
	"ty":        true,
	"cool":      true,
	"great":     true,
	"nice":      true,
	"got it":    true,
	"sure":      true,
	"yes":       true,
	"no":        true,
	"yep":       true,
	"nope":      true,
	"yeah":      true,
	"alright":   true,
	"perfect":   true,
	"awesome":   true,
	"np":        true,
	"lol":       true,
	"👍":         true,
	"🙏":         true,
	"😊":         true,
}

// IsLowValue reports whether msg is a short user acknowledgment that can
// be dropped without losing conversational content.
func IsLowValue(msg model.Message) bool {
	if msg.Role != model.RoleUser {
		return false
	}
	text := strings.TrimSpace(msg.Content)
	if utf8.RuneCountInString(text) > shortMessageRunes {
		return false
	}
	if onlySymbols(text) {
		return true
	}
	norm := strings.ToLower(strings.TrimRightFunc(text, unicode.IsPunct))
	return acknowledgments[strings.TrimSpace(norm)]
}

// onlySymbols matches emoji, punctuation and whitespace, including the
// variation selectors and joiners that compose multi-rune emoji.
func onlySymbols(s string) bool {
	for _, r := range s {
		switch {
		case unicode.IsSpace(r), unicode.IsPunct(r), unicode.IsSymbol(r):
		case unicode.Is(unicode.Mn, r), unicode.Is(unicode.Cf, r):
		case unicode.Is(unicode.Me, r):
		default:
			return false
		}
	}
	return true
}
