package render

import (
	"strings"
	"unicode/utf8"
)

const maxTitleLen = 200

// Characters that are invalid in file names or meaningful in vault links.
const forbiddenTitleChars = `\/:*?"<>|#^[]`

// SanitizeTitle turns a document title into a file name stem.
func SanitizeTitle(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenTitleChars, r) {
			return -1
		}
		if r < 0x20 {
			return ' '
		}
		return r
	}, title)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	cleaned = strings.Trim(cleaned, ". ")
	if cleaned == "" {
		return "Untitled"
	}
	for len(cleaned) > maxTitleLen {
		_, size := utf8.DecodeLastRuneInString(cleaned)
		cleaned = cleaned[:len(cleaned)-size]
	}
	return strings.TrimRight(cleaned, ". ")
}
