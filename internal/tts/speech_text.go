package tts

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	fencedCodeRe = regexp.MustCompile("(?s)```.*?(?:```|$)")
	inlineCodeRe = regexp.MustCompile("`[^`\n]*`")
	imageRe      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	citationRe   = regexp.MustCompile(`\[(?:\^[^\]\s]+|\d+(?:\s*[,-]\s*\d+)*)\]`)
	urlRe        = regexp.MustCompile(`https?://[^\s)>\]]+`)

	headingRe  = regexp.MustCompile(`^\s{0,3}#{1,6}\s+`)
	listItemRe = regexp.MustCompile(`^\s*(?:[-*+]|\d{1,3}[.)])\s+`)
	taskBoxRe  = regexp.MustCompile(`^\[[ xX]\]\s+`)
	quoteRe    = regexp.MustCompile(`^\s*(?:>\s?)+`)
	ruleRe     = regexp.MustCompile(`^\s*(?:[-*_]\s*){3,}$`)
	tableSepRe = regexp.MustCompile(`^\s*\|?\s*:?-+:?\s*(?:\|\s*:?-+:?\s*)*\|?\s*$`)
	linkDefRe  = regexp.MustCompile(`^\s*\[[^\]]+\]:\s+\S+`)
)

// SanitizeSpeechText turns a markdown chat reply into plain prose for
// synthesis. Code, URLs, citation markers and formatting are dropped.
// Headings, list items, quotes and table rows end in a sentence break so
// the voice pauses between them.
func SanitizeSpeechText(raw string) string {
	raw = fencedCodeRe.ReplaceAllString(raw, "\n")
	var spoken []string
	for _, line := range strings.Split(raw, "\n") {
		if s := speakLine(line); s != "" {
			spoken = append(spoken, s)
		}
	}
	return strings.Join(spoken, " ")
}

func speakLine(line string) string {
	if ruleRe.MatchString(line) || tableSepRe.MatchString(line) || linkDefRe.MatchString(line) {
		return ""
	}

	block := false
	if loc := quoteRe.FindStringIndex(line); loc != nil {
		line = line[loc[1]:]
		block = true
	}
	switch {
	case headingRe.MatchString(line):
		line = strings.TrimRight(headingRe.ReplaceAllString(line, ""), "# \t")
		block = true
	case listItemRe.MatchString(line):
		line = taskBoxRe.ReplaceAllString(listItemRe.ReplaceAllString(line, ""), "")
		block = true
	case strings.HasPrefix(strings.TrimSpace(line), "|"):
		line = strings.Join(tableCells(line), ", ")
		block = true
	}

	line = inlineCodeRe.ReplaceAllString(line, " ")
	line = imageRe.ReplaceAllString(line, "$1")
	line = linkRe.ReplaceAllString(line, "$1")
	line = citationRe.ReplaceAllString(line, "")
	line = urlRe.ReplaceAllString(line, " ")

	out := plainWords(line)
	if block && out != "" {
		out = strings.TrimRight(out, ",")
		if r, _ := utf8.DecodeLastRuneInString(out); !strings.ContainsRune(".!?:;", r) {
			out += "."
		}
	}
	return out
}

func tableCells(row string) []string {
	var cells []string
	for _, c := range strings.Split(strings.Trim(strings.TrimSpace(row), "|"), "|") {
		if c = strings.TrimSpace(c); c != "" {
			cells = append(cells, c)
		}
	}
	return cells
}

// plainWords keeps letters, digits, currency and the punctuation a voice can
// use. Markup and emoji collapse into single spaces.
func plainWords(line string) string {
	runes := []rune(line)
	var b strings.Builder
	b.Grow(len(line))
	gap := false
	word := func(r rune) {
		if gap && b.Len() > 0 {
			b.WriteByte(' ')
		}
		gap = false
		b.WriteRune(r)
	}
	for i, r := range runes {
		switch {
		case unicode.IsSpace(r):
			gap = true
		case r == '_':
			// snake_case identifiers stay one word.
			if i > 0 && i+1 < len(runes) && isWordRune(runes[i-1]) && isWordRune(runes[i+1]) {
				word(r)
			} else {
				gap = true
			}
		case strings.ContainsRune(".,!?:;)", r):
			gap = false
			b.WriteRune(r)
		case strings.ContainsRune("(\"'-%&", r):
			word(r)
		case unicode.In(r, unicode.Cc, unicode.Cf, unicode.Me, unicode.So, unicode.Sk), r >= 0xfe00 && r <= 0xfe0f:
		case unicode.IsPunct(r), unicode.Is(unicode.Sm, r):
			gap = true
		default:
			word(r)
		}
	}
	return b.String()
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
