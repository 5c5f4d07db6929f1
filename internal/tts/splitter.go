package tts

import (
	"strconv"
	"strings"
)

const partSeparator = "_part_"

// SplitTextForTTS cuts text into word-bounded segments of at most maxWords
// words each, balanced so that segment sizes differ by at most one word.
// A non-positive maxWords, or text that already fits, yields the text itself.
func SplitTextForTTS(text string, maxWords int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if maxWords <= 0 || len(words) <= maxWords {
		return []string{text}
	}

	n := len(words)
	k := (n + maxWords - 1) / maxWords
	base, extra := n/k, n%k

	out := make([]string, 0, k)
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		out = append(out, strings.Join(words[start:start+size], " "))
		start += size
	}
	return out
}

// Segments returns the speakable segments of a message body.
func Segments(content string, maxWords int) []string {
	return SplitTextForTTS(SanitizeSpeechText(content), maxWords)
}

// SegmentKey names one segment. Single-segment messages use the bare id.
func SegmentKey(messageID string, part, total int) string {
	if total <= 1 {
		return messageID
	}
	return messageID + partSeparator + strconv.Itoa(part)
}

// ParseSegmentKey reverses SegmentKey. A key without a part suffix is part 0.
func ParseSegmentKey(key string) (messageID string, part int) {
	idx := strings.LastIndex(key, partSeparator)
	if idx < 0 {
		return key, 0
	}
	n, err := strconv.Atoi(key[idx+len(partSeparator):])
	if err != nil || n < 0 {
		return key, 0
	}
	return key[:idx], n
}
